package cocoyolo

// Conversion of an AnnotationSet to a directory of YOLO label files.

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConvertOptions control WriteYOLO and Convert.
type ConvertOptions struct {
	// The number of concurrent workers. Defaults to runtime.NumCPU() when not positive.
	Workers int

	// Skip invalid records and report them in the summary instead of failing. When false, the
	// first invalid record fails the conversion before any file is written.
	SkipInvalid bool
}

func (o ConvertOptions) workers() int {
	if o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

// SkippedRecord describes an image record or an orphan annotation that was not converted.
type SkippedRecord struct {
	Subject string // The skipped image or annotation.
	Err     error
}

// Summary is the result of a conversion.
type Summary struct {
	Images  int // The number of images in the document.
	Records int // The number of label files written.
	Boxes   int // The number of label lines written.
	Skipped []SkippedRecord
	Written []int64 // IDs of the images whose label files were written, in document order.
}

// Convert parses the COCO document from r and writes one YOLO label file per image to outDir.
func Convert(r io.Reader, outDir string, opts ConvertOptions) (Summary, error) {
	set, err := ReadCOCO(r)
	if err != nil {
		return Summary{}, err
	}
	classes, err := NewClassIndexMap(set.Categories)
	if err != nil {
		return Summary{}, err
	}
	return WriteYOLO(outDir, set, classes, opts)
}

// BuildYOLO computes the YOLO label records of all images of set without writing them.
//
// Unless opts.SkipInvalid is set, an orphan annotation or an invalid record fails with the first
// error in document order. Otherwise they are listed in the summary, and only the valid records are
// returned. Two images producing the same label file name always fail.
func BuildYOLO(set *AnnotationSet, classes *ClassIndexMap, opts ConvertOptions) (
	[]LabelFile, Summary, error) {

	summary := Summary{Images: len(set.Images)}

	// Orphan annotations belong to no record.
	for _, a := range set.Orphans() {
		err := malformed(annotationSubject(a), "image_id", "undeclared image %d", a.ImageID)
		if !opts.SkipInvalid {
			return nil, summary, err
		}
		summary.Skipped = append(summary.Skipped,
			SkippedRecord{Subject: annotationSubject(a), Err: err})
	}

	records, errs := buildRecords(set, classes, opts.workers())

	// Select the valid records, in document order.
	valid := make([]LabelFile, 0, len(records))
	names := make(map[string]int64, len(records))
	for i, f := range records {
		if err := errs[i]; err != nil {
			if !opts.SkipInvalid {
				return nil, summary, err
			}
			summary.Skipped = append(summary.Skipped,
				SkippedRecord{Subject: imageSubject(set.Images[i]), Err: err})
			continue
		}
		if otherID, dup := names[f.Name]; dup {
			return nil, summary, malformed(imageSubject(f.Image), "file_name",
				"label file %q is also produced by image %d", f.Name, otherID)
		}
		names[f.Name] = f.Image.ID
		valid = append(valid, f)
	}

	for _, s := range summary.Skipped {
		log.WithField("record", s.Subject).Warn("Skipping invalid record: ", s.Err)
	}

	return valid, summary, nil
}

// WriteYOLO writes one YOLO label file per image of set to outDir, creating outDir if necessary.
//
// All records are computed by BuildYOLO before the first file is written, so a failing conversion
// writes nothing. Each file is replaced atomically. The IDs of the images whose records were
// written are returned in Summary.Written; exports of the same data should be restricted to them
// with AnnotationSet.Subset.
func WriteYOLO(outDir string, set *AnnotationSet, classes *ClassIndexMap, opts ConvertOptions) (
	Summary, error) {

	toWrite, summary, err := BuildYOLO(set, classes, opts)
	if err != nil {
		return summary, err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return summary, &IOError{Op: "mkdir", Path: outDir, Err: err}
	}

	if err := writeRecords(outDir, toWrite, opts.workers()); err != nil {
		return summary, err
	}

	summary.Records = len(toWrite)
	for _, f := range toWrite {
		summary.Boxes += len(f.Boxes)
		summary.Written = append(summary.Written, f.Image.ID)
	}

	log.WithFields(log.Fields{
		"dir":     outDir,
		"records": summary.Records,
		"boxes":   summary.Boxes,
		"skipped": len(summary.Skipped),
	}).Info("Wrote YOLO labels")

	return summary, nil
}

// buildRecords runs ToYOLO for all images concurrently. The results are indexed like set.Images.
func buildRecords(set *AnnotationSet, classes *ClassIndexMap, workers int) (
	[]LabelFile, []error) {

	records := make([]LabelFile, len(set.Images))
	errs := make([]error, len(set.Images))
	if len(set.Images) == 0 {
		return records, errs
	}

	numTasks := workers
	if len(set.Images) < numTasks {
		numTasks = len(set.Images)
	}
	workQueue := make(chan int, 2*numTasks)

	var wg sync.WaitGroup
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				records[idx], errs[idx] = ToYOLO(set, classes, set.Images[idx])
			}
		}()
	}

	for i := range set.Images {
		workQueue <- i
	}
	close(workQueue)
	wg.Wait()

	return records, errs
}

// writeRecords writes the records to dir concurrently. No new writes are started after the first
// failure, which is returned.
func writeRecords(dir string, records []LabelFile, workers int) error {
	if len(records) == 0 {
		return nil
	}

	numTasks := workers
	if len(records) < numTasks {
		numTasks = len(records)
	}
	workQueue := make(chan *LabelFile, 2*numTasks)
	abort := make(chan struct{})
	var abortOnce sync.Once

	errors := make(chan error, 1)
	trySendError := func(err error) {
		select {
		case errors <- err:
		default:
		}
		abortOnce.Do(func() { close(abort) })
	}

	var wg sync.WaitGroup
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for f := range workQueue {
				select {
				case <-abort:
					continue // Drain the queue.
				default:
				}

				path := filepath.Join(dir, f.Name)
				if err := writeFileAtomic(path, f.Bytes()); err != nil {
					trySendError(&IOError{Op: "write", Path: path, Err: err})
					continue
				}
				log.WithField("file", path).Debug("Wrote label file")
			}
		}()
	}

feed:
	for i := range records {
		select {
		case workQueue <- &records[i]:
		case <-abort:
			break feed
		}
	}
	close(workQueue)
	wg.Wait()

	close(errors)
	if len(errors) > 0 {
		return <-errors
	}
	return nil
}
