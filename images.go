package cocoyolo

// Export of the annotated images next to their YOLO labels.

import (
	"image"
	_ "image/jpeg" // Register decoders for image.DecodeConfig.
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultJPEGQuality is the JPEG quality used when ImageOptions.JPEGQuality is out of range.
const DefaultJPEGQuality = 90

// ImageOptions control ExportImages. Zero values select the defaults.
type ImageOptions struct {
	LongerSide  int    // Target length of the longer side; zero keeps the aspect ratio.
	ShorterSide int    // Target length of the shorter side; zero keeps the aspect ratio.
	Downsample  string // Resampling filter when shrinking; box if empty.
	Upsample    string // Resampling filter when enlarging; linear if empty.
	JPEGQuality int    // JPEG quality [1, 100]; DefaultJPEGQuality otherwise.
	Workers     int    // Concurrent workers; defaults to 2*runtime.NumCPU().
}

func (o ImageOptions) withDefaults() ImageOptions {
	if o.Downsample == "" {
		o.Downsample = "box"
	}
	if o.Upsample == "" {
		o.Upsample = "linear"
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.Workers <= 0 {
		o.Workers = 2 * runtime.NumCPU()
	}
	return o
}

func (o ImageOptions) resize() bool {
	return o.LongerSide > 0 || o.ShorterSide > 0
}

// resampleFilter returns the imaging filter for name {nearest, box, linear, gaussian, lanczos}.
func resampleFilter(name string) (imaging.ResampleFilter, error) {
	switch name {
	case "nearest":
		return imaging.NearestNeighbor, nil
	case "box":
		return imaging.Box, nil
	case "linear":
		return imaging.Linear, nil
	case "gaussian":
		return imaging.Gaussian, nil
	case "lanczos":
		return imaging.Lanczos, nil
	}
	return imaging.ResampleFilter{}, errors.Errorf("unknown resampling filter %q", name)
}

// imageOutName returns the base name an image is exported under.
func imageOutName(img Image) string {
	return filepath.Base(filepath.FromSlash(strings.Replace(img.FileName, "\\", "/", -1)))
}

// imagePath locates the image file of img in imageDir. The file name is tried as a path relative
// to imageDir first, then by its base name.
func imagePath(imageDir string, img Image) (string, error) {
	rel := filepath.FromSlash(strings.Replace(img.FileName, "\\", "/", -1))
	candidates := []string{
		filepath.Join(imageDir, rel),
		filepath.Join(imageDir, filepath.Base(rel)),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", &IOError{Op: "read", Path: candidates[0], Err: os.ErrNotExist}
}

// ExportImages copies the images of set from imageDir to outDir, resizing them if requested.
//
// YOLO labels are ratios of the image size, so they stay valid for the exported images. A
// decoded image size that differs from the size declared in the document is logged as a warning.
// Images are exported by base name, so two images with the same base name are rejected with a
// *MalformedInputError before anything is written. The first error is returned after all started
// work has finished.
func ExportImages(set *AnnotationSet, imageDir, outDir string, opts ImageOptions) error {
	if len(set.Images) == 0 {
		return nil
	}

	opts = opts.withDefaults()
	downsample, err := resampleFilter(opts.Downsample)
	if err != nil {
		return err
	}
	upsample, err := resampleFilter(opts.Upsample)
	if err != nil {
		return err
	}

	names := make(map[string]int64, len(set.Images))
	for _, img := range set.Images {
		name := imageOutName(img)
		if otherID, dup := names[name]; dup {
			return malformed(imageSubject(img), "file_name",
				"exported image %q is also produced by image %d", name, otherID)
		}
		names[name] = img.ID
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return &IOError{Op: "mkdir", Path: outDir, Err: err}
	}
	log.WithField("dir", outDir).Info("Exporting images")

	// Limit the number of goroutines in flight, as they load potentially large images into memory.
	numTasks := opts.Workers
	if len(set.Images) < numTasks {
		numTasks = len(set.Images)
	}
	workQueue := make(chan Image, 2*numTasks)

	errs := make(chan error, 1)
	trySendError := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for img := range workQueue {
				if err := exportImage(img, imageDir, outDir, opts, downsample, upsample); err != nil {
					trySendError(err)
				}
			}
		}()
	}

	for _, img := range set.Images {
		workQueue <- img
	}
	close(workQueue)
	wg.Wait()

	close(errs)
	if len(errs) > 0 {
		return <-errs
	}
	return nil
}

// exportImage exports a single image.
func exportImage(img Image, imageDir, outDir string, opts ImageOptions,
	downsample, upsample imaging.ResampleFilter) error {

	inPath, err := imagePath(imageDir, img)
	if err != nil {
		return err
	}
	outPath := filepath.Join(outDir, imageOutName(img))
	if sameFile(inPath, outPath) {
		return errors.Errorf("image output %q would overwrite its input", outPath)
	}

	if !opts.resize() {
		config, _, err := decodeImageConfig(inPath)
		if err != nil {
			return &IOError{Op: "read", Path: inPath, Err: err}
		}
		checkImageSize(img, config.Width, config.Height)
		if err := copyFile(inPath, outPath); err != nil {
			return &IOError{Op: "write", Path: outPath, Err: err}
		}
		return nil
	}

	src, err := imaging.Open(inPath)
	if err != nil {
		return &IOError{Op: "read", Path: inPath, Err: err}
	}
	checkImageSize(img, src.Bounds().Dx(), src.Bounds().Dy())

	resized := resizeImage(src, opts.LongerSide, opts.ShorterSide, downsample, upsample)
	if err := imaging.Save(resized, outPath, imaging.JPEGQuality(opts.JPEGQuality)); err != nil {
		return &IOError{Op: "write", Path: outPath, Err: err}
	}
	return nil
}

func checkImageSize(img Image, width, height int) {
	if width != img.Width || height != img.Height {
		log.WithFields(log.Fields{
			"image":    img.FileName,
			"declared": [2]int{img.Width, img.Height},
			"actual":   [2]int{width, height},
		}).Warn("Image size differs from the annotation document")
	}
}

// resizeImage resamples the image to match the longer and shorter sides (one may be 0).
func resizeImage(img image.Image, longerSide, shorterSide int,
	downsamplingFilter, upsamplingFilter imaging.ResampleFilter) image.Image {

	imgBounds := img.Bounds()
	imgWidth := imgBounds.Dx()
	imgHeight := imgBounds.Dy()

	imgLonger := imgWidth
	imgShorter := imgHeight
	isLandscape := true
	if imgHeight > imgWidth {
		imgLonger = imgHeight
		imgShorter = imgWidth
		isLandscape = false
	}

	// Calculate the target dimensions.
	if longerSide <= 0 {
		longerSide = int(math.Round(float64(shorterSide) * (float64(imgLonger) / float64(imgShorter))))
	} else if shorterSide <= 0 {
		shorterSide = int(math.Round(float64(longerSide) * (float64(imgShorter) / float64(imgLonger))))
	}

	// Select the filter based on the direction of the rescaling operation.
	filter := upsamplingFilter
	if longerSide*shorterSide < imgWidth*imgHeight {
		filter = downsamplingFilter
	}

	if isLandscape {
		return imaging.Resize(img, longerSide, shorterSide, filter)
	}
	return imaging.Resize(img, shorterSide, longerSide, filter)
}

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer file.Close()

	return image.DecodeConfig(file)
}

// copyFile copies the file at src to dst.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer closeWithErrCheck(in, &err)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer closeWithErrCheck(out, &err)

	_, err = io.Copy(out, in)
	return err
}

func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}
