// Converts COCO detection annotations to YOLO label files, and optionally writes the YOLO dataset
// descriptor, exports the images and writes TFRecord files for the same annotations.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sensorable/cocoyolo"
	log "github.com/sirupsen/logrus"
)

var (
	cocoFilePath     string // The COCO annotation document.
	labelOutDir      string // The YOLO label output directory.
	classNames       string // A comma-separated documentary class list.
	classFilePath    string // A file with one documentary class name per line.
	strictClasses    bool   // Fail when the class list disagrees with the categories.
	skipInvalid      bool   // Skip and report invalid records instead of failing.
	numWorkers       int    // The number of concurrent workers.
	logLevel         string // The logrus level.
	dataYAMLPath     string // The YOLO dataset descriptor to create or update.
	datasetSplit     string // The split the converted data belongs to.
	splitPercents    string // Comma-separated percentages to divide the data into splits.
	splitSeed        int64  // The seed for the random split; zero seeds from the time.
	cumulativeSplits []int  // The parsed cumulative split percentages.
	imageDirPath     string // The input directory with the labeled images.
	imageOutDir      string // The output directory for exported images.
	tfRecordPath     string // The TFRecord output file.
	tfLabelMapPath   string // The TFRecord label map file.
	numShardFiles    int    // The number of TFRecord shard files to create.

	imageResizeLonger       int    // The target length for the longer side of the image.
	imageResizeShorter      int    // The target length for the shorter side of the image.
	imageDownsamplingFilter string // The algorithm to use when downsampling.
	imageUpsamplingFilter   string // The algorithm to use when upsampling.
	imageJPEGQuality        int    // The JPEG quality for resized JPEG outputs.
)

// envInt returns the integer value of the environment variable key, or def if unset or invalid.
func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

// envString returns the value of the environment variable key, or def if unset.
func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func init() {
	// Defaults may come from the environment or a .env file; it is fine for the file not to exist.
	_ = godotenv.Load()

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(os.Stderr, "  -coco <file> -labels-out <dir> [options]")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}

	printUsageAndExit := func(msg ...interface{}) {
		log.Error(msg...)
		flag.Usage()
		os.Exit(1)
	}

	// Conversion arguments.
	flag.StringVar(&cocoFilePath, "coco", cocoFilePath, "The COCO annotation `file`")
	flag.StringVar(&labelOutDir, "labels-out", labelOutDir,
		"The `path` to the YOLO label output directory (created if absent)")
	flag.StringVar(&classNames, "classes", classNames,
		"Comma-separated class names to check against the categories (informational; class"+
			" indices always follow the category order of the document)")
	flag.StringVar(&classFilePath, "classes-file", classFilePath,
		"A `file` with one class name per line, used like -classes")
	flag.BoolVar(&strictClasses, "strict-classes", strictClasses,
		"Fail when the class list disagrees with the categories")
	flag.BoolVar(&skipInvalid, "skip-invalid", skipInvalid,
		"Skip invalid records and report them instead of failing")
	flag.IntVar(&numWorkers, "workers", envInt("COCOYOLO_WORKERS", 0),
		"The number of concurrent workers (zero selects the number of CPUs)")
	flag.StringVar(&logLevel, "log-level", envString("COCOYOLO_LOG_LEVEL", "info"),
		"The log `level` {debug, info, warn, error}")

	// Dataset descriptor arguments.
	flag.StringVar(&dataYAMLPath, "data-yaml", dataYAMLPath,
		"The YOLO dataset descriptor `file` to create or update")
	flag.StringVar(&datasetSplit, "split", cocoyolo.SplitTrain,
		"The dataset split of the input {train, val, test} (with -data-yaml)")
	flag.StringVar(&splitPercents, "split-percent", splitPercents,
		"Randomly divide the images into up to three splits (train, val, test) with the"+
			" comma-separated `percentages`, written to subdirectories of the output paths")
	flag.Int64Var(&splitSeed, "split-seed", splitSeed,
		"The random `seed` for -split-percent (zero for a time based seed)")

	// Image arguments.
	flag.StringVar(&imageDirPath, "images", imageDirPath,
		"The `path` to the image input directory (required by -images-out and -tfrecord-out)")
	flag.StringVar(&imageOutDir, "images-out", imageOutDir,
		"The `path` to the image output directory")
	flag.IntVar(&imageResizeLonger, "resize-longer", imageResizeLonger,
		"The target `length` for the longer side of exported images (zero to keep aspect ratio)")
	flag.IntVar(&imageResizeShorter, "resize-shorter", imageResizeShorter,
		"The target `length` for the shorter side of exported images (zero to keep aspect ratio)")
	flag.StringVar(&imageDownsamplingFilter, "downsample-filter", "box",
		"The filter to use when downsampling an image {nearest, box, linear, gaussian, lanczos}")
	flag.StringVar(&imageUpsamplingFilter, "upsample-filter", "linear",
		"The filter to use when upsampling an image {nearest, box, linear, gaussian, lanczos}")
	flag.IntVar(&imageJPEGQuality, "jpeg-quality", cocoyolo.DefaultJPEGQuality,
		"The quality to use when encoding resized JPEGs [1, 100]")

	// TFRecord arguments.
	flag.StringVar(&tfRecordPath, "tfrecord-out", tfRecordPath,
		"The TFRecord output `file`")
	flag.StringVar(&tfLabelMapPath, "tfrecord-label-map-file", tfLabelMapPath,
		"The TFRecord label map file `path`")
	flag.IntVar(&numShardFiles, "num-shards", 1,
		"The number of TFRecord shard files to create")

	flag.Parse()

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		printUsageAndExit("Invalid -log-level: ", logLevel)
	}
	log.SetLevel(level)

	// Validate input arguments.
	if cocoFilePath == "" || labelOutDir == "" {
		printUsageAndExit("Missing -coco or -labels-out argument")
	}
	if classNames != "" && classFilePath != "" {
		printUsageAndExit("Arguments -classes and -classes-file are mutually exclusive")
	}
	if (imageOutDir != "" || tfRecordPath != "") && imageDirPath == "" {
		printUsageAndExit("Missing image input directory path")
	}
	if (imageResizeLonger > 0 || imageResizeShorter > 0) && imageOutDir == "" {
		printUsageAndExit("Missing image output directory path")
	}
	if tfRecordPath != "" && tfLabelMapPath == "" {
		printUsageAndExit("Missing -tfrecord-label-map-file argument")
	}
	if imageJPEGQuality < 1 || imageJPEGQuality > 100 {
		imageJPEGQuality = cocoyolo.DefaultJPEGQuality
		log.Warn("Invalid JPEG quality, setting it to ", imageJPEGQuality)
	}
	if dataYAMLPath != "" {
		if err := (&cocoyolo.DatasetConfig{}).SetSplit(datasetSplit, "."); err != nil {
			printUsageAndExit("Invalid -split: ", datasetSplit)
		}
	}
	if splitPercents != "" {
		if cumulativeSplits, err = cocoyolo.ParseSplits(splitPercents); err != nil {
			printUsageAndExit("Invalid -split-percent: ", err)
		}
		if len(cumulativeSplits) > len(splitNames) {
			printUsageAndExit("Argument -split-percent supports at most ", len(splitNames),
				" splits")
		}
	}

	// Clean path arguments.
	cocoFilePath = filepath.Clean(cocoFilePath)
	labelOutDir = filepath.Clean(labelOutDir)
	if imageDirPath != "" {
		imageDirPath = filepath.Clean(imageDirPath)
	}
	if imageOutDir != "" {
		imageOutDir = filepath.Clean(imageOutDir)
		if imageDirPath == imageOutDir {
			printUsageAndExit("The image input and output paths cannot be identical")
		}
	}
}

// splitNames are the dataset splits created by -split-percent, in order.
var splitNames = []string{cocoyolo.SplitTrain, cocoyolo.SplitVal, cocoyolo.SplitTest}

// dataset is one output split with its output paths.
type dataset struct {
	split        string
	set          *cocoyolo.AnnotationSet
	labelOutDir  string
	imageOutDir  string
	tfRecordPath string
}

// splitDatasets divides the set as requested by -split-percent. Without it the set is a single
// dataset written to the output paths as given.
func splitDatasets(set *cocoyolo.AnnotationSet) ([]dataset, error) {
	if len(cumulativeSplits) == 0 {
		return []dataset{{
			split:        datasetSplit,
			set:          set,
			labelOutDir:  labelOutDir,
			imageOutDir:  imageOutDir,
			tfRecordPath: tfRecordPath,
		}}, nil
	}

	var rng *rand.Rand
	if splitSeed != 0 {
		rng = rand.New(rand.NewSource(splitSeed))
	}
	sets, err := set.Split(cumulativeSplits, rng)
	if err != nil {
		return nil, err
	}

	datasets := make([]dataset, len(sets))
	for i, s := range sets {
		name := splitNames[i]
		d := dataset{split: name, set: s, labelOutDir: filepath.Join(labelOutDir, name)}
		if imageOutDir != "" {
			d.imageOutDir = filepath.Join(imageOutDir, name)
		}
		if tfRecordPath != "" {
			ext := filepath.Ext(tfRecordPath)
			d.tfRecordPath = strings.TrimSuffix(tfRecordPath, ext) + "-" + name + ext
		}
		datasets[i] = d
	}
	return datasets, nil
}

// checkClasses compares the documentary class list, if any, with the categories.
func checkClasses(classes *cocoyolo.ClassIndexMap) error {
	var names []string
	switch {
	case classNames != "":
		names = strings.Split(classNames, ",")
	case classFilePath != "":
		var err error
		if names, err = cocoyolo.ReadClassList(classFilePath); err != nil {
			return err
		}
	default:
		return nil
	}

	mismatches := classes.CheckClassList(names)
	for _, m := range mismatches {
		log.Warn("Class list mismatch: ", m)
	}
	if strictClasses && len(mismatches) > 0 {
		return fmt.Errorf("the class list disagrees with the categories (%d mismatches)",
			len(mismatches))
	}
	return nil
}

func main() {
	set, err := cocoyolo.FromCOCO(cocoFilePath)
	if err != nil {
		log.Fatal("Failed to parse the input: ", err)
	}

	classes, err := cocoyolo.NewClassIndexMap(set.Categories)
	if err != nil {
		log.Fatal("Failed to index the categories: ", err)
	}
	if err := checkClasses(classes); err != nil {
		log.Fatal(err)
	}

	opts := cocoyolo.ConvertOptions{Workers: numWorkers, SkipInvalid: skipInvalid}

	// Only the images with a valid record are split and exported.
	records, summary, err := cocoyolo.BuildYOLO(set, classes, opts)
	if err != nil {
		log.Fatal("Conversion failed: ", err)
	}
	if len(summary.Skipped) > 0 {
		valid := make([]int64, len(records))
		for i, r := range records {
			valid[i] = r.Image.ID
		}
		set = set.Subset(valid)
	}

	datasets, err := splitDatasets(set)
	if err != nil {
		log.Fatal("Failed to split the dataset: ", err)
	}

	for _, d := range datasets {
		s, err := cocoyolo.WriteYOLO(d.labelOutDir, d.set, classes, opts)
		if err != nil {
			log.Fatal("Conversion failed: ", err)
		}
		summary.Records += s.Records
		summary.Boxes += s.Boxes
		written := d.set.Subset(s.Written)

		if d.imageOutDir != "" {
			err := cocoyolo.ExportImages(written, imageDirPath, d.imageOutDir, cocoyolo.ImageOptions{
				LongerSide:  imageResizeLonger,
				ShorterSide: imageResizeShorter,
				Downsample:  imageDownsamplingFilter,
				Upsample:    imageUpsamplingFilter,
				JPEGQuality: imageJPEGQuality,
				Workers:     numWorkers,
			})
			if err != nil {
				log.Fatal("Image export failed: ", err)
			}
		}

		if dataYAMLPath != "" {
			// The training scripts locate labels from the image directory when there is one.
			splitDir := d.labelOutDir
			if d.imageOutDir != "" {
				splitDir = d.imageOutDir
			} else if imageDirPath != "" && len(datasets) == 1 {
				splitDir = imageDirPath
			}
			if abs, err := filepath.Abs(splitDir); err == nil {
				splitDir = abs
			}
			err := cocoyolo.UpdateDatasetConfig(dataYAMLPath, d.split, splitDir, classes)
			if err != nil {
				log.Fatal("Failed to update the dataset config: ", err)
			}
		}

		if d.tfRecordPath != "" {
			err := cocoyolo.WriteTFRecord(d.tfRecordPath, tfLabelMapPath, written, classes,
				imageDirPath, numShardFiles)
			if err != nil {
				log.Fatal("TFRecord conversion failed: ", err)
			}
		}

		log.WithFields(log.Fields{
			"split":  d.split,
			"images": len(written.Images),
		}).Info("Wrote dataset")
	}

	log.Printf("Successfully wrote %d label files with %d labels to %s (%d skipped)",
		summary.Records, summary.Boxes, labelOutDir, len(summary.Skipped))
}
