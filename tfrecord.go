package cocoyolo

// TFRecord object detection specific functionality.

import (
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"os"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
	"github.com/sensorable/cocoyolo/protos"
	log "github.com/sirupsen/logrus"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures builds the object detection features for img. The encoded image is read from
// imageDir; its width and height are taken from the document.
func toTFFeatures(set *AnnotationSet, classes *ClassIndexMap, img Image, imageDir string) (
	TFFeatureMap, error) {

	if img.Width <= 0 || img.Height <= 0 {
		return nil, malformed(imageSubject(img), "width", "image size must be positive, got %dx%d",
			img.Width, img.Height)
	}

	path, err := imagePath(imageDir, img)
	if err != nil {
		return nil, err
	}
	_, format, err := decodeImageConfig(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	imgData, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	f := make(TFFeatureMap, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = img.FileName
	f["image/source_id"] = fmt.Sprint(img.ID)
	f["image/encoded"] = imgData
	f["image/format"] = format

	// Per object data.
	annotations := set.AnnotationsFor(img.ID)
	numLabels := len(annotations)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classTexts := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	names := classes.Names()
	for i, a := range annotations {
		class, ok := classes.Index(a.CategoryID)
		if !ok {
			return nil, malformed(annotationSubject(a)+" of "+imageSubject(img), "category_id",
				"undeclared category %d", a.CategoryID)
		}
		xmins[i] = float32(a.BBox[0] / float64(img.Width))
		ymins[i] = float32(a.BBox[1] / float64(img.Height))
		xmaxs[i] = float32((a.BBox[0] + a.BBox[2]) / float64(img.Width))
		ymaxs[i] = float32((a.BBox[1] + a.BBox[3]) / float64(img.Height))
		classTexts[i] = names[class]
		classIDs[i] = int64(class + 1) // Label map IDs start at 1.
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classTexts
	f["image/object/class/label"] = classIDs

	return f, nil
}

// WriteTFRecord writes one tensorflow.Example per image of set to one or more TFRecord files
// stored under recordFilePath (with suffixes added when numShards>1), reading the encoded images
// from imageDir.
//
// The label map for the classes is written to labelMapPath.
func WriteTFRecord(recordFilePath, labelMapPath string, set *AnnotationSet,
	classes *ClassIndexMap, imageDir string, numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}

	// An existing label map must agree with the classes, as other records may already use it.
	if existing, err := loadTFRecordLabelMap(labelMapPath); err == nil {
		if !equalStrings(existing, classes.Names()) {
			return errors.Errorf("label map %q has classes %q, the document has %q",
				labelMapPath, existing, classes.Names())
		}
		log.WithField("file", labelMapPath).Debug("Label map loaded successfully")
	} else if !os.IsNotExist(errors.Cause(err)) {
		return err
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()
	shardSize := int(math.Ceil(float64(len(set.Images)) / float64(numShards)))
	shardIdx := -1

	// Convert and serialise one image at a time.
	for i, img := range set.Images {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++

			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return &IOError{Op: "write", Path: shardFile.Name(), Err: err}
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return &IOError{Op: "write", Path: shardPath, Err: err}
			}
			shardFile = f
		}

		features, err := toTFFeatures(set, classes, img, imageDir)
		if err != nil {
			return err
		}
		tfExample := example.New(features)

		if err := writeTFRecordExample(shardFile, tfExample); err != nil {
			return &IOError{Op: "write", Path: shardFile.Name(), Err: err}
		}
	}

	log.WithFields(log.Fields{
		"file":   recordFilePath,
		"images": len(set.Images),
		"shards": numShards,
	}).Info("Wrote TFRecord")

	return saveTFRecordLabelMap(labelMapPath, classes)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// saveTFRecordLabelMap writes the classes in prototxt label map format to path. Each ID is the
// class index plus one.
func saveTFRecordLabelMap(path string, classes *ClassIndexMap) (err error) {
	siLabelMap := &protos.StringIntLabelMap{}
	names := classes.Names()
	siLabelMap.Item = make([]*protos.StringIntLabelMapItem, 0, len(names))
	for i, name := range names {
		siLabelMap.Item = append(siLabelMap.Item, &protos.StringIntLabelMapItem{
			Name: proto.String(name),
			Id:   proto.Int32(int32(i + 1)),
		})
	}

	file, err := os.Create(path)
	if err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	defer closeWithErrCheck(file, &err)

	if err := proto.MarshalText(file, siLabelMap); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}

	return nil
}

// loadTFRecordLabelMap loads the label map from path and returns the names ordered by ID.
func loadTFRecordLabelMap(path string) ([]string, error) {
	text, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	var siLabelMap protos.StringIntLabelMap
	if err := proto.UnmarshalText(string(text), &siLabelMap); err != nil {
		return nil, errors.Wrapf(err, "failed to parse label map %q", path)
	}

	names := make([]string, len(siLabelMap.Item))
	for _, item := range siLabelMap.Item {
		k, v := item.GetName(), item.GetId()
		if k == "" || v <= 0 || int(v) > len(names) || names[v-1] != "" {
			return nil, errors.Errorf("invalid entry: %s: %d", k, v)
		}
		names[v-1] = k
	}

	return names, nil
}
