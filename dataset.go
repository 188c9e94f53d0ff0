package cocoyolo

// YOLO dataset descriptor (data.yaml) functionality.

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DatasetConfig is the YOLO dataset descriptor read by the training scripts.
type DatasetConfig struct {
	Path  string   `yaml:"path,omitempty"`  // Dataset root; split paths may be relative to it.
	Train string   `yaml:"train,omitempty"` // Training images.
	Val   string   `yaml:"val,omitempty"`   // Validation images.
	Test  string   `yaml:"test,omitempty"`  // Test images.
	NC    int      `yaml:"nc"`              // The number of classes.
	Names []string `yaml:"names"`           // Class names by class index.
}

// Known dataset splits.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// NewDatasetConfig creates a descriptor for the classes of m.
func NewDatasetConfig(m *ClassIndexMap) DatasetConfig {
	return DatasetConfig{NC: m.Len(), Names: m.Names()}
}

// SetSplit sets the directory of the named split.
func (c *DatasetConfig) SetSplit(split, dir string) error {
	switch split {
	case SplitTrain:
		c.Train = dir
	case SplitVal, "valid":
		c.Val = dir
	case SplitTest:
		c.Test = dir
	default:
		return errors.Errorf("unknown dataset split %q", split)
	}
	return nil
}

// LoadDatasetConfig reads the descriptor at path.
func LoadDatasetConfig(path string) (DatasetConfig, error) {
	enc, err := ioutil.ReadFile(path)
	if err != nil {
		return DatasetConfig{}, &IOError{Op: "read", Path: path, Err: err}
	}

	var c DatasetConfig
	if err := yaml.Unmarshal(enc, &c); err != nil {
		return DatasetConfig{}, errors.Wrapf(err, "failed to parse dataset config %q", path)
	}
	return c, nil
}

// WriteDatasetConfig writes the descriptor to path.
func WriteDatasetConfig(path string, c DatasetConfig) error {
	enc, err := yaml.Marshal(&c)
	if err != nil {
		return errors.Wrap(err, "failed to encode dataset config")
	}
	if err := writeFileAtomic(path, enc); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// UpdateDatasetConfig creates or updates the descriptor at path, recording dir as the directory
// of split and the classes of m.
//
// An existing descriptor whose class names differ from m is left untouched and an error returned,
// since its other splits were labelled with a different class order.
func UpdateDatasetConfig(path, split, dir string, m *ClassIndexMap) error {
	c, err := LoadDatasetConfig(path)
	switch {
	case err == nil:
		if len(c.Names) > 0 && !equalStrings(c.Names, m.Names()) {
			return errors.Errorf("dataset config %q has classes %q, the document has %q",
				path, c.Names, m.Names())
		}
	case os.IsNotExist(errors.Cause(err)):
		log.WithField("file", path).Info("Creating a new dataset config")
		c = DatasetConfig{}
	default:
		return err
	}

	c.NC = m.Len()
	c.Names = m.Names()
	if err := c.SetSplit(split, dir); err != nil {
		return err
	}

	return WriteDatasetConfig(path, c)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
