package cocoyolo

// COCO detection annotation specific functionality.

import (
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Image is an image record of a COCO document.
type Image struct {
	ID       int64
	FileName string
	Width    int // Pixels.
	Height   int // Pixels.
}

// Category is an object category of a COCO document.
type Category struct {
	ID            int64
	Name          string // Defaults to the decimal ID when absent.
	Supercategory string
}

// Annotation is a single object annotation of a COCO document.
type Annotation struct {
	ID         int64 // Defaults to the position in the document when absent.
	ImageID    int64
	CategoryID int64
	BBox       [4]float64 // Absolute x_min, y_min, width, height in pixels.
}

// The JSON structure of a COCO document. Required fields are pointers so that their absence can
// be told apart from zero values.
type (
	cocoImage struct {
		ID       *int64  `json:"id"`
		FileName *string `json:"file_name"`
		Width    *int    `json:"width"`
		Height   *int    `json:"height"`
	}
	cocoCategory struct {
		ID            *int64 `json:"id"`
		Name          string `json:"name"`
		Supercategory string `json:"supercategory"`
	}
	cocoAnnotation struct {
		ID         *int64    `json:"id"`
		ImageID    *int64    `json:"image_id"`
		CategoryID *int64    `json:"category_id"`
		BBox       []float64 `json:"bbox"`
	}
	cocoDocument struct {
		Images      *[]cocoImage      `json:"images"`
		Categories  *[]cocoCategory   `json:"categories"`
		Annotations *[]cocoAnnotation `json:"annotations"`
	}
)

// AnnotationSet is a parsed COCO document with lookups built once. It must not be modified after
// construction.
type AnnotationSet struct {
	Images      []Image      // Document order.
	Categories  []Category   // Document order; defines the class indices.
	Annotations []Annotation // Document order.

	imagesByID         map[int64]int   // Image ID to index in Images.
	annotationsByImage map[int64][]int // Image ID to indices in Annotations, in document order.
	orphans            []int           // Indices of annotations with an undeclared image ID.
}

// NewAnnotationSet builds the lookups for the given records.
//
// Duplicate image or category IDs are rejected with a *MalformedInputError. Annotations that
// reference an undeclared image are kept and reported by Orphans.
func NewAnnotationSet(images []Image, categories []Category, annotations []Annotation) (
	*AnnotationSet, error) {

	seen := make(map[int64]struct{}, len(categories))
	for _, c := range categories {
		if _, dup := seen[c.ID]; dup {
			return nil, malformed("category "+strconv.FormatInt(c.ID, 10), "id",
				"duplicate category id %d", c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	return newAnnotationSet(images, categories, annotations)
}

// newAnnotationSet builds the image and annotation lookups. The categories are not checked.
func newAnnotationSet(images []Image, categories []Category, annotations []Annotation) (
	*AnnotationSet, error) {

	s := &AnnotationSet{
		Images:             images,
		Categories:         categories,
		Annotations:        annotations,
		imagesByID:         make(map[int64]int, len(images)),
		annotationsByImage: make(map[int64][]int, len(images)),
	}

	for i, img := range images {
		if _, dup := s.imagesByID[img.ID]; dup {
			return nil, malformed(imageSubject(img), "id", "duplicate image id %d", img.ID)
		}
		s.imagesByID[img.ID] = i
	}

	for i, a := range annotations {
		if _, ok := s.imagesByID[a.ImageID]; !ok {
			s.orphans = append(s.orphans, i)
			continue
		}
		s.annotationsByImage[a.ImageID] = append(s.annotationsByImage[a.ImageID], i)
	}

	return s, nil
}

// Subset returns the set restricted to the images with the given IDs and their annotations. The
// images and annotations keep their document order and all categories are kept, so class indices
// do not change. Unknown IDs are ignored; the subset has no orphan annotations.
func (s *AnnotationSet) Subset(imageIDs []int64) *AnnotationSet {
	keep := make(map[int64]struct{}, len(imageIDs))
	for _, id := range imageIDs {
		keep[id] = struct{}{}
	}
	return s.subset(func(img Image) bool {
		_, ok := keep[img.ID]
		return ok
	})
}

func (s *AnnotationSet) subset(keep func(Image) bool) *AnnotationSet {
	var images []Image
	var annotations []Annotation
	for _, img := range s.Images {
		if keep(img) {
			images = append(images, img)
		}
	}
	for _, a := range s.Annotations {
		if i, ok := s.imagesByID[a.ImageID]; ok && keep(s.Images[i]) {
			annotations = append(annotations, a)
		}
	}

	// The images of s have unique IDs.
	subset, _ := newAnnotationSet(images, s.Categories, annotations)
	return subset
}

// Split randomly divides the images of the set into len(cumulativeSplits) subsets. Each value of
// cumulativeSplits is the cumulative percentage of images up to and including that subset, so
// {80, 100} puts about 80% of the images into the first subset. Annotations follow their image.
// A nil rng selects a time seeded source.
func (s *AnnotationSet) Split(cumulativeSplits []int, rng *rand.Rand) ([]*AnnotationSet, error) {
	if len(cumulativeSplits) == 0 {
		return nil, errors.New("no split percentages")
	}
	var sum int
	for _, c := range cumulativeSplits {
		if c < sum || c > 100 {
			return nil, errors.Errorf("invalid cumulative split percentages %v", cumulativeSplits)
		}
		sum = c
	}
	if sum != 100 {
		return nil, errors.New("the split percentages do not add up to 100")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	assigned := make(map[int64]int, len(s.Images))
	for _, img := range s.Images {
		r := rng.Intn(100)
		for i, c := range cumulativeSplits {
			if r < c {
				assigned[img.ID] = i
				break
			}
		}
	}

	datasets := make([]*AnnotationSet, len(cumulativeSplits))
	for i := range datasets {
		split := i
		datasets[i] = s.subset(func(img Image) bool { return assigned[img.ID] == split })
	}
	return datasets, nil
}

// ParseSplits parses comma-separated split percentages like "80,10,10" into cumulative
// percentages for Split.
func ParseSplits(s string) ([]int, error) {
	var cumulative []int
	var sum int
	for _, v := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || i < 0 || i > 100 {
			return nil, errors.Errorf("invalid split percentage %q", v)
		}
		sum += i
		cumulative = append(cumulative, sum)
	}
	if sum != 100 {
		return nil, errors.Errorf("the split percentages %q do not add up to 100", s)
	}
	return cumulative, nil
}

// Image returns the image with the given ID.
func (s *AnnotationSet) Image(id int64) (Image, bool) {
	i, ok := s.imagesByID[id]
	if !ok {
		return Image{}, false
	}
	return s.Images[i], true
}

// AnnotationsFor returns the annotations of the image with the given ID in document order.
func (s *AnnotationSet) AnnotationsFor(imageID int64) []Annotation {
	indices := s.annotationsByImage[imageID]
	annotations := make([]Annotation, len(indices))
	for i, idx := range indices {
		annotations[i] = s.Annotations[idx]
	}
	return annotations
}

// Orphans returns the annotations that reference an undeclared image, in document order.
func (s *AnnotationSet) Orphans() []Annotation {
	annotations := make([]Annotation, len(s.orphans))
	for i, idx := range s.orphans {
		annotations[i] = s.Annotations[idx]
	}
	return annotations
}

// FromCOCO reads and parses the COCO document at path.
func FromCOCO(path string) (set *AnnotationSet, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	defer closeWithErrCheck(f, &err)

	return ReadCOCO(f)
}

// ReadCOCO parses a COCO document from r.
//
// Invalid JSON, a missing images, categories or annotations array, or a missing required field
// results in a *MalformedInputError.
func ReadCOCO(r io.Reader) (*AnnotationSet, error) {
	var doc cocoDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, malformed("document", "", "empty input")
		}
		return nil, malformed("document", "", "invalid JSON: %v", err)
	}

	switch {
	case doc.Images == nil:
		return nil, malformed("document", "images", "missing")
	case doc.Categories == nil:
		return nil, malformed("document", "categories", "missing")
	case doc.Annotations == nil:
		return nil, malformed("document", "annotations", "missing")
	}

	images := make([]Image, 0, len(*doc.Images))
	for i, img := range *doc.Images {
		subject := "images[" + strconv.Itoa(i) + "]"
		switch {
		case img.ID == nil:
			return nil, malformed(subject, "id", "missing")
		case img.FileName == nil || *img.FileName == "":
			return nil, malformed(subject, "file_name", "missing")
		case img.Width == nil:
			return nil, malformed(subject, "width", "missing")
		case img.Height == nil:
			return nil, malformed(subject, "height", "missing")
		}
		images = append(images, Image{
			ID:       *img.ID,
			FileName: *img.FileName,
			Width:    *img.Width,
			Height:   *img.Height,
		})
	}

	categories := make([]Category, 0, len(*doc.Categories))
	for i, c := range *doc.Categories {
		if c.ID == nil {
			return nil, malformed("categories["+strconv.Itoa(i)+"]", "id", "missing")
		}
		name := c.Name
		if name == "" {
			name = strconv.FormatInt(*c.ID, 10)
		}
		categories = append(categories, Category{ID: *c.ID, Name: name, Supercategory: c.Supercategory})
	}

	annotations := make([]Annotation, 0, len(*doc.Annotations))
	for i, a := range *doc.Annotations {
		subject := "annotations[" + strconv.Itoa(i) + "]"
		switch {
		case a.ImageID == nil:
			return nil, malformed(subject, "image_id", "missing")
		case a.CategoryID == nil:
			return nil, malformed(subject, "category_id", "missing")
		case a.BBox == nil:
			return nil, malformed(subject, "bbox", "missing")
		case len(a.BBox) != 4:
			return nil, malformed(subject, "bbox", "expected 4 values, got %d", len(a.BBox))
		}
		annotation := Annotation{ID: int64(i), ImageID: *a.ImageID, CategoryID: *a.CategoryID}
		if a.ID != nil {
			annotation.ID = *a.ID
		}
		copy(annotation.BBox[:], a.BBox)
		annotations = append(annotations, annotation)
	}

	log.WithFields(log.Fields{
		"images":      len(images),
		"categories":  len(categories),
		"annotations": len(annotations),
	}).Debug("Parsed COCO document")

	return NewAnnotationSet(images, categories, annotations)
}
