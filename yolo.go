package cocoyolo

// YOLO label format specific functionality.

import (
	"bytes"
	"fmt"
	"path"
	"strings"
)

// NormalizedBox is a YOLO object label: a class index and a center-form bounding box with all
// values given as ratios of the image size.
type NormalizedBox struct {
	Class   int
	XCenter float64
	YCenter float64
	Width   float64
	Height  float64
}

// Normalize converts an absolute [x_min, y_min, width, height] bounding box of an image with the
// given pixel size to a NormalizedBox. The image size must be positive.
func Normalize(bbox [4]float64, imageWidth, imageHeight, class int) NormalizedBox {
	w := float64(imageWidth)
	h := float64(imageHeight)
	return NormalizedBox{
		Class:   class,
		XCenter: (bbox[0] + bbox[2]/2) / w,
		YCenter: (bbox[1] + bbox[3]/2) / h,
		Width:   bbox[2] / w,
		Height:  bbox[3] / h,
	}
}

// Denormalize converts b back to an absolute [x_min, y_min, width, height] bounding box for an
// image with the given pixel size.
func (b NormalizedBox) Denormalize(imageWidth, imageHeight int) [4]float64 {
	w := float64(imageWidth)
	h := float64(imageHeight)
	return [4]float64{
		(b.XCenter - b.Width/2) * w,
		(b.YCenter - b.Height/2) * h,
		b.Width * w,
		b.Height * h,
	}
}

// String formats b as a YOLO label line.
func (b NormalizedBox) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", b.Class, b.XCenter, b.YCenter, b.Width, b.Height)
}

// LabelFile is the YOLO label record for a single image.
type LabelFile struct {
	Image Image
	Name  string // The label file name, without directory.
	Boxes []NormalizedBox
}

// Bytes returns the record content: one line per box, separated by newlines, without a trailing
// newline. An image without boxes yields an empty record.
func (f LabelFile) Bytes() []byte {
	var buf bytes.Buffer
	for i, b := range f.Boxes {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.String())
	}
	return buf.Bytes()
}

// labelFileName derives the label file name from an image file name: its base name with the
// extension replaced by ".txt". Both slash and backslash separators are accepted.
func labelFileName(imageFileName string) (string, error) {
	base := path.Base(strings.Replace(imageFileName, "\\", "/", -1))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		return "", fmt.Errorf("cannot derive a label file name from %q", imageFileName)
	}
	return stem + ".txt", nil
}

// ToYOLO builds the YOLO label record for img from its annotations in set.
//
// Fails with a *MalformedInputError if the image size is not positive, an annotation references an
// undeclared category, or a bounding box has a negative width or height.
func ToYOLO(set *AnnotationSet, classes *ClassIndexMap, img Image) (LabelFile, error) {
	subject := imageSubject(img)
	if img.Width <= 0 {
		return LabelFile{}, malformed(subject, "width", "must be positive, got %d", img.Width)
	}
	if img.Height <= 0 {
		return LabelFile{}, malformed(subject, "height", "must be positive, got %d", img.Height)
	}
	name, err := labelFileName(img.FileName)
	if err != nil {
		return LabelFile{}, malformed(subject, "file_name", "%v", err)
	}

	annotations := set.AnnotationsFor(img.ID)
	f := LabelFile{Image: img, Name: name, Boxes: make([]NormalizedBox, 0, len(annotations))}
	for _, a := range annotations {
		class, ok := classes.Index(a.CategoryID)
		if !ok {
			return LabelFile{}, malformed(annotationSubject(a)+" of "+subject, "category_id",
				"undeclared category %d", a.CategoryID)
		}
		if a.BBox[2] < 0 || a.BBox[3] < 0 {
			return LabelFile{}, malformed(annotationSubject(a)+" of "+subject, "bbox",
				"negative width or height in %v", a.BBox)
		}
		f.Boxes = append(f.Boxes, Normalize(a.BBox, img.Width, img.Height, class))
	}

	return f, nil
}
