package cocoyolo

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		bbox     [4]float64
		width    int
		height   int
		expected NormalizedBox
	}{
		{
			name:     "Interior box",
			bbox:     [4]float64{10, 10, 20, 10},
			width:    100,
			height:   50,
			expected: NormalizedBox{XCenter: 0.2, YCenter: 0.3, Width: 0.2, Height: 0.2},
		},
		{
			name:     "Whole image",
			bbox:     [4]float64{0, 0, 640, 480},
			width:    640,
			height:   480,
			expected: NormalizedBox{XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1},
		},
		{
			name:     "Zero size box",
			bbox:     [4]float64{32, 16, 0, 0},
			width:    64,
			height:   64,
			expected: NormalizedBox{XCenter: 0.5, YCenter: 0.25},
		},
		{
			name:   "Fractional coordinates",
			bbox:   [4]float64{12.5, 7.25, 30.5, 11.5},
			width:  416,
			height: 416,
			expected: NormalizedBox{
				XCenter: (12.5 + 30.5/2) / 416,
				YCenter: (7.25 + 11.5/2) / 416,
				Width:   30.5 / 416,
				Height:  11.5 / 416,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Normalize(tt.bbox, tt.width, tt.height, 3)
			assert.Equal(t, 3, b.Class)
			assert.InDelta(t, tt.expected.XCenter, b.XCenter, 1e-6)
			assert.InDelta(t, tt.expected.YCenter, b.YCenter, 1e-6)
			assert.InDelta(t, tt.expected.Width, b.Width, 1e-6)
			assert.InDelta(t, tt.expected.Height, b.Height, 1e-6)
		})
	}
}

func TestNormalize_EdgeTouchingBoxes(t *testing.T) {
	// Left and top edges.
	b := Normalize([4]float64{0, 0, 32, 16}, 128, 64, 0)
	assert.Equal(t, 0.0, b.XCenter-b.Width/2)
	assert.Equal(t, 0.0, b.YCenter-b.Height/2)

	// Right and bottom edges.
	b = Normalize([4]float64{64, 32, 64, 32}, 128, 64, 0)
	assert.Equal(t, 1.0, b.XCenter+b.Width/2)
	assert.Equal(t, 1.0, b.YCenter+b.Height/2)

	// Full width.
	b = Normalize([4]float64{0, 10, 100, 20}, 100, 50, 0)
	assert.Equal(t, "0 0.500000 0.400000 1.000000 0.400000", b.String())
}

func TestNormalizedBox_RoundTrip(t *testing.T) {
	boxes := [][4]float64{
		{10, 10, 20, 10},
		{0, 0, 1920, 1080},
		{1, 1, 1, 1},
		{123, 456, 789, 321},
		{1919, 1079, 1, 1},
		{333.3, 222.2, 111.1, 99.9},
	}
	const width, height = 1920, 1080

	for _, bbox := range boxes {
		line := Normalize(bbox, width, height, 1).String()

		// Parse the formatted line to include the precision loss of the text format.
		fields := strings.Fields(line)
		require.Len(t, fields, 5)
		values := make([]float64, 4)
		for i := range values {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			require.NoError(t, err)
			values[i] = v
		}
		parsed := NormalizedBox{Class: 1, XCenter: values[0], YCenter: values[1],
			Width: values[2], Height: values[3]}

		got := parsed.Denormalize(width, height)
		for i := range bbox {
			assert.LessOrEqual(t, math.Abs(math.Round(got[i])-math.Round(bbox[i])), 1.0,
				"bbox %v component %d: got %v", bbox, i, got)
		}
	}
}

func TestLabelFile_Bytes(t *testing.T) {
	assert.Empty(t, LabelFile{}.Bytes())

	f := LabelFile{Boxes: []NormalizedBox{
		{Class: 0, XCenter: 0.2, YCenter: 0.3, Width: 0.2, Height: 0.2},
		{Class: 12, XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1},
	}}
	assert.Equal(t,
		"0 0.200000 0.300000 0.200000 0.200000\n12 0.500000 0.500000 1.000000 1.000000",
		string(f.Bytes()))
}

func TestLabelFileName(t *testing.T) {
	tests := map[string]string{
		"a.jpg":                     "a.txt",
		"train/IMG_0001.JPG":        "IMG_0001.txt",
		`D:\data\valid\leaf.rf.png`: "leaf.rf.txt",
		"no_extension":              "no_extension.txt",
	}
	for in, want := range tests {
		got, err := labelFileName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", ".jpg", "/"} {
		_, err := labelFileName(in)
		assert.Error(t, err, "%q", in)
	}
}

func TestToYOLO(t *testing.T) {
	images := []Image{
		{ID: 1, FileName: "a.jpg", Width: 100, Height: 50},
		{ID: 2, FileName: "b.jpg", Width: 0, Height: 50},
		{ID: 3, FileName: "c.jpg", Width: 100, Height: 50},
		{ID: 4, FileName: "d.jpg", Width: 100, Height: 50},
		{ID: 5, FileName: "e.jpg", Width: 100, Height: -1},
	}
	categories := []Category{{ID: 7, Name: "leaf"}, {ID: 8, Name: "mildew"}}
	annotations := []Annotation{
		{ID: 1, ImageID: 1, CategoryID: 8, BBox: [4]float64{0, 0, 50, 25}},
		{ID: 2, ImageID: 1, CategoryID: 7, BBox: [4]float64{10, 10, 20, 10}},
		{ID: 3, ImageID: 3, CategoryID: 99, BBox: [4]float64{10, 10, 20, 10}},
		{ID: 4, ImageID: 4, CategoryID: 7, BBox: [4]float64{10, 10, -20, 10}},
	}
	set, err := NewAnnotationSet(images, categories, annotations)
	require.NoError(t, err)
	classes, err := NewClassIndexMap(categories)
	require.NoError(t, err)

	f, err := ToYOLO(set, classes, images[0])
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Name)
	require.Len(t, f.Boxes, 2)
	assert.Equal(t, 1, f.Boxes[0].Class, "lines keep document order")
	assert.Equal(t, 0, f.Boxes[1].Class)
	assert.Equal(t, "0 0.200000 0.300000 0.200000 0.200000", f.Boxes[1].String())

	errorTests := []struct {
		img   Image
		field string
	}{
		{images[1], "width"},
		{images[2], "category_id"},
		{images[3], "bbox"},
		{images[4], "height"},
	}
	for _, tt := range errorTests {
		_, err := ToYOLO(set, classes, tt.img)
		var malformedErr *MalformedInputError
		require.ErrorAs(t, err, &malformedErr, tt.img.FileName)
		assert.Equal(t, tt.field, malformedErr.Field, tt.img.FileName)
		assert.Contains(t, err.Error(), tt.img.FileName)
	}
}
