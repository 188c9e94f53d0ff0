package cocoyolo

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCOCO(t *testing.T) {
	doc := `{
		"info": {"description": "plant disease"},
		"images": [
			{"id": 1, "file_name": "a.jpg", "width": 100, "height": 50},
			{"id": 2, "file_name": "b.jpg", "width": 640, "height": 480}
		],
		"categories": [
			{"id": 7, "name": "leaf", "supercategory": "plant"},
			{"id": 3}
		],
		"annotations": [
			{"id": 10, "image_id": 2, "category_id": 3, "bbox": [1, 2, 3, 4]},
			{"image_id": 1, "category_id": 7, "bbox": [10, 10, 20, 10]},
			{"id": 12, "image_id": 2, "category_id": 7, "bbox": [5, 6, 7, 8]},
			{"id": 13, "image_id": 9, "category_id": 7, "bbox": [0, 0, 1, 1]}
		]
	}`

	set, err := ReadCOCO(strings.NewReader(doc))
	require.NoError(t, err)

	require.Len(t, set.Images, 2)
	assert.Equal(t, Image{ID: 1, FileName: "a.jpg", Width: 100, Height: 50}, set.Images[0])

	require.Len(t, set.Categories, 2)
	assert.Equal(t, Category{ID: 7, Name: "leaf", Supercategory: "plant"}, set.Categories[0])
	assert.Equal(t, "3", set.Categories[1].Name, "missing names default to the ID")

	require.Len(t, set.Annotations, 4)
	assert.Equal(t, int64(1), set.Annotations[1].ID, "missing IDs default to the position")
	assert.Equal(t, [4]float64{10, 10, 20, 10}, set.Annotations[1].BBox)

	img, ok := set.Image(2)
	require.True(t, ok)
	assert.Equal(t, "b.jpg", img.FileName)
	_, ok = set.Image(9)
	assert.False(t, ok)

	forB := set.AnnotationsFor(2)
	require.Len(t, forB, 2)
	assert.Equal(t, int64(10), forB[0].ID, "annotations keep document order")
	assert.Equal(t, int64(12), forB[1].ID)
	assert.Empty(t, set.AnnotationsFor(3))

	orphans := set.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, int64(13), orphans[0].ID)
}

func TestReadCOCO_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name: "Empty input",
			doc:  ``,
		},
		{
			name: "Invalid JSON",
			doc:  `{"images": [`,
		},
		{
			name:  "Missing images",
			doc:   `{"categories": [], "annotations": []}`,
			field: "images",
		},
		{
			name:  "Missing categories",
			doc:   `{"images": [], "annotations": []}`,
			field: "categories",
		},
		{
			name:  "Missing annotations",
			doc:   `{"images": [], "categories": []}`,
			field: "annotations",
		},
		{
			name: "Missing image width",
			doc: `{"images": [{"id": 1, "file_name": "a.jpg", "height": 5}],
				"categories": [], "annotations": []}`,
			field: "width",
		},
		{
			name: "Missing file name",
			doc: `{"images": [{"id": 1, "width": 5, "height": 5}],
				"categories": [], "annotations": []}`,
			field: "file_name",
		},
		{
			name:  "Missing category id",
			doc:   `{"images": [], "categories": [{"name": "leaf"}], "annotations": []}`,
			field: "id",
		},
		{
			name: "Missing bbox",
			doc: `{"images": [], "categories": [],
				"annotations": [{"image_id": 1, "category_id": 1}]}`,
			field: "bbox",
		},
		{
			name: "Short bbox",
			doc: `{"images": [], "categories": [],
				"annotations": [{"image_id": 1, "category_id": 1, "bbox": [1, 2, 3]}]}`,
			field: "bbox",
		},
		{
			name: "Duplicate image id",
			doc: `{"images": [{"id": 1, "file_name": "a.jpg", "width": 5, "height": 5},
				{"id": 1, "file_name": "b.jpg", "width": 5, "height": 5}],
				"categories": [], "annotations": []}`,
			field: "id",
		},
		{
			name:  "Duplicate category id",
			doc:   `{"images": [], "categories": [{"id": 4}, {"id": 4}], "annotations": []}`,
			field: "id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCOCO(strings.NewReader(tt.doc))
			require.Error(t, err)

			var malformedErr *MalformedInputError
			require.ErrorAs(t, err, &malformedErr)
			assert.Equal(t, tt.field, malformedErr.Field)
			assert.True(t, IsMalformedInput(err))
			assert.False(t, IsIOError(err))
		})
	}
}

func TestFromCOCO_MissingFile(t *testing.T) {
	_, err := FromCOCO("does/not/exist.json")
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.Contains(t, err.Error(), "does/not/exist.json")
}

func TestClassIndexMap(t *testing.T) {
	m, err := NewClassIndexMap([]Category{
		{ID: 5, Name: "Downy mildew"},
		{ID: 2, Name: "black-leaf"},
		{ID: 9, Name: "powdery mildew"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []string{"Downy mildew", "black-leaf", "powdery mildew"}, m.Names())

	for id, want := range map[int64]int{5: 0, 2: 1, 9: 2} {
		got, ok := m.Index(id)
		require.True(t, ok)
		assert.Equal(t, want, got, "category %d", id)
	}
	_, ok := m.Index(1)
	assert.False(t, ok)

	names := m.Names()
	names[0] = "changed"
	assert.Equal(t, "Downy mildew", m.Names()[0], "Names returns a copy")

	_, err = NewClassIndexMap([]Category{{ID: 1}, {ID: 1}})
	assert.True(t, IsMalformedInput(err))
}

func TestClassIndexMap_CheckClassList(t *testing.T) {
	m, err := NewClassIndexMap([]Category{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}})
	require.NoError(t, err)

	assert.Empty(t, m.CheckClassList([]string{"a", "b"}))
	assert.Len(t, m.CheckClassList([]string{"b", "a"}), 2)
	assert.Len(t, m.CheckClassList([]string{"a"}), 1)
	assert.Len(t, m.CheckClassList([]string{"a", "x", "c"}), 2)
}

func TestAnnotationSet_Subset(t *testing.T) {
	set, err := ReadCOCO(strings.NewReader(plantDoc))
	require.NoError(t, err)

	subset := set.Subset([]int64{3, 2, 42})
	require.Len(t, subset.Images, 2)
	assert.Equal(t, "train/b.png", subset.Images[0].FileName, "document order is kept")
	assert.Equal(t, "empty.jpg", subset.Images[1].FileName)
	assert.Equal(t, set.Categories, subset.Categories)
	assert.Len(t, subset.Annotations, 2)
	assert.Len(t, subset.AnnotationsFor(2), 2)
	assert.Empty(t, subset.Orphans())

	_, ok := subset.Image(1)
	assert.False(t, ok)
	assert.Empty(t, subset.AnnotationsFor(1))

	assert.Empty(t, set.Subset(nil).Images)
}

func TestAnnotationSet_Split(t *testing.T) {
	var images []Image
	var annotations []Annotation
	for i := int64(1); i <= 500; i++ {
		images = append(images,
			Image{ID: i, FileName: fmt.Sprintf("img_%03d.jpg", i), Width: 64, Height: 64})
		annotations = append(annotations,
			Annotation{ID: i, ImageID: i, CategoryID: 1, BBox: [4]float64{0, 0, 8, 8}})
	}
	set, err := NewAnnotationSet(images, []Category{{ID: 1, Name: "leaf"}}, annotations)
	require.NoError(t, err)

	datasets, err := set.Split([]int{70, 90, 100}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, datasets, 3)

	// Every image lands in exactly one split, together with its annotations.
	seen := make(map[int64]int)
	for i, d := range datasets {
		assert.Equal(t, set.Categories, d.Categories)
		assert.Len(t, d.Annotations, len(d.Images))
		for _, img := range d.Images {
			seen[img.ID]++
			annotations := d.AnnotationsFor(img.ID)
			require.Len(t, annotations, 1, "split %d", i)
			assert.Equal(t, img.ID, annotations[0].ImageID)
		}
	}
	assert.Len(t, seen, 500)
	for id, n := range seen {
		assert.Equal(t, 1, n, "image %d", id)
	}
	assert.InDelta(t, 350, len(datasets[0].Images), 50)
	assert.InDelta(t, 100, len(datasets[1].Images), 40)
	assert.InDelta(t, 50, len(datasets[2].Images), 30)

	// The same seed gives the same split.
	again, err := set.Split([]int{70, 90, 100}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for i := range datasets {
		assert.Equal(t, datasets[i].Images, again[i].Images)
	}

	for _, invalid := range [][]int{nil, {50}, {60, 40}, {50, 101}, {-1, 100}} {
		_, err := set.Split(invalid, nil)
		assert.Error(t, err, "%v", invalid)
	}
}

func TestParseSplits(t *testing.T) {
	splits, err := ParseSplits("80,20")
	require.NoError(t, err)
	assert.Equal(t, []int{80, 100}, splits)

	splits, err = ParseSplits("70, 20, 10")
	require.NoError(t, err)
	assert.Equal(t, []int{70, 90, 100}, splits)

	splits, err = ParseSplits("100")
	require.NoError(t, err)
	assert.Equal(t, []int{100}, splits)

	for _, invalid := range []string{"", "80", "80,30", "a,100", "-10,110", "101"} {
		_, err := ParseSplits(invalid)
		assert.Error(t, err, invalid)
	}
}
