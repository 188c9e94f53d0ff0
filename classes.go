package cocoyolo

import (
	"fmt"
)

// ClassIndexMap maps COCO category IDs to zero-based class indices in category order.
//
// A ClassIndexMap is read-only after construction and safe for concurrent use.
type ClassIndexMap struct {
	index map[int64]int // Category ID to class index.
	names []string      // Class names by index.
}

// NewClassIndexMap assigns class indices to categories in the order given.
func NewClassIndexMap(categories []Category) (*ClassIndexMap, error) {
	m := &ClassIndexMap{
		index: make(map[int64]int, len(categories)),
		names: make([]string, 0, len(categories)),
	}
	for _, c := range categories {
		if _, dup := m.index[c.ID]; dup {
			return nil, malformed(fmt.Sprintf("category %d", c.ID), "id", "duplicate category id")
		}
		m.index[c.ID] = len(m.names)
		m.names = append(m.names, c.Name)
	}
	return m, nil
}

// Index returns the class index for the category ID.
func (m *ClassIndexMap) Index(categoryID int64) (int, bool) {
	i, ok := m.index[categoryID]
	return i, ok
}

// Len is the number of classes.
func (m *ClassIndexMap) Len() int {
	return len(m.names)
}

// Names returns a copy of the class names ordered by class index.
func (m *ClassIndexMap) Names() []string {
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

// CheckClassList compares a class name list against the category names and returns a description
// of every mismatch. The list is informational only: class indices always follow the category
// order of the document.
func (m *ClassIndexMap) CheckClassList(classes []string) []string {
	var mismatches []string
	if len(classes) != len(m.names) {
		mismatches = append(mismatches,
			fmt.Sprintf("class list has %d names, the document has %d categories",
				len(classes), len(m.names)))
	}
	for i := 0; i < len(classes) && i < len(m.names); i++ {
		if classes[i] != m.names[i] {
			mismatches = append(mismatches,
				fmt.Sprintf("class %d: list has %q, category is %q", i, classes[i], m.names[i]))
		}
	}
	return mismatches
}
