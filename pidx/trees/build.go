package trees

import (
	"cmp"
	"slices"

	"github.com/google/uuid"
)

// Build constructs the index of one language from its complete set of page
// records. Pages are placed breadth first, siblings ordered by SortOrder and
// then by name. Records that cannot be reached from the top level (missing
// parent, cycles, duplicate ids) are left out and counted in Dropped.
func Build(languageID int, records []PageRecord, opts ...IndexOption) *PageIndex {
	opts = append([]IndexOption{WithCapacity(len(records))}, opts...)
	idx := NewPageIndex(languageID, opts...)

	seen := make(map[uuid.UUID]struct{}, len(records))
	children := make(map[uuid.UUID][]PageRecord)
	unique := 0
	for _, rec := range records {
		if rec.PageID == uuid.Nil {
			continue
		}
		if _, dup := seen[rec.PageID]; dup {
			continue
		}
		seen[rec.PageID] = struct{}{}
		children[rec.ParentID] = append(children[rec.ParentID], rec)
		unique++
	}

	for _, siblings := range children {
		slices.SortStableFunc(siblings, func(a, b PageRecord) int {
			return compareSiblings(a.SortOrder, a.PageName, b.SortOrder, b.PageName)
		})
	}

	queue := []int{anchorPosition}
	for len(queue) > 0 {
		parentPos := queue[0]
		queue = queue[1:]

		prev := NoPosition
		for _, rec := range children[idx.items[parentPos].PageID] {
			node := rec.Node()
			idx.derive(idx.items[parentPos], &node)

			idx.items = append(idx.items, node)
			pos := len(idx.items) - 1
			if prev == NoPosition {
				idx.items[parentPos].FirstChild = pos
			} else {
				idx.items[prev].NextPage = pos
			}
			prev = pos

			idx.register(pos)
			queue = append(queue, pos)
		}
	}

	idx.dropped = unique - idx.Len()
	return idx
}

// compareSiblings orders pages under one parent by sort order, then name.
func compareSiblings(aOrder int, aName string, bOrder int, bName string) int {
	return cmp.Or(cmp.Compare(aOrder, bOrder), cmp.Compare(aName, bName))
}
