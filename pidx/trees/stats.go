package trees

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// IndexStats summarizes the shape of a PageIndex.
type IndexStats struct {
	LanguageID  int
	TotalNodes  int
	VacantSlots int
	Dropped     int
	MaxDepth    int
	MeanDepth   float64
	DepthStdDev float64
	URL         URLIndexStats
}

// Stats computes node counts and depth distribution.
func (idx *PageIndex) Stats() IndexStats {
	s := IndexStats{
		LanguageID:  idx.languageID,
		TotalNodes:  idx.Len(),
		VacantSlots: int(idx.vacant.GetCardinality()),
		Dropped:     idx.dropped,
		URL:         idx.urls.stats(),
	}

	depths := make([]float64, 0, idx.Len())
	for _, pos := range idx.byID {
		level := idx.items[pos].TreeLevel
		depths = append(depths, float64(level))
		s.MaxDepth = max(s.MaxDepth, level)
	}

	switch len(depths) {
	case 0:
	case 1:
		s.MeanDepth = depths[0]
	default:
		s.MeanDepth, s.DepthStdDev = stat.MeanStdDev(depths, nil)
	}

	return s
}

// Validate checks the structural invariants of the index and returns every
// violation found. An empty result means the index is consistent.
func (idx *PageIndex) Validate() []error {
	var errs []error

	if len(idx.items) == 0 || idx.items[anchorPosition].PageID != uuid.Nil {
		return []error{fmt.Errorf("anchor_missing: position %d is not the root anchor", anchorPosition)}
	}

	visited := roaring.New()
	var check func(parentPos int)
	check = func(parentPos int) {
		parent := idx.items[parentPos]
		prevOrder := 0
		for pos, first := parent.FirstChild, true; pos != NoPosition; pos, first = idx.items[pos].NextPage, false {
			if !idx.live(pos) {
				errs = append(errs, fmt.Errorf("dangling_link: position %d under %s is not a live node", pos, parent.PageID))
				return
			}
			if visited.Contains(uint32(pos)) {
				errs = append(errs, fmt.Errorf("link_cycle: position %d reached twice", pos))
				return
			}
			visited.Add(uint32(pos))

			n := idx.items[pos]
			if n.ParentID != parent.PageID {
				errs = append(errs, fmt.Errorf("parent_mismatch: %s linked under %s but names %s", n.PageID, parent.PageID, n.ParentID))
			}
			if n.TreeLevel != parent.TreeLevel+1 {
				errs = append(errs, fmt.Errorf("level_mismatch: %s has level %d, parent level %d", n.PageID, n.TreeLevel, parent.TreeLevel))
			}
			if !first && n.SortOrder < prevOrder {
				errs = append(errs, fmt.Errorf("sort_order: %s (%d) follows a sibling with sort order %d", n.PageID, n.SortOrder, prevOrder))
			}
			prevOrder = n.SortOrder

			if p, ok := idx.byID[n.PageID]; !ok || p != pos {
				errs = append(errs, fmt.Errorf("id_mapping: %s at position %d is not mapped to it", n.PageID, pos))
			}
			if p, ok := idx.urls.get(n.PageURL); !ok || p != pos {
				errs = append(errs, fmt.Errorf("url_mapping: %q does not resolve to position %d", n.PageURL, pos))
			}

			check(pos)
		}
	}
	check(anchorPosition)

	if int(visited.GetCardinality()) != len(idx.byID) {
		errs = append(errs, fmt.Errorf("unreachable_nodes: %d indexed, %d reachable from the anchor", len(idx.byID), visited.GetCardinality()))
	}

	return errs
}
