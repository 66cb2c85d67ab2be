package trees

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

// Insert places a new page under its parent, ordered among its siblings by
// SortOrder then PageName, after any sibling with equal keys. Level, root,
// resolved URL and segment hash are derived from the parent; the caller's
// values for those fields are ignored.
func (idx *PageIndex) Insert(node IndexNode) error {
	if node.PageID == uuid.Nil {
		return ErrInvalidPageID
	}
	if _, exists := idx.byID[node.PageID]; exists {
		return fmt.Errorf("insert %s: %w", node.PageID, ErrDuplicatePage)
	}

	parentPos, ok := idx.position(node.ParentID)
	if !ok {
		return fmt.Errorf("insert %s under %s: %w", node.PageID, node.ParentID, ErrParentNotFound)
	}

	idx.derive(idx.items[parentPos], &node)
	node.FirstChild = NoPosition
	node.NextPage = NoPosition

	pos := idx.allocate(node)
	idx.linkChild(parentPos, pos)
	idx.register(pos)

	return nil
}

// Update replaces the metadata of an existing page in place. Topology and
// URL fields (parent, root, level, links, segment, sort order) are kept.
func (idx *PageIndex) Update(node IndexNode) error {
	pos, ok := idx.byID[node.PageID]
	if !ok {
		return fmt.Errorf("update %s: %w", node.PageID, ErrPageNotFound)
	}

	cur := &idx.items[pos]
	if cur.PageInstanceID != node.PageInstanceID {
		if idx.byInstance[cur.PageInstanceID] == pos {
			delete(idx.byInstance, cur.PageInstanceID)
		}
		if node.PageInstanceID != 0 {
			idx.byInstance[node.PageInstanceID] = pos
		}
		cur.PageInstanceID = node.PageInstanceID
	}

	cur.PageTypeID = node.PageTypeID
	cur.PageName = node.PageName
	cur.Author = node.Author
	cur.UpdateDate = node.UpdateDate
	cur.StartPublish = node.StartPublish
	cur.StopPublish = node.StopPublish
	cur.DeletedDate = node.DeletedDate
	cur.VisibleInMenu = node.VisibleInMenu
	cur.VisibleInSiteMap = node.VisibleInSiteMap

	return nil
}

// Replace applies a complete record to an existing page. Unlike Update it
// also follows changes of parent, URL segment, sort order and name, moving the
// page and re-deriving its subtree as needed.
func (idx *PageIndex) Replace(node IndexNode) error {
	pos, ok := idx.byID[node.PageID]
	if !ok {
		return fmt.Errorf("replace %s: %w", node.PageID, ErrPageNotFound)
	}
	cur := idx.items[pos]

	relink := cur.ParentID != node.ParentID || cur.URLSegment != node.URLSegment ||
		cur.SortOrder != node.SortOrder || cur.PageName != node.PageName
	if relink {
		if err := idx.checkMove(node.PageID, node.ParentID); err != nil {
			return fmt.Errorf("replace %s: %w", node.PageID, err)
		}
	}

	if err := idx.Update(node); err != nil {
		return err
	}
	if !relink {
		return nil
	}

	idx.items[pos].URLSegment = node.URLSegment
	idx.items[pos].SortOrder = node.SortOrder
	return idx.Move(node.PageID, node.ParentID)
}

// Delete removes the given pages and returns how many were present. It does
// not cascade: descendants stay indexed unless their ids are passed too.
func (idx *PageIndex) Delete(pageIDs ...uuid.UUID) int {
	doomed := roaring.New()
	for _, id := range pageIDs {
		if pos, ok := idx.byID[id]; ok {
			doomed.Add(uint32(pos))
		}
	}
	if doomed.IsEmpty() {
		return 0
	}

	// Unlink first, while every parent is still addressable. Children of a
	// parent that is itself being removed need no relinking.
	it := doomed.Iterator()
	for it.HasNext() {
		pos := int(it.Next())
		parentPos, ok := idx.position(idx.items[pos].ParentID)
		if !ok || (parentPos != anchorPosition && doomed.Contains(uint32(parentPos))) {
			continue
		}
		idx.unlinkChild(parentPos, pos)
	}

	it = doomed.Iterator()
	for it.HasNext() {
		pos := int(it.Next())
		idx.unregister(pos)
		idx.items[pos] = vacatedNode()
		idx.vacant.Add(uint32(pos))
	}

	return int(doomed.GetCardinality())
}

// Move relocates pageID, with its whole subtree, under newParentID
// (uuid.Nil for top level) and re-derives level, root and URL below it.
func (idx *PageIndex) Move(pageID, newParentID uuid.UUID) error {
	if err := idx.checkMove(pageID, newParentID); err != nil {
		return fmt.Errorf("move %s under %s: %w", pageID, newParentID, err)
	}
	pos := idx.byID[pageID]
	newParentPos, _ := idx.position(newParentID)

	if oldParentPos, ok := idx.position(idx.items[pos].ParentID); ok {
		idx.unlinkChild(oldParentPos, pos)
	}

	idx.items[pos].ParentID = newParentID
	idx.items[pos].NextPage = NoPosition
	idx.linkChild(newParentPos, pos)
	idx.rederive(newParentPos, pos)

	return nil
}

func (idx *PageIndex) checkMove(pageID, newParentID uuid.UUID) error {
	if _, ok := idx.byID[pageID]; !ok {
		return ErrPageNotFound
	}
	if _, ok := idx.position(newParentID); !ok {
		return ErrParentNotFound
	}
	if newParentID != uuid.Nil {
		for _, ancestor := range idx.AncestorPath(newParentID) {
			if ancestor == pageID {
				return ErrCyclicMove
			}
		}
	}
	return nil
}

// derive fills the fields of n that follow from its parent.
func (idx *PageIndex) derive(parent IndexNode, n *IndexNode) {
	n.ParentID = parent.PageID
	n.TreeLevel = parent.TreeLevel + 1
	if parent.PageID == uuid.Nil {
		n.RootID = n.PageID
	} else {
		n.RootID = parent.RootID
	}
	n.PageURL = JoinPageURL(parent.PageURL, n.URLSegment)
	n.URLSegmentHash = idx.hasher(n.URLSegment)
}

// rederive refreshes derived fields for pos and every descendant, keeping the
// URL index in step.
func (idx *PageIndex) rederive(parentPos, pos int) {
	n := &idx.items[pos]
	if p, ok := idx.urls.get(n.PageURL); ok && p == pos {
		idx.urls.remove(n.PageURL)
	}
	idx.derive(idx.items[parentPos], n)
	idx.urls.insert(n.PageURL, pos)

	for child := n.FirstChild; child != NoPosition; child = idx.items[child].NextPage {
		idx.rederive(pos, child)
	}
}

// linkChild threads pos into the sibling chain of parentPos in the order
// Build uses: SortOrder, then PageName. Equal keys keep insertion order.
func (idx *PageIndex) linkChild(parentPos, pos int) {
	n := idx.items[pos]

	prev := NoPosition
	cur := idx.items[parentPos].FirstChild
	for cur != NoPosition && compareSiblings(idx.items[cur].SortOrder, idx.items[cur].PageName, n.SortOrder, n.PageName) <= 0 {
		prev = cur
		cur = idx.items[cur].NextPage
	}

	idx.items[pos].NextPage = cur
	if prev == NoPosition {
		idx.items[parentPos].FirstChild = pos
	} else {
		idx.items[prev].NextPage = pos
	}
}

// unlinkChild removes pos from the sibling chain of parentPos.
func (idx *PageIndex) unlinkChild(parentPos, pos int) {
	next := idx.items[pos].NextPage

	if idx.items[parentPos].FirstChild == pos {
		idx.items[parentPos].FirstChild = next
		idx.items[pos].NextPage = NoPosition
		return
	}

	for cur := idx.items[parentPos].FirstChild; cur != NoPosition; cur = idx.items[cur].NextPage {
		if idx.items[cur].NextPage == pos {
			idx.items[cur].NextPage = next
			idx.items[pos].NextPage = NoPosition
			return
		}
	}
}

// allocate stores n in the lowest vacated slot, or appends it.
func (idx *PageIndex) allocate(n IndexNode) int {
	if !idx.vacant.IsEmpty() {
		pos := int(idx.vacant.Minimum())
		idx.vacant.Remove(uint32(pos))
		idx.items[pos] = n
		return pos
	}
	idx.items = append(idx.items, n)
	return len(idx.items) - 1
}

func (idx *PageIndex) register(pos int) {
	n := idx.items[pos]
	idx.byID[n.PageID] = pos
	if n.PageInstanceID != 0 {
		idx.byInstance[n.PageInstanceID] = pos
	}
	idx.urls.insert(n.PageURL, pos)
}

func (idx *PageIndex) unregister(pos int) {
	n := idx.items[pos]
	if idx.byID[n.PageID] == pos {
		delete(idx.byID, n.PageID)
	}
	if p, ok := idx.byInstance[n.PageInstanceID]; ok && p == pos {
		delete(idx.byInstance, n.PageInstanceID)
	}
	if p, ok := idx.urls.get(n.PageURL); ok && p == pos {
		idx.urls.remove(n.PageURL)
	}
}
