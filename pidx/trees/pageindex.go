package trees

import (
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

// PageIndex is the array-backed page tree of one language. Position 0 holds
// the root-children anchor; every other live position holds one page.
//
// Readers may share a PageIndex freely. Mutating methods (Insert, Update,
// Delete, Move) must only be called on a private copy obtained from Clone,
// which the owner then publishes in place of the original.
type PageIndex struct {
	languageID int
	items      []IndexNode
	byID       map[uuid.UUID]int
	byInstance map[int64]int
	urls       *urlIndex
	vacant     *roaring.Bitmap
	hasher     SegmentHasher
	builtAt    time.Time
	dropped    int
}

// IndexOption customizes a PageIndex at construction.
type IndexOption func(*PageIndex)

// WithSegmentHasher replaces the URL segment hash function.
func WithSegmentHasher(h SegmentHasher) IndexOption {
	return func(idx *PageIndex) {
		if h != nil {
			idx.hasher = h
		}
	}
}

// WithCapacity preallocates room for n pages.
func WithCapacity(n int) IndexOption {
	return func(idx *PageIndex) {
		if n > 0 {
			items := make([]IndexNode, len(idx.items), n+1)
			copy(items, idx.items)
			idx.items = items
		}
	}
}

// NewPageIndex returns an empty index holding only the root anchor.
func NewPageIndex(languageID int, opts ...IndexOption) *PageIndex {
	idx := &PageIndex{
		languageID: languageID,
		items:      []IndexNode{anchorNode()},
		byID:       make(map[uuid.UUID]int),
		byInstance: make(map[int64]int),
		urls:       newURLIndex(),
		vacant:     roaring.New(),
		hasher:     DefaultSegmentHasher,
		builtAt:    time.Now(),
	}

	for _, opt := range opts {
		opt(idx)
	}

	return idx
}

func anchorNode() IndexNode {
	return IndexNode{
		TreeLevel:  -1,
		FirstChild: NoPosition,
		NextPage:   NoPosition,
	}
}

func vacatedNode() IndexNode {
	return IndexNode{FirstChild: NoPosition, NextPage: NoPosition}
}

// Clone returns a deep copy that can be mutated without affecting readers of idx.
func (idx *PageIndex) Clone() *PageIndex {
	items := make([]IndexNode, len(idx.items), cap(idx.items))
	copy(items, idx.items)

	byID := make(map[uuid.UUID]int, len(idx.byID))
	for k, v := range idx.byID {
		byID[k] = v
	}
	byInstance := make(map[int64]int, len(idx.byInstance))
	for k, v := range idx.byInstance {
		byInstance[k] = v
	}

	return &PageIndex{
		languageID: idx.languageID,
		items:      items,
		byID:       byID,
		byInstance: byInstance,
		urls:       idx.urls.clone(),
		vacant:     idx.vacant.Clone(),
		hasher:     idx.hasher,
		builtAt:    idx.builtAt,
		dropped:    idx.dropped,
	}
}

// LanguageID returns the language this index serves.
func (idx *PageIndex) LanguageID() int { return idx.languageID }

// Len returns the number of pages in the index.
func (idx *PageIndex) Len() int { return len(idx.byID) }

// BuiltAt returns when the index was last built from persistence.
func (idx *PageIndex) BuiltAt() time.Time { return idx.builtAt }

// Dropped returns how many records the last build could not attach to the tree.
func (idx *PageIndex) Dropped() int { return idx.dropped }

// SegmentHash hashes a URL segment the same way the index hashed its nodes.
func (idx *PageIndex) SegmentHash(segment string) uint64 {
	return idx.hasher(segment)
}

// Lookup returns the page with the given id.
func (idx *PageIndex) Lookup(pageID uuid.UUID) (IndexNode, bool) {
	pos, ok := idx.byID[pageID]
	if !ok {
		return IndexNode{}, false
	}
	return idx.items[pos], true
}

// LookupInstance returns the page backed by the given language/version record.
func (idx *PageIndex) LookupInstance(pageInstanceID int64) (IndexNode, bool) {
	pos, ok := idx.byInstance[pageInstanceID]
	if !ok {
		return IndexNode{}, false
	}
	return idx.items[pos], true
}

// LookupURL returns the page whose resolved URL equals url. Leading and
// trailing slashes are ignored.
func (idx *PageIndex) LookupURL(url string) (IndexNode, bool) {
	pos, ok := idx.urls.lookup(url)
	if !ok || !idx.live(pos) {
		return IndexNode{}, false
	}
	return idx.items[pos], true
}

// PagesUnderURL returns every page whose resolved URL starts with prefix, in
// lexical URL order.
func (idx *PageIndex) PagesUnderURL(prefix string) []IndexNode {
	var nodes []IndexNode
	idx.urls.walkPrefix(prefix, func(_ string, pos int) bool {
		if idx.live(pos) {
			nodes = append(nodes, idx.items[pos])
		}
		return false
	})
	return nodes
}

// RootPosition returns the position of the first top-level page, or NoPosition.
func (idx *PageIndex) RootPosition() int {
	return idx.items[anchorPosition].FirstChild
}

// NodeAt returns the node stored at a live position.
func (idx *PageIndex) NodeAt(pos int) (IndexNode, bool) {
	if !idx.live(pos) {
		return IndexNode{}, false
	}
	return idx.items[pos], true
}

// FindSibling scans the sibling chain starting at pos for segment. The
// cached hash is compared first and the segment text confirms the match.
func (idx *PageIndex) FindSibling(pos int, segment string, hash uint64) int {
	for pos != NoPosition && pos < len(idx.items) {
		n := &idx.items[pos]
		if n.URLSegmentHash == hash && n.URLSegment == segment {
			return pos
		}
		pos = n.NextPage
	}
	return NoPosition
}

// Children returns the direct children of parentID in sibling order.
// uuid.Nil selects the top-level pages.
func (idx *PageIndex) Children(parentID uuid.UUID, filter Filter) []IndexNode {
	parentPos, ok := idx.position(parentID)
	if !ok {
		return nil
	}

	filter = orAny(filter)
	var children []IndexNode
	for pos := idx.items[parentPos].FirstChild; pos != NoPosition; pos = idx.items[pos].NextPage {
		if filter(idx.items[pos]) {
			children = append(children, idx.items[pos])
		}
	}
	return children
}

// AncestorPath returns the ids from the top-level ancestor down to pageID
// itself. It returns nil when pageID is not indexed.
func (idx *PageIndex) AncestorPath(pageID uuid.UUID) []uuid.UUID {
	pos, ok := idx.byID[pageID]
	if !ok {
		return nil
	}

	var path []uuid.UUID
	for steps := 0; steps < len(idx.items); steps++ {
		n := idx.items[pos]
		path = append(path, n.PageID)
		if n.ParentID == uuid.Nil {
			break
		}
		if pos, ok = idx.byID[n.ParentID]; !ok {
			break
		}
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// AncestorAtLevel returns the ancestor of pageID at the given tree level,
// counting the top-level page as level 0.
func (idx *PageIndex) AncestorAtLevel(pageID uuid.UUID, level int) (uuid.UUID, bool) {
	if level < 0 {
		return uuid.Nil, false
	}
	path := idx.AncestorPath(pageID)
	if len(path) < level+1 {
		return uuid.Nil, false
	}
	return path[level], true
}

// Subtree returns pageID and its descendants in depth-first pre-order.
// A node rejected by the filter hides its descendants as well. uuid.Nil
// walks the whole tree.
func (idx *PageIndex) Subtree(pageID uuid.UUID, filter Filter) []IndexNode {
	pos, ok := idx.position(pageID)
	if !ok {
		return nil
	}

	var nodes []IndexNode
	idx.walk(pos, orAny(filter), nil, &nodes)
	return nodes
}

// SubtreeBetween walks the subtree of rootID but only expands the pages on
// the path from rootID down to leafID, both included. The result is the
// tree a breadcrumb-scoped menu shows. It returns nil when leafID is not
// below rootID.
func (idx *PageIndex) SubtreeBetween(rootID, leafID uuid.UUID, filter Filter) []IndexNode {
	rootPos, ok := idx.position(rootID)
	if !ok {
		return nil
	}
	path := idx.AncestorPath(leafID)
	if path == nil {
		return nil
	}

	expand := roaring.New()
	onPath := rootID == uuid.Nil
	if onPath {
		expand.Add(uint32(anchorPosition))
	}
	for _, id := range path {
		if id == rootID {
			onPath = true
		}
		if onPath {
			expand.Add(uint32(idx.byID[id]))
		}
	}
	if !onPath {
		return nil
	}

	var nodes []IndexNode
	idx.walk(rootPos, orAny(filter), expand, &nodes)
	return nodes
}

// walk emits pos (unless it is the anchor) and recurses into its children.
// With a non-nil expand set, only positions in the set are descended into.
func (idx *PageIndex) walk(pos int, filter Filter, expand *roaring.Bitmap, out *[]IndexNode) {
	if pos != anchorPosition {
		if !filter(idx.items[pos]) {
			return
		}
		*out = append(*out, idx.items[pos])
	}
	if expand != nil && !expand.Contains(uint32(pos)) {
		return
	}
	for child := idx.items[pos].FirstChild; child != NoPosition; child = idx.items[child].NextPage {
		idx.walk(child, filter, expand, out)
	}
}

// position maps an id to its slot, treating uuid.Nil as the anchor.
func (idx *PageIndex) position(pageID uuid.UUID) (int, bool) {
	if pageID == uuid.Nil {
		return anchorPosition, true
	}
	pos, ok := idx.byID[pageID]
	return pos, ok
}

func (idx *PageIndex) live(pos int) bool {
	return pos > anchorPosition && pos < len(idx.items) && !idx.vacant.Contains(uint32(pos))
}
