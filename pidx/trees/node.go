package trees

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// NoPosition marks an absent FirstChild or NextPage link.
const NoPosition = -1

// anchorPosition is the reserved slot whose FirstChild is the first top-level page.
const anchorPosition = 0

// IndexNode is one page of one language inside a PageIndex.
// FirstChild and NextPage are positions in the owning index, not identifiers.
type IndexNode struct {
	PageID         uuid.UUID
	PageInstanceID int64
	ParentID       uuid.UUID
	RootID         uuid.UUID
	PageTypeID     int

	PageName       string
	URLSegment     string
	URLSegmentHash uint64
	PageURL        string

	SortOrder  int
	TreeLevel  int
	FirstChild int
	NextPage   int

	Author           string
	CreatedDate      time.Time
	UpdateDate       time.Time
	StartPublish     time.Time
	StopPublish      time.Time
	DeletedDate      time.Time
	VisibleInMenu    bool
	VisibleInSiteMap bool
}

// IsRoot reports whether the node is a top-level page.
func (n IndexNode) IsRoot() bool {
	return n.ParentID == uuid.Nil
}

// IsDeleted reports whether the page has been soft-deleted.
func (n IndexNode) IsDeleted() bool {
	return !n.DeletedDate.IsZero()
}

// IsPublished reports whether the page is live at the given time.
// An unset StartPublish means the page was never published; an unset
// StopPublish leaves the window open.
func (n IndexNode) IsPublished(now time.Time) bool {
	if n.IsDeleted() || n.StartPublish.IsZero() {
		return false
	}
	if now.Before(n.StartPublish) {
		return false
	}
	if !n.StopPublish.IsZero() && !now.Before(n.StopPublish) {
		return false
	}
	return true
}

// PageRecord is the persisted shape of one page in one language, as supplied
// by the page store during rebuilds and incremental updates.
type PageRecord struct {
	PageID         uuid.UUID
	PageInstanceID int64
	LanguageID     int
	ParentID       uuid.UUID
	RootID         uuid.UUID
	PageTypeID     int

	PageName   string
	URLSegment string
	SortOrder  int

	Author           string
	CreatedDate      time.Time
	UpdateDate       time.Time
	StartPublish     time.Time
	StopPublish      time.Time
	DeletedDate      time.Time
	VisibleInMenu    bool
	VisibleInSiteMap bool
}

// Node converts a record into an unlinked IndexNode. Links, level, root,
// URL and segment hash are filled in when the node is placed in an index.
func (r PageRecord) Node() IndexNode {
	return IndexNode{
		PageID:           r.PageID,
		PageInstanceID:   r.PageInstanceID,
		ParentID:         r.ParentID,
		RootID:           r.RootID,
		PageTypeID:       r.PageTypeID,
		PageName:         r.PageName,
		URLSegment:       r.URLSegment,
		SortOrder:        r.SortOrder,
		FirstChild:       NoPosition,
		NextPage:         NoPosition,
		Author:           r.Author,
		CreatedDate:      r.CreatedDate,
		UpdateDate:       r.UpdateDate,
		StartPublish:     r.StartPublish,
		StopPublish:      r.StopPublish,
		DeletedDate:      r.DeletedDate,
		VisibleInMenu:    r.VisibleInMenu,
		VisibleInSiteMap: r.VisibleInSiteMap,
	}
}

// SegmentHasher hashes a single URL segment. Equal hashes are only a
// pre-check; segments are always confirmed by exact comparison.
type SegmentHasher func(segment string) uint64

// DefaultSegmentHasher hashes segments with xxhash.
func DefaultSegmentHasher(segment string) uint64 {
	return xxhash.Sum64String(segment)
}

// JoinPageURL appends a segment to a parent's resolved URL.
// Resolved URLs carry no leading slash and end with one: "products/widgets/".
func JoinPageURL(parentURL, segment string) string {
	return parentURL + segment + "/"
}
