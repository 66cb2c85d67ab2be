package trees

import "time"

// PublishState selects nodes by their publish window and deletion state.
type PublishState int

const (
	// Published keeps pages that are live now.
	Published PublishState = iota
	// Unpublished keeps drafts, expired and soft-deleted pages.
	Unpublished
	// All keeps every page regardless of state.
	All
)

func (s PublishState) String() string {
	switch s {
	case Published:
		return "published"
	case Unpublished:
		return "unpublished"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// Filter decides whether a node is part of a query result.
type Filter func(n IndexNode) bool

// Any accepts every node.
func Any(IndexNode) bool { return true }

// ByPublishState filters on the publish state evaluated at now.
func ByPublishState(state PublishState, now time.Time) Filter {
	switch state {
	case Published:
		return func(n IndexNode) bool { return n.IsPublished(now) }
	case Unpublished:
		return func(n IndexNode) bool { return !n.IsPublished(now) }
	default:
		return Any
	}
}

// OfPageType restricts a publish-state filter to one page type.
func OfPageType(pageTypeID int, state PublishState, now time.Time) Filter {
	inState := ByPublishState(state, now)
	return func(n IndexNode) bool {
		return n.PageTypeID == pageTypeID && inState(n)
	}
}

// And combines filters; all must accept.
func And(filters ...Filter) Filter {
	return func(n IndexNode) bool {
		for _, f := range filters {
			if f != nil && !f(n) {
				return false
			}
		}
		return true
	}
}

func orAny(f Filter) Filter {
	if f == nil {
		return Any
	}
	return f
}
