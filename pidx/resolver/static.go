package resolver

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

// RoutePrefixes is a RequestHandler for paths owned by the application
// rather than the page tree. A path is routed when it equals one of the
// prefixes or lies below it. Matched pages need no extra handling.
type RoutePrefixes []string

// NewRoutePrefixes normalizes prefixes to lower case without surrounding
// slashes and drops empty ones.
func NewRoutePrefixes(prefixes ...string) RoutePrefixes {
	routes := make(RoutePrefixes, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.ToLower(strings.Trim(strings.TrimSpace(p), "/")); p != "" {
			routes = append(routes, p)
		}
	}
	return routes
}

func (RoutePrefixes) HandlePage(context.Context, trees.IndexNode) error { return nil }

func (p RoutePrefixes) TryRoute(_ context.Context, req Request) (bool, error) {
	path := strings.ToLower(req.Path)
	for _, prefix := range p {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true, nil
		}
	}
	return false, nil
}

// SubpathExtender accepts up to MaxDepth segments below a page; zero
// accepts any depth.
type SubpathExtender struct {
	MaxDepth int
}

func (e SubpathExtender) HandleRequest(_ context.Context, _ uuid.UUID, remaining []string) (bool, error) {
	if len(remaining) == 0 {
		return false, nil
	}
	return e.MaxDepth <= 0 || len(remaining) <= e.MaxDepth, nil
}

// ExtendTypes registers ext for every page type in typeIDs.
func ExtendTypes(ext PageExtender, typeIDs ...int) PageTypeMap {
	m := make(PageTypeMap, len(typeIDs))
	for _, id := range typeIDs {
		m[id] = ext
	}
	return m
}
