package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

// PageExtender serves path segments below a matched page, for page types
// that own a dynamic URL space (archives, product listings).
type PageExtender interface {
	HandleRequest(ctx context.Context, pageID uuid.UUID, remaining []string) (bool, error)
}

// PageTypes looks up the extender registered for a page type, if any.
type PageTypes interface {
	Extender(pageTypeID int) (PageExtender, bool)
}

// PageTypeMap is a static PageTypes.
type PageTypeMap map[int]PageExtender

func (m PageTypeMap) Extender(pageTypeID int) (PageExtender, bool) {
	e, ok := m[pageTypeID]
	return e, ok && e != nil
}

// RedirectTable maps URLs pages used to live at onto their ids.
type RedirectTable interface {
	PageForPreviousURL(ctx context.Context, languageID int, url string) (uuid.UUID, bool, error)
}

// Fallback is one strategy tried, in order, after direct tree matching fails.
type Fallback interface {
	Name() string
	Resolve(ctx context.Context, req Request, idx *trees.PageIndex, handler RequestHandler) (Result, bool, error)
}

// ExtenderFallback hands the unmatched segments to the extender of the last
// matched page's type.
type ExtenderFallback struct {
	Types PageTypes
}

func (ExtenderFallback) Name() string { return "page_extender" }

func (f ExtenderFallback) Resolve(ctx context.Context, req Request, _ *trees.PageIndex, _ RequestHandler) (Result, bool, error) {
	if f.Types == nil || !req.HasContext {
		return Result{}, false, nil
	}
	ext, ok := f.Types.Extender(req.Context.PageTypeID)
	if !ok {
		return Result{}, false, nil
	}

	handled, err := ext.HandleRequest(ctx, req.Context.PageID, req.Remaining)
	if err != nil {
		return Result{}, false, fmt.Errorf("page extender for type %d: %w", req.Context.PageTypeID, err)
	}
	if !handled {
		return Result{}, false, nil
	}
	return Result{Outcome: Extended, Page: req.Context, Depth: req.Depth, Remaining: req.Remaining}, true, nil
}

// RouteFallback lets the caller match the request against its own routes.
type RouteFallback struct{}

func (RouteFallback) Name() string { return "route" }

func (RouteFallback) Resolve(ctx context.Context, req Request, _ *trees.PageIndex, handler RequestHandler) (Result, bool, error) {
	if handler == nil {
		return Result{}, false, nil
	}
	handled, err := handler.TryRoute(ctx, req)
	if err != nil {
		return Result{}, false, fmt.Errorf("route handler: %w", err)
	}
	if !handled {
		return Result{}, false, nil
	}
	return Result{Outcome: Routed, Page: req.Context, Depth: req.Depth, Remaining: req.Remaining}, true, nil
}

// RedirectFallback looks the request up among previous page URLs and
// answers with the page's current location. The URL as received is tried
// first, then its canonical path when that differs.
type RedirectFallback struct {
	Table RedirectTable
}

func (RedirectFallback) Name() string { return "redirect" }

func (f RedirectFallback) Resolve(ctx context.Context, req Request, idx *trees.PageIndex, _ RequestHandler) (Result, bool, error) {
	if f.Table == nil {
		return Result{}, false, nil
	}
	var (
		target uuid.UUID
		found  bool
	)
	for _, url := range redirectKeys(req) {
		var err error
		target, found, err = f.Table.PageForPreviousURL(ctx, req.LanguageID, url)
		if err != nil {
			return Result{}, false, fmt.Errorf("redirect lookup: %w", err)
		}
		if found {
			break
		}
	}
	if !found {
		return Result{}, false, nil
	}

	n, ok := idx.Lookup(target)
	if !ok {
		return Result{}, false, nil
	}
	return Result{Outcome: Redirect, Page: n, Location: "/" + n.PageURL}, true, nil
}

func redirectKeys(req Request) []string {
	raw := strings.Trim(strings.TrimSpace(req.URL), "/")
	if raw == "" || strings.EqualFold(raw, req.Path) {
		return []string{req.Path}
	}
	return []string{raw, req.Path}
}
