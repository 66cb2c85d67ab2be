package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is how a request path was resolved.
type Outcome int

const (
	NotFound Outcome = iota
	Matched
	Extended
	Routed
	Redirect
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Extended:
		return "extended"
	case Routed:
		return "routed"
	case Redirect:
		return "redirect"
	default:
		return "not_found"
	}
}

// Result describes a resolution. Page is the matched page, the page the
// fallback ran under, or the redirect target. Location is set for redirects.
type Result struct {
	Outcome   Outcome
	Page      trees.IndexNode
	Depth     int
	Remaining []string
	Location  string
}

// Request is what fallbacks see of an unmatched path. URL is the path as
// received; Path is its canonical form, extension stripped and empty
// segments dropped. Context is the last page matched before the miss, when
// HasContext is set.
type Request struct {
	LanguageID int
	URL        string
	Path       string
	Segments   []string
	Depth      int
	Remaining  []string
	Context    trees.IndexNode
	HasContext bool
}

// RequestHandler is supplied by the caller of Resolve.
type RequestHandler interface {
	// HandlePage serves a page the path matched exactly.
	HandlePage(ctx context.Context, page trees.IndexNode) error
	// TryRoute attempts a framework route for an unmatched path.
	TryRoute(ctx context.Context, req Request) (bool, error)
}

// IndexSource supplies the page index of a language.
type IndexSource interface {
	Index(ctx context.Context, languageID int) (*trees.PageIndex, error)
}

// Resolver maps request paths onto pages.
type Resolver struct {
	source     IndexSource
	types      PageTypes
	redirects  RedirectTable
	fallbacks  []Fallback
	extensions []string
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithPageTypes(types PageTypes) Option {
	return func(r *Resolver) { r.types = types }
}

func WithRedirects(table RedirectTable) Option {
	return func(r *Resolver) { r.redirects = table }
}

// WithFallbacks replaces the default fallback chain.
func WithFallbacks(fallbacks ...Fallback) Option {
	return func(r *Resolver) { r.fallbacks = append([]Fallback{}, fallbacks...) }
}

// WithExtensions sets the file extensions stripped from request paths.
func WithExtensions(exts ...string) Option {
	return func(r *Resolver) { r.extensions = exts }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver. Unless WithFallbacks is given the chain is page
// extender, then route, then redirect.
func New(source IndexSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:     source,
		extensions: internal.DefaultPageExtensions,
		logger:     internal.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallbacks == nil {
		r.fallbacks = []Fallback{
			ExtenderFallback{Types: r.types},
			RouteFallback{},
			RedirectFallback{Table: r.redirects},
		}
	}
	r.logger = r.logger.With().Str("component", "resolver").Logger()
	return r
}

// Resolve matches path against the language's page tree and runs the
// fallback chain on a miss. Unresolvable paths are a NotFound result, not
// an error; errors come from the index source, the handler or a fallback.
func (r *Resolver) Resolve(ctx context.Context, languageID int, path string, handler RequestHandler) (Result, error) {
	start := time.Now()
	res, err := r.resolve(ctx, languageID, path, handler)
	if err == nil {
		r.metrics.RecordResolve(res.Outcome.String(), time.Since(start))
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, languageID int, path string, handler RequestHandler) (Result, error) {
	idx, err := r.source.Index(ctx, languageID)
	if err != nil {
		return Result{}, err
	}

	segments := r.Segments(path)
	if len(segments) == 0 {
		return Result{Outcome: NotFound}, nil
	}

	m := descend(idx, segments)
	if m.complete {
		if handler != nil {
			if err := handler.HandlePage(ctx, m.last); err != nil {
				return Result{}, fmt.Errorf("handle page %s: %w", m.last.PageID, err)
			}
		}
		return Result{Outcome: Matched, Page: m.last, Depth: m.depth}, nil
	}

	req := Request{
		LanguageID: languageID,
		URL:        path,
		Path:       strings.Join(segments, "/"),
		Segments:   segments,
		Depth:      m.depth,
		Remaining:  segments[m.depth:],
		Context:    m.last,
		HasContext: m.depth > 0,
	}

	for _, fb := range r.fallbacks {
		res, ok, err := fb.Resolve(ctx, req, idx, handler)
		if err != nil {
			return Result{}, err
		}
		if ok {
			r.logger.Debug().
				Str("path", req.Path).
				Str("fallback", fb.Name()).
				Int("depth", req.Depth).
				Msg("resolved by fallback")
			return res, nil
		}
	}

	return Result{Outcome: NotFound, Page: req.Context, Depth: req.Depth, Remaining: req.Remaining}, nil
}

// FindPage reports whether path resolves to anything, fallbacks included.
func (r *Resolver) FindPage(ctx context.Context, languageID int, path string, handler RequestHandler) (bool, error) {
	res, err := r.Resolve(ctx, languageID, path, handler)
	if err != nil {
		return false, err
	}
	return res.Outcome != NotFound, nil
}

// PageIDFromURL returns the id of the page path names exactly, or uuid.Nil.
// The fallback chain is never consulted.
func (r *Resolver) PageIDFromURL(ctx context.Context, languageID int, path string) (uuid.UUID, error) {
	idx, err := r.source.Index(ctx, languageID)
	if err != nil {
		return uuid.Nil, err
	}
	segments := r.Segments(path)
	if len(segments) == 0 {
		return uuid.Nil, nil
	}
	if m := descend(idx, segments); m.complete {
		return m.last.PageID, nil
	}
	return uuid.Nil, nil
}

// Segments normalizes a request path: a trailing known extension is removed
// (case-insensitively), surrounding slashes and spaces are trimmed and the
// rest is split on "/". Empty segments are skipped.
func (r *Resolver) Segments(path string) []string {
	path = strings.Trim(path, "/ \t")
	for _, ext := range r.extensions {
		if ext != "" && len(path) >= len(ext) && strings.EqualFold(path[len(path)-len(ext):], ext) {
			path = path[:len(path)-len(ext)]
			break
		}
	}
	path = strings.Trim(path, "/ \t")
	if path == "" {
		return nil
	}

	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

type match struct {
	last     trees.IndexNode
	depth    int
	complete bool
}

// descend walks the sibling chains segment by segment. depth counts the
// segments matched before the walk stopped.
func descend(idx *trees.PageIndex, segments []string) match {
	var m match
	cursor := idx.RootPosition()
	for i, seg := range segments {
		if cursor == trees.NoPosition {
			return m
		}
		pos := idx.FindSibling(cursor, seg, idx.SegmentHash(seg))
		if pos == trees.NoPosition {
			return m
		}

		m.last, _ = idx.NodeAt(pos)
		m.depth = i + 1
		if i == len(segments)-1 {
			m.complete = true
			return m
		}
		cursor = m.last.FirstChild
	}
	return m
}
