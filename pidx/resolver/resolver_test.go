package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/pageindex/pidx/db"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/registry"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newsType = 5

type fakeHandler struct {
	pages    []trees.IndexNode
	routes   []Request
	routeOK  bool
	pageErr  error
	routeErr error
}

func (h *fakeHandler) HandlePage(_ context.Context, page trees.IndexNode) error {
	h.pages = append(h.pages, page)
	return h.pageErr
}

func (h *fakeHandler) TryRoute(_ context.Context, req Request) (bool, error) {
	h.routes = append(h.routes, req)
	return h.routeOK, h.routeErr
}

type fakeExtender struct {
	accept bool
	calls  [][]string
	pageID uuid.UUID
	err    error
}

func (e *fakeExtender) HandleRequest(_ context.Context, pageID uuid.UUID, remaining []string) (bool, error) {
	e.pageID = pageID
	e.calls = append(e.calls, remaining)
	return e.accept, e.err
}

type staticSource struct {
	idx *trees.PageIndex
	err error
}

func (s staticSource) Index(context.Context, int) (*trees.PageIndex, error) {
	return s.idx, s.err
}

// site is served by a registry over the mock store:
//
//	products -> widgets
//	news (type 5) -> archive
//	about
type site struct {
	store    *db.MockPageStore
	reg      *registry.Registry
	extender *fakeExtender
	metrics  *metrics.Metrics

	products, widgets, news, archive, about uuid.UUID
}

func rec(id, parent uuid.UUID, segment string, sortOrder, pageType int) trees.PageRecord {
	return trees.PageRecord{
		PageID:       id,
		LanguageID:   1,
		ParentID:     parent,
		PageTypeID:   pageType,
		PageName:     segment,
		URLSegment:   segment,
		SortOrder:    sortOrder,
		StartPublish: time.Now().Add(-time.Hour),
	}
}

func newSite(t *testing.T, opts ...registry.Option) *site {
	t.Helper()
	s := &site{
		store:    db.NewMockPageStore(),
		extender: &fakeExtender{},
		metrics:  metrics.NewMetrics(),
		products: uuid.New(),
		widgets:  uuid.New(),
		news:     uuid.New(),
		archive:  uuid.New(),
		about:    uuid.New(),
	}
	s.store.Seed(
		rec(s.products, uuid.Nil, "products", 1, 1),
		rec(s.widgets, s.products, "widgets", 1, 1),
		rec(s.news, uuid.Nil, "news", 2, newsType),
		rec(s.archive, s.news, "archive", 1, 1),
		rec(s.about, uuid.Nil, "about", 3, 1),
	)
	s.reg = registry.New(s.store, append([]registry.Option{registry.WithLogger(zerolog.Nop())}, opts...)...)
	return s
}

func (s *site) resolver(opts ...Option) *Resolver {
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithMetrics(s.metrics),
		WithPageTypes(PageTypeMap{newsType: s.extender}),
		WithRedirects(s.store),
	}
	return New(s.reg, append(base, opts...)...)
}

func TestResolver(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ExactMatch", testExactMatch},
		{"ExtensionStripped", testExtensionStripped},
		{"UnknownSegment", testUnknownSegment},
		{"EmptyPath", testEmptyPath},
		{"ExtenderAfterLeaf", testExtenderAfterLeaf},
		{"ExtenderAfterSiblingMiss", testExtenderAfterSiblingMiss},
		{"RouteFallback", testRouteFallback},
		{"RedirectFallback", testRedirectFallback},
		{"RedirectByRawURL", testRedirectByRawURL},
		{"EmptySegmentsCollapse", testEmptySegmentsCollapse},
		{"ChainStopsAtFirstSuccess", testChainStopsAtFirstSuccess},
		{"CustomChain", testCustomChain},
		{"FindPageAgreesWithPageID", testFindPageAgreesWithPageID},
		{"HashCollision", testResolveHashCollision},
		{"Errors", testResolveErrors},
		{"ReindexingPropagates", testReindexingPropagates},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testExactMatch(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	h := &fakeHandler{}

	res, err := r.Resolve(context.Background(), 1, "products/widgets", h)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, s.widgets, res.Page.PageID)
	assert.Equal(t, 2, res.Depth)
	require.Len(t, h.pages, 1)
	assert.Equal(t, s.widgets, h.pages[0].PageID)
	assert.Empty(t, h.routes)

	res, err = r.Resolve(context.Background(), 1, "products", h)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, s.products, res.Page.PageID)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.ResolveTotal.WithLabelValues("matched")))
}

func testExtensionStripped(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	ctx := context.Background()

	for _, path := range []string{"products/widgets.aspx", "/products/widgets.ASPX", " /products/widgets/ "} {
		id, err := r.PageIDFromURL(ctx, 1, path)
		require.NoError(t, err)
		assert.Equal(t, s.widgets, id, path)
	}

	id, err := New(s.reg, WithExtensions(".html")).PageIDFromURL(ctx, 1, "products/widgets.aspx")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id, "only configured extensions are stripped")
}

func testUnknownSegment(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	h := &fakeHandler{}

	res, err := r.Resolve(context.Background(), 1, "products/unknown", h)
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, []string{"unknown"}, res.Remaining)
	assert.Equal(t, s.products, res.Page.PageID)
	assert.Empty(t, h.pages)

	require.Len(t, h.routes, 1, "the route fallback was consulted")
	assert.Equal(t, "products/unknown", h.routes[0].Path)
	assert.True(t, h.routes[0].HasContext)

	id, err := r.PageIDFromURL(context.Background(), 1, "products/unknown")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id)
	assert.Len(t, h.routes, 1, "pure lookup never runs the chain")

	res, err = r.Resolve(context.Background(), 1, "nowhere", h)
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
	assert.Zero(t, res.Depth)
	assert.False(t, h.routes[1].HasContext)
}

func testEmptyPath(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	h := &fakeHandler{}

	for _, path := range []string{"", "/", "  ", ".aspx", "//"} {
		res, err := r.Resolve(context.Background(), 1, path, h)
		require.NoError(t, err)
		assert.Equal(t, NotFound, res.Outcome, "%q", path)
	}
	assert.Empty(t, h.routes, "nothing to fall back on")
}

func testExtenderAfterLeaf(t *testing.T) {
	s := newSite(t)
	s.extender.accept = true
	r := s.resolver()

	// archive has no children, but it is not an extender page type
	res, err := r.Resolve(context.Background(), 1, "news/archive/2024", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, []string{"2024"}, res.Remaining)
	assert.Empty(t, s.extender.calls)

	leaf := uuid.New()
	require.NoError(t, s.reg.Upsert(context.Background(), rec(leaf, uuid.Nil, "blog", 4, newsType)))

	res, err = r.Resolve(context.Background(), 1, "blog/2024/06", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, Extended, res.Outcome)
	assert.Equal(t, leaf, res.Page.PageID)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, []string{"2024", "06"}, res.Remaining)
	assert.Equal(t, leaf, s.extender.pageID)
}

func testExtenderAfterSiblingMiss(t *testing.T) {
	s := newSite(t)
	s.extender.accept = true
	r := s.resolver()

	res, err := r.Resolve(context.Background(), 1, "news/2023/summer", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, Extended, res.Outcome)
	assert.Equal(t, s.news, res.Page.PageID)
	assert.Equal(t, 1, res.Depth)
	require.Len(t, s.extender.calls, 1)
	assert.Equal(t, []string{"2023", "summer"}, s.extender.calls[0])
}

func testRouteFallback(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	h := &fakeHandler{routeOK: true}

	res, err := r.Resolve(context.Background(), 1, "news/feed.aspx", h)
	require.NoError(t, err)
	assert.Equal(t, Routed, res.Outcome)
	require.Len(t, s.extender.calls, 1, "the extender declined first")
	require.Len(t, h.routes, 1)
	assert.Equal(t, []string{"feed"}, h.routes[0].Remaining)
	assert.Equal(t, []string{"news", "feed"}, h.routes[0].Segments)
	assert.Equal(t, 1, h.routes[0].LanguageID)
}

func testRedirectFallback(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	ctx := context.Background()
	require.NoError(t, s.store.AddRedirect(ctx, 1, "old/widgets", s.widgets))

	res, err := r.Resolve(ctx, 1, "/Old/Widgets.aspx", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, Redirect, res.Outcome, "unknown raw URL falls back to the canonical path")
	assert.Equal(t, "/products/widgets/", res.Location)
	assert.Equal(t, s.widgets, res.Page.PageID)

	require.NoError(t, s.store.AddRedirect(ctx, 1, "gone", uuid.New()))
	res, err = r.Resolve(ctx, 1, "gone", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome, "redirects to unindexed pages are ignored")
}

func testRedirectByRawURL(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	ctx := context.Background()
	require.NoError(t, s.store.AddRedirect(ctx, 1, "old-page.aspx", s.about))
	require.NoError(t, s.store.AddRedirect(ctx, 1, "old-page", s.widgets))

	res, err := r.Resolve(ctx, 1, "/Old-Page.aspx", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, Redirect, res.Outcome)
	assert.Equal(t, s.about, res.Page.PageID, "the URL as received wins over its canonical path")

	res, err = r.Resolve(ctx, 1, "/old-page/", &fakeHandler{})
	require.NoError(t, err)
	assert.Equal(t, Redirect, res.Outcome)
	assert.Equal(t, s.widgets, res.Page.PageID)
}

func testEmptySegmentsCollapse(t *testing.T) {
	s := newSite(t)
	r := s.resolver()
	h := &fakeHandler{}

	res, err := r.Resolve(context.Background(), 1, "products//widgets", h)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, s.widgets, res.Page.PageID)
	assert.Equal(t, 2, res.Depth)

	res, err = r.Resolve(context.Background(), 1, "//products///widgets//", h)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, s.widgets, res.Page.PageID)
}

func testChainStopsAtFirstSuccess(t *testing.T) {
	s := newSite(t)
	s.extender.accept = true
	r := s.resolver()
	h := &fakeHandler{routeOK: true}
	require.NoError(t, s.store.AddRedirect(context.Background(), 1, "news/old", s.about))

	res, err := r.Resolve(context.Background(), 1, "news/old", h)
	require.NoError(t, err)
	assert.Equal(t, Extended, res.Outcome)
	assert.Empty(t, h.routes)
}

type namedFallback struct {
	name string
	log  *[]string
	ok   bool
}

func (f namedFallback) Name() string { return f.name }

func (f namedFallback) Resolve(_ context.Context, req Request, _ *trees.PageIndex, _ RequestHandler) (Result, bool, error) {
	*f.log = append(*f.log, f.name)
	if !f.ok {
		return Result{}, false, nil
	}
	return Result{Outcome: Routed, Remaining: req.Remaining}, true, nil
}

func testCustomChain(t *testing.T) {
	s := newSite(t)
	var log []string
	r := s.resolver(WithFallbacks(
		namedFallback{name: "first", log: &log},
		namedFallback{name: "second", log: &log, ok: true},
		namedFallback{name: "third", log: &log, ok: true},
	))

	res, err := r.Resolve(context.Background(), 1, "missing/page", nil)
	require.NoError(t, err)
	assert.Equal(t, Routed, res.Outcome)
	assert.Equal(t, []string{"first", "second"}, log)
}

func testFindPageAgreesWithPageID(t *testing.T) {
	s := newSite(t)
	r := s.resolver(WithFallbacks())
	ctx := context.Background()

	for _, path := range []string{
		"products", "products/widgets", "/products/widgets.aspx", "products/unknown",
		"news/archive", "news/archive/x", "about", "", "widgets",
	} {
		found, err := r.FindPage(ctx, 1, path, &fakeHandler{})
		require.NoError(t, err)
		id, err := r.PageIDFromURL(ctx, 1, path)
		require.NoError(t, err)
		assert.Equal(t, id != uuid.Nil, found, "%q", path)
	}
}

func testResolveHashCollision(t *testing.T) {
	s := newSite(t, registry.WithIndexOptions(trees.WithSegmentHasher(func(string) uint64 { return 7 })))
	r := s.resolver()
	ctx := context.Background()

	for path, want := range map[string]uuid.UUID{
		"products/widgets": s.widgets,
		"news/archive":     s.archive,
		"about":            s.about,
		"news":             s.news,
	} {
		id, err := r.PageIDFromURL(ctx, 1, path)
		require.NoError(t, err)
		assert.Equal(t, want, id, path)
	}

	id, err := r.PageIDFromURL(ctx, 1, "products/archive")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id, "equal hashes alone never match")
}

func testResolveErrors(t *testing.T) {
	s := newSite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.resolver().Resolve(ctx, 1, "products", &fakeHandler{pageErr: boom})
	assert.ErrorIs(t, err, boom)

	_, err = s.resolver().Resolve(ctx, 1, "products/x", &fakeHandler{routeErr: boom})
	assert.ErrorIs(t, err, boom)

	s.extender.err = boom
	_, err = s.resolver().Resolve(ctx, 1, "news/x", &fakeHandler{})
	assert.ErrorIs(t, err, boom)

	_, err = New(staticSource{err: boom}).Resolve(ctx, 1, "products", nil)
	assert.ErrorIs(t, err, boom)
	_, err = New(staticSource{err: boom}).PageIDFromURL(ctx, 1, "products")
	assert.ErrorIs(t, err, boom)
}

func testReindexingPropagates(t *testing.T) {
	r := New(staticSource{err: registry.ErrReindexing})

	found, err := r.FindPage(context.Background(), 1, "products", nil)
	assert.False(t, found)
	assert.ErrorIs(t, err, registry.ErrReindexing)

	empty := New(staticSource{idx: trees.NewPageIndex(1)}, WithFallbacks())
	res, err := empty.Resolve(context.Background(), 1, "products", nil)
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
}

func TestSegments(t *testing.T) {
	r := New(staticSource{}, WithExtensions(".aspx", ".htm"))

	tests := []struct {
		path string
		want []string
	}{
		{"products/widgets", []string{"products", "widgets"}},
		{"/products/widgets/", []string{"products", "widgets"}},
		{"products/widgets.aspx", []string{"products", "widgets"}},
		{"products/widgets.HTM", []string{"products", "widgets"}},
		{"products//widgets", []string{"products", "widgets"}},
		{"products/widgets.aspx.aspx", []string{"products", "widgets.aspx"}},
		{"report.pdf", []string{"report.pdf"}},
		{"", nil},
		{" / ", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Segments(tt.path), "%q", tt.path)
	}
}
