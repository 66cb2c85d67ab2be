package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/pageindex/pidx/db"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/registry"
	"github.com/ZanzyTHEbar/pageindex/pidx/resolver"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeTable map[string]bool

func (routeTable) HandlePage(context.Context, trees.IndexNode) error { return nil }

func (t routeTable) TryRoute(_ context.Context, req resolver.Request) (bool, error) {
	return t[req.Path], nil
}

// testSite serves:
//
//	products -> widgets
//	admin
//
// in language 1, and produkte in language 2.
type testSite struct {
	store   *db.MockPageStore
	reg     *registry.Registry
	metrics *metrics.Metrics
	server  *Server

	products, widgets, admin uuid.UUID
}

func page(id, parent uuid.UUID, lang int, segment string, sortOrder int) trees.PageRecord {
	return trees.PageRecord{
		PageID:        id,
		LanguageID:    lang,
		ParentID:      parent,
		PageTypeID:    1,
		PageName:      segment,
		URLSegment:    segment,
		SortOrder:     sortOrder,
		StartPublish:  time.Now().Add(-time.Hour),
		VisibleInMenu: true,
	}
}

func newTestSite(t *testing.T, opts ...Option) *testSite {
	t.Helper()
	s := &testSite{
		store:    db.NewMockPageStore(),
		metrics:  metrics.NewMetrics(),
		products: uuid.New(),
		widgets:  uuid.New(),
		admin:    uuid.New(),
	}
	s.store.Seed(
		page(s.products, uuid.Nil, 1, "products", 1),
		page(s.widgets, s.products, 1, "widgets", 1),
		page(s.admin, uuid.Nil, 1, "admin", 2),
		page(s.products, uuid.Nil, 2, "produkte", 1),
	)
	require.NoError(t, s.store.AddRedirect(context.Background(), 1, "old-widgets", s.widgets))

	logger := zerolog.Nop()
	s.reg = registry.New(s.store, registry.WithLogger(logger), registry.WithMetrics(s.metrics))
	res := resolver.New(s.reg,
		resolver.WithRedirects(s.store),
		resolver.WithMetrics(s.metrics),
		resolver.WithLogger(logger),
	)

	base := []Option{
		WithLogger(logger),
		WithMetrics(s.metrics),
		WithRoutes(routeTable{"account/login": true}),
		WithRetryAfter(30 * time.Second),
	}
	s.server = New(s.reg, res, append(base, opts...)...)
	return s
}

func (s *testSite) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer(t *testing.T) {
	tests := []struct {
		Name   string
		TestFn func(t *testing.T)
	}{
		{"ResolvesPage", testResolvesPage},
		{"StripsExtension", testStripsExtension},
		{"NotFound", testNotFound},
		{"Redirect", testRedirect},
		{"Routed", testRouted},
		{"LanguageHeader", testLanguageHeader},
		{"UnknownLanguage", testUnknownLanguage},
		{"IgnoredPath", testIgnoredPath},
		{"ReindexingReturns503", testReindexingReturns503},
		{"PageAPI", testPageAPI},
		{"ChildrenAndPathAPI", testChildrenAndPathAPI},
		{"RebuildAPI", testRebuildAPI},
		{"HealthAndMetrics", testHealthAndMetrics},
	}
	for _, tt := range tests {
		t.Run(tt.Name, tt.TestFn)
	}
}

func testResolvesPage(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/products/widgets/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[ResolveResponse](t, rec)
	assert.Equal(t, "matched", body.Outcome)
	require.NotNil(t, body.Page)
	assert.Equal(t, s.widgets, body.Page.PageID)
	assert.Equal(t, "/products/widgets/", body.Page.URL)
	assert.Equal(t, 1, body.Page.TreeLevel)
	assert.True(t, body.Page.Published)
	assert.Equal(t, 2, body.Depth)
}

func testStripsExtension(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/products.ASPX", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.products, decode[ResolveResponse](t, rec).Page.PageID)
}

func testNotFound(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/products/missing/deeper", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decode[ResolveResponse](t, rec)
	assert.Equal(t, "not_found", body.Outcome)
	assert.Nil(t, body.Page)
	assert.Equal(t, 1, body.Depth)
	assert.Equal(t, []string{"missing", "deeper"}, body.Remaining)

	root := s.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusNotFound, root.Code)
}

func testRedirect(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/Old-Widgets/", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/products/widgets/", rec.Header().Get("Location"))
}

func testRouted(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/account/login", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "routed", decode[ResolveResponse](t, rec).Outcome)
}

func testLanguageHeader(t *testing.T) {
	s := newTestSite(t)

	rec := s.do(http.MethodGet, "/produkte", map[string]string{"X-Language-Id": "2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.products, decode[ResolveResponse](t, rec).Page.PageID)

	rec = s.do(http.MethodGet, "/produkte", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "default language has no such page")

	rec = s.do(http.MethodGet, "/produkte", map[string]string{"X-Language-Id": "de"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	custom := newTestSite(t, WithLanguageHeader("X-Lang"), WithDefaultLanguage(2))
	rec = custom.do(http.MethodGet, "/produkte", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func testUnknownLanguage(t *testing.T) {
	s := newTestSite(t)
	rec := s.do(http.MethodGet, "/products", map[string]string{"X-Language-Id": "9"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "no page index")
}

func testIgnoredPath(t *testing.T) {
	s := newTestSite(t, WithIgnore(IgnoreLines("admin", "*.php")))

	rec := s.do(http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(http.MethodGet, "/wp-login.php", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, s.store.PageLoads(1), "ignored requests never build an index")

	rec = s.do(http.MethodGet, "/products", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func testReindexingReturns503(t *testing.T) {
	s := newTestSite(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.store.PagesHook = func(context.Context, int) {
		once.Do(func() { close(started) })
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- s.reg.RebuildAll(context.Background()) }()
	<-started

	rec := s.do(http.MethodGet, "/products", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	rec = s.do(http.MethodPost, "/api/index/rebuild", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
	require.NoError(t, <-done)

	rec = s.do(http.MethodGet, "/products", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func testPageAPI(t *testing.T) {
	s := newTestSite(t)

	rec := s.do(http.MethodGet, "/api/pages/"+s.widgets.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[PageSummary](t, rec)
	assert.Equal(t, s.widgets, body.PageID)
	assert.Equal(t, s.products, body.ParentID)
	assert.Equal(t, "widgets", body.Name)

	rec = s.do(http.MethodGet, "/api/pages/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/pages/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func testChildrenAndPathAPI(t *testing.T) {
	s := newTestSite(t)

	rec := s.do(http.MethodGet, "/api/pages/"+uuid.Nil.String()+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	top := decode[[]PageSummary](t, rec)
	require.Len(t, top, 2)
	assert.Equal(t, s.products, top[0].PageID)
	assert.Equal(t, s.admin, top[1].PageID)

	rec = s.do(http.MethodGet, "/api/pages/"+s.products.String()+"/children?state=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	children := decode[[]PageSummary](t, rec)
	require.Len(t, children, 1)
	assert.Equal(t, s.widgets, children[0].PageID)

	rec = s.do(http.MethodGet, "/api/pages/"+s.products.String()+"/children?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/pages/"+s.widgets.String()+"/path", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{s.products, s.widgets}, decode[[]uuid.UUID](t, rec))

	rec = s.do(http.MethodGet, "/api/pages/"+uuid.NewString()+"/path", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func testRebuildAPI(t *testing.T) {
	s := newTestSite(t)

	rec := s.do(http.MethodPost, "/api/index/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Languages []int              `json:"languages"`
		Stats     []trees.IndexStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int{1, 2}, body.Languages)
	require.Len(t, body.Stats, 2)
	assert.Equal(t, 3, body.Stats[0].TotalNodes)
	assert.Equal(t, 1, body.Stats[1].TotalNodes)

	rec = s.do(http.MethodGet, "/api/index/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]trees.IndexStats](t, rec), 2)
}

func testHealthAndMetrics(t *testing.T) {
	s := newTestSite(t)

	rec := s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["rebuilding"])

	s.do(http.MethodGet, "/products", nil)
	s.do(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues("GET /", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues("GET /", "404")))

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "pidx_resolve_total"))

	noMetrics := newTestSite(t, WithMetricsPath(""))
	rec = noMetrics.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "falls through to page resolution")
}

func TestLoadIgnore(t *testing.T) {
	ig, err := LoadIgnore("")
	require.NoError(t, err)
	assert.Nil(t, ig)

	ig, err = LoadIgnore(t.TempDir() + "/missing")
	require.NoError(t, err)
	assert.Nil(t, ig)

	path := t.TempDir() + "/.pidx-ignore"
	require.NoError(t, writeFile(path, "# comment\nstatic/\n*.php\n"))
	ig, err = LoadIgnore(path)
	require.NoError(t, err)
	require.NotNil(t, ig)
	assert.True(t, ig.MatchesPath("index.php"))
	assert.True(t, ig.MatchesPath("static/app.js"))
	assert.False(t, ig.MatchesPath("products/widgets"))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
