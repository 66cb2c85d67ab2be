package resolver

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutePrefixes(t *testing.T) {
	routes := NewRoutePrefixes("/Account/", "api/v1", " ", "")
	assert.Equal(t, RoutePrefixes{"account", "api/v1"}, routes)

	tests := []struct {
		path string
		want bool
	}{
		{"account", true},
		{"Account/Login", true},
		{"api/v1/pages", true},
		{"api/v2", false},
		{"accounts", false},
		{"products", false},
	}
	for _, tt := range tests {
		ok, err := routes.TryRoute(context.Background(), Request{Path: tt.path})
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.path)
	}
}

func TestSubpathExtender(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	ok, err := SubpathExtender{}.HandleRequest(ctx, id, []string{"2024", "05", "story"})
	require.NoError(t, err)
	assert.True(t, ok, "zero depth is unlimited")

	ok, _ = SubpathExtender{MaxDepth: 2}.HandleRequest(ctx, id, []string{"2024", "05", "story"})
	assert.False(t, ok)
	ok, _ = SubpathExtender{MaxDepth: 2}.HandleRequest(ctx, id, []string{"2024"})
	assert.True(t, ok)
	ok, _ = SubpathExtender{}.HandleRequest(ctx, id, nil)
	assert.False(t, ok)
}

func TestConfiguredRoutesAndTypes(t *testing.T) {
	s := newSite(t)
	r := New(s.reg,
		WithLogger(zerolog.Nop()),
		WithRedirects(s.store),
		WithPageTypes(ExtendTypes(SubpathExtender{MaxDepth: 1}, newsType)),
	)
	routes := NewRoutePrefixes("account")
	ctx := context.Background()

	res, err := r.Resolve(ctx, 1, "news/2024", routes)
	require.NoError(t, err)
	assert.Equal(t, Extended, res.Outcome)
	assert.Equal(t, s.news, res.Page.PageID)
	assert.Equal(t, []string{"2024"}, res.Remaining)

	res, err = r.Resolve(ctx, 1, "news/2024/05", routes)
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome, "deeper than the extender allows")

	res, err = r.Resolve(ctx, 1, "account/login", routes)
	require.NoError(t, err)
	assert.Equal(t, Routed, res.Outcome)
	assert.Equal(t, []string{"account", "login"}, res.Remaining)

	res, err = r.Resolve(ctx, 1, "products/widgets", routes)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, s.widgets, res.Page.PageID)
}
