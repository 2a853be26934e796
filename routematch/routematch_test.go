package routematch

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dito/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule() *config.HTTPRule {
	return &config.HTTPRule{
		Routes: []config.HTTPRoute{
			{ID: "r1", Enabled: true, PathPrefix: "/api", Upstreams: []config.UpstreamTarget{{URL: "http://u1"}}},
			{ID: "r2", Enabled: true, PathPrefix: "/api/v2", Upstreams: []config.UpstreamTarget{{URL: "http://u2"}}},
		},
	}
}

func TestLongestPrefixWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v2/users", nil)
	m, ok := Find(rule(), req)
	require.True(t, ok)
	assert.Equal(t, "r2", m.Route.ID)
}

func TestShorterPrefixWhenLongerDoesNotMatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	m, ok := Find(rule(), req)
	require.True(t, ok)
	assert.Equal(t, "r1", m.Route.ID)
}

func TestNoMatchReturnsFalse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	_, ok := Find(rule(), req)
	assert.False(t, ok)
}

func TestDisabledRouteExcluded(t *testing.T) {
	r := rule()
	r.Routes[1].Enabled = false
	req := httptest.NewRequest(http.MethodGet, "/api/v2/users", nil)
	m, ok := Find(r, req)
	require.True(t, ok)
	assert.Equal(t, "r1", m.Route.ID)
}

func TestWildcardHostMatch(t *testing.T) {
	r := &config.HTTPRule{Routes: []config.HTTPRoute{
		{ID: "w", Enabled: true, Host: "*.example.com", PathPrefix: "/", Upstreams: []config.UpstreamTarget{{URL: "http://u"}}},
	}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "api.example.com"
	m, ok := Find(r, req)
	require.True(t, ok)
	assert.Equal(t, "w", m.Route.ID)

	req.Host = "example.com"
	_, ok = Find(r, req)
	assert.False(t, ok)
}

func TestRequiredHeaderWildcardMatchesAnyNonEmpty(t *testing.T) {
	r := &config.HTTPRule{Routes: []config.HTTPRoute{
		{ID: "h", Enabled: true, PathPrefix: "/", RequiredHeaders: map[string]string{"X-Api-Key": "*"},
			Upstreams: []config.UpstreamTarget{{URL: "http://u"}}},
	}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Api-Key", "anything")
	_, ok := Find(r, req)
	assert.True(t, ok)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok = Find(r, req2)
	assert.False(t, ok)
}

func TestMethodFilter(t *testing.T) {
	r := &config.HTTPRule{Routes: []config.HTTPRoute{
		{ID: "m", Enabled: true, PathPrefix: "/", Methods: []string{"POST"}, Upstreams: []config.UpstreamTarget{{URL: "http://u"}}},
	}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := Find(r, req)
	assert.False(t, ok)

	req2 := httptest.NewRequest(http.MethodPost, "/", nil)
	_, ok = Find(r, req2)
	assert.True(t, ok)
}
