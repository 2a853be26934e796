package httpproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dito/access"
	"dito/config"
	"dito/pool"
	"dito/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	records []Record
}

func (o *recordingObserver) Observe(r Record) { o.records = append(o.records, r) }

func newTestEngine(t *testing.T, upstreamAddr string, route config.HTTPRoute) (*Engine, *recordingObserver) {
	t.Helper()
	rule := &config.HTTPRule{ID: "r1", Enabled: true, Routes: []config.HTTPRoute{route}}
	obs := &recordingObserver{}
	p := pool.New(config.Limits{PoolMaxIdle: 4, PoolIdleTimeoutS: 30})
	ctrl := access.New(config.AccessConfig{AllowAllPublic: true}, nil)

	e := NewEngine(EngineConfig{
		Rule:           rule,
		Access:         ctrl,
		Limits:         config.Limits{MaxRequestBody: 1 << 20, MaxResponseBody: 1 << 20},
		AllowAllPublic: true,
	}, p, func(route *config.HTTPRoute) UpstreamSelector {
		return selector.NewWRR([]selector.Member{{Addr: upstreamAddr, Weight: 1}}, 5*time.Second)
	}, obs, nil)
	return e, obs
}

func TestEngineForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	e, obs := newTestEngine(t, upstream.Listener.Addr().String(), config.HTTPRoute{
		ID: "route1", Enabled: true, PathPrefix: "/", Upstreams: []config.UpstreamTarget{{URL: upstream.URL, Weight: 1}},
	})

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "5.6.7.8:1111"
	rr := httptest.NewRecorder()

	e.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello from upstream", rr.Body.String())
	require.Len(t, obs.records, 1)
	assert.Equal(t, "route1", obs.records[0].RouteID)
}

func TestEngineReturns404OnNoMatchingRoute(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:1", config.HTTPRoute{
		ID: "route1", Enabled: true, PathPrefix: "/only-this",
	})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEngineDeniesBlacklistedClient(t *testing.T) {
	rule := &config.HTTPRule{ID: "r1", Enabled: true, Routes: []config.HTTPRoute{{
		ID: "route1", Enabled: true, PathPrefix: "/", Upstreams: []config.UpstreamTarget{{URL: "http://127.0.0.1:1", Weight: 1}},
	}}}
	ctrl := access.New(config.AccessConfig{
		Blacklist: []config.BlacklistEntry{{IP: "9.9.9.9"}},
	}, nil)
	e := NewEngine(EngineConfig{Rule: rule, Access: ctrl}, pool.New(config.Limits{}), func(route *config.HTTPRoute) UpstreamSelector {
		return selector.NewWRR(nil, time.Second)
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEngineEnforcesBasicAuth(t *testing.T) {
	rule := &config.HTTPRule{
		ID: "r1", Enabled: true,
		BasicAuth: &config.BasicAuth{User: "u", Pass: "p"},
		Routes:    []config.HTTPRoute{{ID: "route1", Enabled: true, PathPrefix: "/", Upstreams: []config.UpstreamTarget{{URL: "http://127.0.0.1:1"}}}},
	}
	e := NewEngine(EngineConfig{
		Rule:           rule,
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		AllowAllPublic: true,
	}, pool.New(config.Limits{}), func(route *config.HTTPRoute) UpstreamSelector { return selector.NewWRR(nil, time.Second) }, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// TestEngineStripsAuthorizationUnlessForwarded covers spec §8 scenario
// 3: with forward=false and a valid Authorization header, the upstream
// must never see it; with forward=true, it must.
func TestEngineStripsAuthorizationUnlessForwarded(t *testing.T) {
	for _, forward := range []bool{false, true} {
		var gotAuth string
		var sawAuth bool
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth, sawAuth = r.Header.Get("Authorization"), r.Header.Get("Authorization") != ""
			w.Write([]byte("ok"))
		}))
		defer upstream.Close()

		rule := &config.HTTPRule{
			ID: "r1", Enabled: true,
			BasicAuth: &config.BasicAuth{User: "u", Pass: "p", Forward: forward},
			Routes: []config.HTTPRoute{{
				ID: "route1", Enabled: true, PathPrefix: "/",
				Upstreams: []config.UpstreamTarget{{URL: upstream.URL, Weight: 1}},
			}},
		}
		e := NewEngine(EngineConfig{
			Rule:           rule,
			Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
			Limits:         config.Limits{MaxRequestBody: 1 << 20, MaxResponseBody: 1 << 20},
			AllowAllPublic: true,
		}, pool.New(config.Limits{}), func(route *config.HTTPRoute) UpstreamSelector {
			return selector.NewWRR([]selector.Member{{Addr: upstream.Listener.Addr().String(), Weight: 1}}, time.Second)
		}, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("u", "p")
		sentAuth := req.Header.Get("Authorization")
		rr := httptest.NewRecorder()
		e.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		if forward {
			assert.True(t, sawAuth, "upstream must see Authorization when forward=true")
			assert.Equal(t, sentAuth, gotAuth)
		} else {
			assert.False(t, sawAuth, "upstream must never see Authorization when forward=false")
		}
	}
}

// TestEngineRetriesOtherUpstreamOnFailure covers spec §8 scenario 5:
// one upstream down, one up, a single request still succeeds by
// retrying against the live member.
func TestEngineRetriesOtherUpstreamOnFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("up"))
	}))
	defer upstream.Close()

	downAddr := "127.0.0.1:1"
	rule := &config.HTTPRule{ID: "r1", Enabled: true, Routes: []config.HTTPRoute{{
		ID: "route1", Enabled: true, PathPrefix: "/",
		Upstreams: []config.UpstreamTarget{{URL: "http://" + downAddr, Weight: 1}, {URL: upstream.URL, Weight: 1}},
	}}}

	members := []selector.Member{{Addr: downAddr, Weight: 1}, {Addr: upstream.Listener.Addr().String(), Weight: 1}}
	wrr := selector.NewWRR(members, 5*time.Second)

	e := NewEngine(EngineConfig{
		Rule:           rule,
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		Limits:         config.Limits{MaxRequestBody: 1 << 20, MaxResponseBody: 1 << 20},
		AllowAllPublic: true,
	}, pool.New(config.Limits{}), func(route *config.HTTPRoute) UpstreamSelector { return wrr }, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "up", rr.Body.String())
}

// TestEngineUpdateSwapsConfigForNextRequest covers spec §4.K: an
// already-constructed Engine must serve the Rule handed to it through
// Update on the very next request, without being rebuilt. The initial
// rule has no route matching "/", so a 200 there only happens once
// Update's new rule is actually live.
func TestEngineUpdateSwapsConfigForNextRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("updated"))
	}))
	defer upstream.Close()

	rule := &config.HTTPRule{ID: "r1", Enabled: true, Routes: []config.HTTPRoute{{
		ID: "route1", Enabled: true, PathPrefix: "/only-this",
	}}}
	e := NewEngine(EngineConfig{
		Rule:           rule,
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		AllowAllPublic: true,
	}, pool.New(config.Limits{}), func(route *config.HTTPRoute) UpstreamSelector {
		members := make([]selector.Member, len(route.Upstreams))
		for i, u := range route.Upstreams {
			members[i] = selector.Member{Addr: u.URL[len("http://"):], Weight: 1}
		}
		return selector.NewWRR(members, time.Second)
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)

	newRule := &config.HTTPRule{ID: "r1", Enabled: true, Routes: []config.HTTPRoute{{
		ID: "route2", Enabled: true, PathPrefix: "/", Upstreams: []config.UpstreamTarget{{URL: upstream.URL, Weight: 1}},
	}}}
	e.Update(EngineConfig{
		Rule:           newRule,
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		Limits:         config.Limits{MaxRequestBody: 1 << 20, MaxResponseBody: 1 << 20},
		AllowAllPublic: true,
	})

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	rr2 := httptest.NewRecorder()
	e.ServeHTTP(rr2, req2)

	assert.Equal(t, http.StatusOK, rr2.Code)
	assert.Equal(t, "updated", rr2.Body.String())
}
