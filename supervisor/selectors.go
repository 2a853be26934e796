package supervisor

import (
	"strconv"
	"sync"
	"time"

	"dito/config"
	"dito/selector"
)

const defaultFailWindow = 30 * time.Second

// selectorCache builds and caches one WRR selector per HTTP/WS route
// (keyed by route ID plus its upstream URLs and weights, so a route
// whose upstream list changes gets a fresh selector) and one Ring
// selector per stream upstream group
// (keyed by upstream name), so repeated requests reuse the same
// passive-failure state instead of rebuilding it every call.
type selectorCache struct {
	mu   sync.Mutex
	wrr  map[string]*selector.WRR
	ring map[string]*selector.Ring
}

func newSelectorCache() *selectorCache {
	return &selectorCache{wrr: make(map[string]*selector.WRR), ring: make(map[string]*selector.Ring)}
}

func (c *selectorCache) wrrFor(routeID string, targets []config.UpstreamTarget) *selector.WRR {
	key := routeID
	for _, t := range targets {
		key += "|" + t.URL + "#" + strconv.Itoa(t.Weight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.wrr[key]; ok {
		return w
	}
	members := make([]selector.Member, 0, len(targets))
	for _, t := range targets {
		weight := t.Weight
		if weight <= 0 {
			weight = 1
		}
		members = append(members, selector.Member{Addr: hostPortOf(t.URL), Weight: weight})
	}
	w := selector.NewWRR(members, defaultFailWindow)
	c.wrr[key] = w
	return w
}

func (c *selectorCache) ringFor(name string, upstream config.StreamUpstream) *selector.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.ring[name]; ok {
		return r
	}
	members := make([]selector.Member, 0, len(upstream.Members))
	for _, t := range upstream.Members {
		weight := t.Weight
		if weight <= 0 {
			weight = 1
		}
		members = append(members, selector.Member{Addr: t.URL, Weight: weight})
	}
	r := selector.NewRing(members, defaultFailWindow)
	c.ring[name] = r
	return r
}

// hostPortOf extracts host:port from a full upstream URL (e.g.
// "http://10.0.0.1:9000" -> "10.0.0.1:9000"), since selector.Member
// deals only in bare authorities.
func hostPortOf(rawURL string) string {
	i := indexAfterScheme(rawURL)
	return rawURL[i:]
}

func indexAfterScheme(rawURL string) int {
	for idx := 0; idx+2 < len(rawURL); idx++ {
		if rawURL[idx] == ':' && rawURL[idx+1] == '/' && rawURL[idx+2] == '/' {
			return idx + 3
		}
	}
	return 0
}
