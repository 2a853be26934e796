// Package selector chooses an upstream member for a request: smooth
// weighted round-robin for HTTP/WS routes, and consistent hashing by
// client address for Stream upstreams. Both modes share passive
// failure accounting with a bounded exclusion window.
package selector

import (
	"sync"
	"time"
)

// Member is one weighted upstream candidate.
type Member struct {
	Addr   string
	Weight int
}

// failState tracks passive-failure exclusion for a single member.
type failState struct {
	until time.Time
}

// WRR is a smooth weighted round-robin cursor for one route, grounded
// on original_source/src/proxy.rs's per-route current/total_weight
// selection loop.
type WRR struct {
	mu      sync.Mutex
	members []Member
	current []int // per-member remaining weight credit
	fails   map[string]*failState
	now     func() time.Time
	failFor time.Duration
}

// NewWRR builds a selector over members, with fail-timeout failFor
// governing how long a failed member is excluded.
func NewWRR(members []Member, failFor time.Duration) *WRR {
	return &WRR{
		members: members,
		current: make([]int, len(members)),
		fails:   make(map[string]*failState),
		now:     time.Now,
		failFor: failFor,
	}
}

// Next returns the next member to try, skipping currently-excluded
// members unless every member is excluded, in which case the one
// whose ban expires soonest is returned (spec §9 liveness guarantee).
func (w *WRR) Next() (Member, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.members) == 0 {
		return Member{}, false
	}

	eligible := w.eligibleLocked()
	if len(eligible) == 0 {
		return w.soonestToExpireLocked(), true
	}

	best := -1
	for _, idx := range eligible {
		w.current[idx] += w.members[idx].Weight
		if best == -1 || w.current[idx] > w.current[best] {
			best = idx
		}
	}
	totalWeight := 0
	for _, idx := range eligible {
		totalWeight += w.members[idx].Weight
	}
	w.current[best] -= totalWeight
	return w.members[best], true
}

func (w *WRR) eligibleLocked() []int {
	now := w.now()
	var out []int
	for i, m := range w.members {
		if fs, ok := w.fails[m.Addr]; ok && now.Before(fs.until) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (w *WRR) soonestToExpireLocked() Member {
	best := 0
	var bestUntil time.Time
	for i, m := range w.members {
		fs, ok := w.fails[m.Addr]
		if !ok {
			return m
		}
		if bestUntil.IsZero() || fs.until.Before(bestUntil) {
			bestUntil = fs.until
			best = i
		}
	}
	return w.members[best]
}

// MarkFailed excludes addr until the fail-timeout elapses.
func (w *WRR) MarkFailed(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fails[addr] = &failState{until: w.now().Add(w.failFor)}
}

// Count returns the number of members known to this selector.
func (w *WRR) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.members)
}
