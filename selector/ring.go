package selector

import (
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
)

// Ring selects a Stream upstream member by rendezvous (highest random
// weight) hashing of the client address, satisfying spec §8's bound
// that removing one of N equal-weight members remaps at most ceil(K/N)
// of K existing client->member assignments. original_source's
// stream_proxy.rs uses hash(key) % len(members), which does not
// satisfy that bound; this supersedes it per DESIGN.md decision 7.
type Ring struct {
	mu       sync.RWMutex
	rendez   *rendezvous.Rendezvous
	members  map[string]Member
	replicas []string // every weighted replica name NewRing handed to rendezvous.New
	fails    map[string]*failState
	now      func() time.Time
	failFor  time.Duration
}

func hashString(s string) uint64 {
	// FNV-1a, the same non-cryptographic hash rendezvous.New expects.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// NewRing builds a consistent-hash ring over members. Each member is
// represented once per unit of weight, so heavier members receive a
// proportionally larger share of the keyspace.
func NewRing(members []Member, failFor time.Duration) *Ring {
	names := make([]string, 0, len(members))
	byName := make(map[string]Member, len(members))
	for _, m := range members {
		weight := m.Weight
		if weight < 1 {
			weight = 1
		}
		byName[m.Addr] = m
		for i := 0; i < weight; i++ {
			replica := m.Addr
			if i > 0 {
				replica = m.Addr + "#" + itoa(i)
			}
			names = append(names, replica)
		}
	}
	return &Ring{
		rendez:   rendezvous.New(names, hashString),
		members:  byName,
		replicas: names,
		fails:    make(map[string]*failState),
		now:      time.Now,
		failFor:  failFor,
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	buf := [20]byte{}
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func baseAddr(replica string) string {
	for i := 0; i < len(replica); i++ {
		if replica[i] == '#' {
			return replica[:i]
		}
	}
	return replica
}

// Pick returns the member responsible for key (typically the client
// address), honoring passive-failure exclusion the same way WRR does.
func (r *Ring) Pick(key string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) == 0 {
		return Member{}, false
	}

	now := r.now()
	replica := r.rendez.Lookup(key)
	addr := baseAddr(replica)
	if fs, ok := r.fails[addr]; !ok || now.After(fs.until) {
		return r.members[addr], true
	}

	// Primary winner excluded: re-rank every replica by the same
	// rendezvous score the primary lookup used (go-rendezvous's
	// xorshift-multiply mix of key hash XOR replica hash), skipping replicas whose
	// base member is currently failed, so the runner-up is the
	// deterministic next-highest-scoring member rather than whichever
	// one a map iteration happens to visit first. Weight is preserved
	// since heavier members contribute more replicas to the race.
	khash := hashString(key)
	var bestReplica string
	var bestScore uint64
	haveEligible := false
	for _, rep := range r.replicas {
		base := baseAddr(rep)
		if fs, failed := r.fails[base]; failed && !now.After(fs.until) {
			continue
		}
		x := hashString(rep) ^ khash
		x ^= x >> 12
		x ^= x << 25
		x ^= x >> 27
		score := x * 2685821657736338717
		if !haveEligible || score > bestScore {
			bestScore = score
			bestReplica = rep
			haveEligible = true
		}
	}
	if haveEligible {
		return r.members[baseAddr(bestReplica)], true
	}

	// Every member is currently excluded: force-include the
	// soonest-to-expire one so at least one candidate remains eligible
	// (spec §9's liveness guarantee). Iteration order doesn't matter
	// here since ties are broken by the fs.until comparison itself.
	var best string
	var bestUntil time.Time
	for a := range r.members {
		fs := r.fails[a]
		if bestUntil.IsZero() || fs.until.Before(bestUntil) {
			bestUntil = fs.until
			best = a
		}
	}
	return r.members[best], true
}

// MarkFailed excludes addr until the fail-timeout elapses.
func (r *Ring) MarkFailed(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[addr] = &failState{until: r.now().Add(r.failFor)}
}

// Count returns the number of distinct members (not replicas).
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
