package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWRRDistributesProportionallyToWeight(t *testing.T) {
	w := NewWRR([]Member{{Addr: "a", Weight: 1}, {Addr: "b", Weight: 3}}, time.Second)
	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		m, ok := w.Next()
		require.True(t, ok)
		counts[m.Addr]++
	}
	assert.InDelta(t, 3, float64(counts["b"])/float64(counts["a"]), 0.3)
}

func TestWRRExcludesFailedMemberUntilExpiry(t *testing.T) {
	fixed := time.Unix(0, 0)
	w := NewWRR([]Member{{Addr: "a", Weight: 1}, {Addr: "b", Weight: 1}}, time.Minute)
	w.now = func() time.Time { return fixed }
	w.MarkFailed("a")

	for i := 0; i < 10; i++ {
		m, ok := w.Next()
		require.True(t, ok)
		assert.Equal(t, "b", m.Addr)
	}
}

func TestWRRKeepsOneCandidateWhenAllExcluded(t *testing.T) {
	fixed := time.Unix(0, 0)
	w := NewWRR([]Member{{Addr: "a", Weight: 1}, {Addr: "b", Weight: 1}}, time.Minute)
	w.now = func() time.Time { return fixed }
	w.MarkFailed("a")
	w.MarkFailed("b")

	m, ok := w.Next()
	require.True(t, ok)
	assert.NotEmpty(t, m.Addr)
}

func TestRingRemapBoundOnMemberRemoval(t *testing.T) {
	const n = 8
	const k = 2000
	members := make([]Member, n)
	for i := range members {
		members[i] = Member{Addr: fmt.Sprintf("member-%d", i), Weight: 1}
	}
	before := NewRing(members, time.Minute)

	assignments := make(map[string]string, k)
	for i := 0; i < k; i++ {
		key := fmt.Sprintf("client-%d", i)
		m, ok := before.Pick(key)
		require.True(t, ok)
		assignments[key] = m.Addr
	}

	after := NewRing(members[:n-1], time.Minute)
	remapped := 0
	for key, oldAddr := range assignments {
		m, ok := after.Pick(key)
		require.True(t, ok)
		if m.Addr != oldAddr {
			remapped++
		}
	}

	bound := (k + n - 1) / n // ceil(k/n)
	assert.LessOrEqual(t, remapped, bound, "remapped %d of %d keys, bound is %d", remapped, k, bound)
}

func TestRingFallsBackToEligibleMemberWhenPreferredFails(t *testing.T) {
	members := []Member{{Addr: "a", Weight: 1}, {Addr: "b", Weight: 1}}
	r := NewRing(members, time.Minute)
	fixed := time.Unix(0, 0)
	r.now = func() time.Time { return fixed }

	m, ok := r.Pick("some-client")
	require.True(t, ok)
	r.MarkFailed(m.Addr)

	m2, ok := r.Pick("some-client")
	require.True(t, ok)
	assert.NotEqual(t, m.Addr, m2.Addr)
}
