package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(2, 2, 5)
	fixed := time.Unix(0, 0)
	l.now = func() time.Time { return fixed }

	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestBanPersistsUntilExpiry(t *testing.T) {
	l := New(2, 2, 5)
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	assert.False(t, l.Allow("1.2.3.4")) // triggers ban

	now = now.Add(1 * time.Second)
	assert.False(t, l.Allow("1.2.3.4")) // still banned

	now = now.Add(6 * time.Second)
	assert.True(t, l.Allow("1.2.3.4")) // ban expired, same bucket refilled to burst
}

func TestDistinctClientsIndependent(t *testing.T) {
	l := New(1, 1, 0)
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}
