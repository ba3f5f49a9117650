package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestKeyedLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	kl := newKeyedLimiter(rate.Limit(1), 3)

	assert.True(t, kl.allow("user-1"))
	assert.True(t, kl.allow("user-1"))
	assert.True(t, kl.allow("user-1"))
	assert.False(t, kl.allow("user-1"))
}

func TestKeyedLimiterTracksKeysIndependently(t *testing.T) {
	kl := newKeyedLimiter(rate.Limit(1), 1)

	assert.True(t, kl.allow("user-1"))
	assert.False(t, kl.allow("user-1"))
	assert.True(t, kl.allow("user-2"))
}

func TestKeyedLimiterGCDropsIdleKeys(t *testing.T) {
	kl := newKeyedLimiter(rate.Limit(1), 1)
	kl.allow("stale")
	kl.seen["stale"].lastSeen = time.Now().Add(-time.Hour)

	kl.gc(time.Now())

	_, stillPresent := kl.seen["stale"]
	assert.False(t, stillPresent)
}
