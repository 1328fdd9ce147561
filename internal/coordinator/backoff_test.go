package coordinator

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil), "capped at MaxDelay")

	cfg.Multiplier = 0.5
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 4, nil), "multiplier below 1 is clamped")

	assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 3, nil))
}

func TestNextBackoffDelayJitter(t *testing.T) {
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewPCG(1, 2))

	for attempt := 2; attempt < 8; attempt++ {
		d := NextBackoffDelay(cfg, attempt, rng)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.5))
	}

	// Without an rng the jitter factor is fixed at one half.
	assert.Equal(t, 250*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
}
