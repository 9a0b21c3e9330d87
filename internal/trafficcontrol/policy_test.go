package trafficcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodegate/nodegate/internal/config"
)

func TestNoopPolicy(t *testing.T) {
	p := NewPolicy(config.ThresholdPolicyConfig{Type: config.PolicyNoOp}, 1)
	defer p.Close()

	for i := 0; i < 1000; i++ {
		v := p.Handle(Tally{Direct: addr(t, "203.0.113.7")})
		assert.False(t, v.Any())
	}
	assert.Zero(t, p.UpdateInterval())
}

func TestFreqThresholdPolicy(t *testing.T) {
	cfg := config.ThresholdPolicyConfig{
		Type:                   config.PolicyFreqThreshold,
		ClientThreshold:        5, // req/s over a 10s window → 50 requests
		ProxiedClientThreshold: 2,
		WindowSizeSecs:         10,
		UpdateIntervalSecs:     2,
		Tracker:                config.TrackerExact,
	}

	t.Run("no block at or under the threshold", func(t *testing.T) {
		p := NewPolicy(cfg, 1)
		defer p.Close()

		// Exactly at the threshold: 50 tallies in one window is 5 req/s,
		// which does not exceed 5.
		for i := 0; i < 50; i++ {
			v := p.Handle(Tally{Direct: addr(t, "203.0.113.7")})
			assert.False(t, v.Any(), "tally %d must not block", i)
		}
	})

	t.Run("blocks once the rate exceeds the threshold", func(t *testing.T) {
		p := NewPolicy(cfg, 1)
		defer p.Close()

		var blocked bool
		for i := 0; i < 51; i++ {
			if p.Handle(Tally{Direct: addr(t, "203.0.113.7")}).BlockDirect {
				blocked = true
			}
		}
		assert.True(t, blocked)
	})

	t.Run("sampling scale lowers the tally count needed", func(t *testing.T) {
		// scale 10 ⇒ every tally counts as ten requests.
		p := NewPolicy(cfg, 10)
		defer p.Close()

		var blocked bool
		for i := 0; i < 6; i++ {
			if p.Handle(Tally{Direct: addr(t, "203.0.113.7")}).BlockDirect {
				blocked = true
			}
		}
		assert.True(t, blocked)
	})

	t.Run("proxied identity tracked against its own threshold", func(t *testing.T) {
		p := NewPolicy(cfg, 1)
		defer p.Close()

		proxy := addr(t, "10.0.0.2")
		client := addr(t, "203.0.113.7")

		var v Verdict
		// 21 tallies over a 10s window: client rate 2.1 > 2 (proxied
		// threshold) but ≤ 5 (direct threshold applies to the proxy).
		for i := 0; i < 21; i++ {
			v = v.union(p.Handle(Tally{Direct: proxy, Proxied: client}))
		}
		assert.False(t, v.BlockDirect)
		assert.True(t, v.BlockProxied)
	})

	t.Run("rate drains after a full window of silence", func(t *testing.T) {
		p := NewPolicy(cfg, 1)
		defer p.Close()

		for i := 0; i < 51; i++ {
			p.Handle(Tally{Direct: addr(t, "203.0.113.7")})
		}

		// 10s window / 2s interval = 5 buckets.
		for i := 0; i < 5; i++ {
			p.Advance()
		}
		v := p.Handle(Tally{Direct: addr(t, "203.0.113.7")})
		assert.False(t, v.Any())
	})

	t.Run("independent clients do not interfere", func(t *testing.T) {
		p := NewPolicy(cfg, 1)
		defer p.Close()

		for i := 0; i < 60; i++ {
			p.Handle(Tally{Direct: addr(t, "203.0.113.7")})
		}
		v := p.Handle(Tally{Direct: addr(t, "198.51.100.1")})
		assert.False(t, v.Any())
	})
}

func TestVerdictUnion(t *testing.T) {
	assert.False(t, Verdict{}.Any())
	assert.True(t, Verdict{BlockDirect: true}.Any())

	got := Verdict{BlockDirect: true}.union(Verdict{BlockProxied: true})
	assert.True(t, got.BlockDirect)
	assert.True(t, got.BlockProxied)
}
