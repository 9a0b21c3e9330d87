package trafficcontrol

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/identity"
	"github.com/nodegate/nodegate/internal/nodefw"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastSpamPolicy trips after two tallies from the same client within a second.
func fastSpamPolicy() config.ThresholdPolicyConfig {
	return config.ThresholdPolicyConfig{
		Type:                   config.PolicyFreqThreshold,
		ClientThreshold:        1,
		ProxiedClientThreshold: 1,
		WindowSizeSecs:         1,
		UpdateIntervalSecs:     1,
		Tracker:                config.TrackerExact,
	}
}

func newTestController(t *testing.T, mutate func(*Params)) *Controller {
	t.Helper()
	defaults := config.Defaults()
	p := Params{
		Policy:   defaults.Policy,
		Firewall: defaults.Firewall,
		Metrics:  newTestMetrics(),
		Logger:   discardLogger(),
	}
	if mutate != nil {
		mutate(&p)
	}
	c, err := New(p)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func resolution(t *testing.T, direct string) identity.Resolution {
	t.Helper()
	return identity.Resolution{Direct: addr(t, direct)}
}

func TestControllerAdmit(t *testing.T) {
	t.Run("unknown clients are admitted", func(t *testing.T) {
		c := newTestController(t, nil)
		assert.True(t, c.Admit(resolution(t, "203.0.113.7")))
		assert.Equal(t, int64(1), c.metrics.Snapshot().Admitted)
	})

	t.Run("locally blocked clients are rejected", func(t *testing.T) {
		c := newTestController(t, nil)
		c.connBlocklist.Insert(addr(t, "203.0.113.7"))

		assert.False(t, c.Admit(resolution(t, "203.0.113.7")))
		assert.Equal(t, int64(1), c.metrics.Snapshot().Blocked)
	})

	t.Run("blocked proxied identity is rejected", func(t *testing.T) {
		c := newTestController(t, nil)
		c.proxyBlocklist.Insert(addr(t, "203.0.113.7"))

		res := identity.Resolution{
			Direct:  addr(t, "10.0.0.2"),
			Proxied: addr(t, "203.0.113.7"),
		}
		assert.False(t, c.Admit(res))
		// The proxy's own address is not blocked.
		assert.True(t, c.Admit(resolution(t, "10.0.0.2")))
	})
}

func TestControllerBlocksSpammingClient(t *testing.T) {
	c := newTestController(t, func(p *Params) {
		p.Policy.SpamPolicy = fastSpamPolicy()
	})
	require.NoError(t, c.Start())

	res := resolution(t, "203.0.113.7")
	for i := 0; i < 5; i++ {
		c.ReportOutcome(res, OutcomeOK)
	}

	require.Eventually(t, func() bool {
		return !c.Admit(res)
	}, 2*time.Second, 10*time.Millisecond, "spamming client must end up blocked")

	// An unrelated client stays admitted.
	assert.True(t, c.Admit(resolution(t, "198.51.100.1")))
}

func TestControllerErrorPolicy(t *testing.T) {
	c := newTestController(t, func(p *Params) {
		p.Policy.ErrorPolicy = fastSpamPolicy()
		p.Policy.SpamSampleRate = 0 // isolate the error pipeline
	})
	require.NoError(t, c.Start())

	good := resolution(t, "198.51.100.1")
	bad := resolution(t, "203.0.113.7")
	for i := 0; i < 5; i++ {
		c.ReportOutcome(bad, OutcomeError)
		c.ReportOutcome(good, OutcomeOK)
	}

	require.Eventually(t, func() bool {
		return !c.Admit(bad)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Admit(good), "ok outcomes must not feed the error policy")
}

func TestControllerDryRun(t *testing.T) {
	c := newTestController(t, func(p *Params) {
		p.Policy.SpamPolicy = fastSpamPolicy()
		p.Policy.DryRun = true
	})
	require.NoError(t, c.Start())

	res := resolution(t, "203.0.113.7")
	for i := 0; i < 5; i++ {
		c.ReportOutcome(res, OutcomeOK)
	}

	// The insert still happens (visible via the blocklist), but admission
	// is never denied and the would-have-blocked counter accounts exactly.
	require.Eventually(t, func() bool {
		return c.connBlocklist.IsBlocked(addr(t, "203.0.113.7"))
	}, 2*time.Second, 10*time.Millisecond)

	before := c.metrics.Snapshot().DryRunBlocked
	assert.True(t, c.Admit(res))
	assert.True(t, c.Admit(res))
	assert.Equal(t, before+2, c.metrics.Snapshot().DryRunBlocked)
	assert.Zero(t, c.metrics.Snapshot().Blocked)
}

func TestControllerSinkSaturation(t *testing.T) {
	c := newTestController(t, func(p *Params) {
		p.Policy.ChannelCapacity = 2
	})
	// Not started: nothing drains the sink.

	res := resolution(t, "203.0.113.7")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			c.ReportOutcome(res, OutcomeOK)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReportOutcome blocked on a saturated sink")
	}

	snap := c.metrics.Snapshot()
	assert.Equal(t, int64(98), snap.TalliesDropped)
	assert.Equal(t, int64(2), snap.TalliesReceived)
}

// fwServer is a stub firewall control plane recording block requests.
type fwServer struct {
	mu       sync.Mutex
	requests []nodefw.BlockRequest
	srv      *httptest.Server
}

func newFWServer(t *testing.T) *fwServer {
	t.Helper()
	f := &fwServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req nodefw.BlockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fwServer) blocked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, req := range f.requests {
		for _, a := range req.Addresses {
			out = append(out, a.SourceAddress)
		}
	}
	return out
}

func firewallCfg(f *fwServer, drainPath string) config.FirewallConfig {
	return config.FirewallConfig{
		Enabled:               true,
		RemoteURL:             f.srv.URL,
		DestinationPort:       9000,
		DelegateSpamBlocking:  true,
		DrainPath:             drainPath,
		DrainTimeoutSecs:      300,
		RequestTimeout:        "2s",
		MaxConcurrentRequests: 5,
		OnDrain:               config.DrainFallbackLocal,
	}
}

func TestControllerDelegation(t *testing.T) {
	fw := newFWServer(t)
	c := newTestController(t, func(p *Params) {
		p.Policy.SpamPolicy = fastSpamPolicy()
		p.Firewall = firewallCfg(fw, filepath.Join(t.TempDir(), "fw.drain"))
	})
	require.NoError(t, c.Start())

	res := resolution(t, "203.0.113.7")
	for i := 0; i < 5; i++ {
		c.ReportOutcome(res, OutcomeOK)
	}

	require.Eventually(t, func() bool {
		return len(fw.blocked()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, fw.blocked(), "203.0.113.7")

	// Local insertion is suppressed for the delegated policy.
	assert.True(t, c.Admit(res))
	assert.Positive(t, c.metrics.Snapshot().DelegatedBlocks)
}

func TestControllerDeadMansSwitch(t *testing.T) {
	t.Run("trips after drain timeout and falls back locally", func(t *testing.T) {
		fw := newFWServer(t)
		drainPath := filepath.Join(t.TempDir(), "fw.drain")
		c := newTestController(t, func(p *Params) {
			p.Policy.SpamPolicy = fastSpamPolicy()
			p.Firewall = firewallCfg(fw, drainPath)
		})
		c.drainTimeout = 50 * time.Millisecond
		require.NoError(t, c.Start())

		// No tallies arrive: the switch must trip within one timeout.
		require.Eventually(t, func() bool {
			return nodefw.DrainFileExists(drainPath)
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.PromDeadMansSwitch))

		// on_drain: local — enforcement continues via the local blocklist.
		res := resolution(t, "203.0.113.7")
		for i := 0; i < 5; i++ {
			c.ReportOutcome(res, OutcomeOK)
		}
		require.Eventually(t, func() bool {
			return !c.Admit(res)
		}, 2*time.Second, 10*time.Millisecond)
		assert.Empty(t, fw.blocked(), "tripped switch must stop delegation")
	})

	t.Run("on_drain open admits delegated traffic", func(t *testing.T) {
		fw := newFWServer(t)
		drainPath := filepath.Join(t.TempDir(), "fw.drain")
		require.NoError(t, nodefw.TouchDrainFile(drainPath))

		c := newTestController(t, func(p *Params) {
			p.Policy.SpamPolicy = fastSpamPolicy()
			fwCfg := firewallCfg(fw, drainPath)
			fwCfg.OnDrain = config.DrainFallbackOpen
			p.Firewall = fwCfg
		})
		require.NoError(t, c.Start())

		res := resolution(t, "203.0.113.7")
		for i := 0; i < 10; i++ {
			c.ReportOutcome(res, OutcomeOK)
		}

		// Give the tally loop time to process, then verify nothing blocked.
		require.Eventually(t, func() bool {
			return c.metrics.Snapshot().TalliesHandled >= 10
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, c.Admit(res))
		assert.Empty(t, fw.blocked())
	})

	t.Run("drain file present at startup suspends delegation", func(t *testing.T) {
		fw := newFWServer(t)
		drainPath := filepath.Join(t.TempDir(), "fw.drain")
		require.NoError(t, nodefw.TouchDrainFile(drainPath))

		c := newTestController(t, func(p *Params) {
			p.Firewall = firewallCfg(fw, drainPath)
		})
		assert.True(t, c.drained.Load())
		assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.PromDeadMansSwitch))
	})
}

func TestControllerSweepRefreshesGauges(t *testing.T) {
	c := newTestController(t, nil)
	c.sweepEvery = 20 * time.Millisecond
	require.NoError(t, c.Start())

	c.connBlocklist.Insert(addr(t, "203.0.113.7"))
	c.proxyBlocklist.Insert(addr(t, "2001:db8::1"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.PromConnBlocklistLen) == 1 &&
			testutil.ToFloat64(c.metrics.PromProxyBlocklistLen) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControllerLifecycle(t *testing.T) {
	t.Run("start after close fails", func(t *testing.T) {
		c := newTestController(t, nil)
		c.Close()
		assert.ErrorIs(t, c.Start(), ErrControllerClosed)
	})

	t.Run("double start fails", func(t *testing.T) {
		c := newTestController(t, nil)
		require.NoError(t, c.Start())
		assert.Error(t, c.Start())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		c := newTestController(t, nil)
		require.NoError(t, c.Start())
		c.Close()
		c.Close()
	})

	t.Run("admit still answers after close", func(t *testing.T) {
		c := newTestController(t, nil)
		require.NoError(t, c.Start())
		c.connBlocklist.Insert(addr(t, "203.0.113.7"))
		c.Close()

		assert.False(t, c.Admit(resolution(t, "203.0.113.7")))
		assert.True(t, c.Admit(resolution(t, "198.51.100.1")))
	})
}
