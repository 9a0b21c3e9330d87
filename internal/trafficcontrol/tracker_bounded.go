package trafficcontrol

import (
	"net/netip"
	"sync/atomic"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// boundedTrackerCapacity is the number of client windows the bounded tracker
// admits before ristretto's TinyLFU starts evicting the least-valuable ones.
const boundedTrackerCapacity = 100_000

// boundedTracker keeps client windows in a ristretto cache with a hard memory
// ceiling. Under a cache-exhaustion attack (many distinct spoofed sources)
// low-frequency windows get evicted and re-admitted at zero, so measured rates
// can only undercount. The highest observed rate is tracked as a running max
// per interval because the cache cannot be iterated.
type boundedTracker struct {
	cache      *ristretto.Cache[string, *window]
	tick       atomic.Uint64
	highest    atomicMax
	buckets    int
	windowSecs float64
	scale      float64
	windowCost int64
}

func newBoundedTracker(buckets int, windowSecs, scale float64) *boundedTracker {
	windowCost := int64(unsafe.Sizeof(window{})) + int64(buckets)*8
	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: boundedTrackerCapacity * 10,
		MaxCost:     boundedTrackerCapacity * windowCost,
		BufferItems: 64,
	})
	if err != nil {
		// Config is fully static, NewCache only fails on invalid config.
		panic(err)
	}
	return &boundedTracker{
		cache:      cache,
		buckets:    buckets,
		windowSecs: windowSecs,
		scale:      scale,
		windowCost: windowCost,
	}
}

func (t *boundedTracker) Record(addr netip.Addr, n float64) {
	tick := t.tick.Load()
	key := addr.String()

	w, ok := t.cache.Get(key)
	if !ok {
		w = newWindow(t.buckets, tick)
		t.cache.Set(key, w, t.windowCost)
		// Sets are buffered; wait so the immediate re-Get below and
		// subsequent Rate calls observe the window.
		t.cache.Wait()
		// A concurrent Record may have won the set race.
		if cur, found := t.cache.Get(key); found {
			w = cur
		}
	}

	w.add(tick, n)
	t.highest.observe(w.sum(tick) / t.windowSecs * t.scale)
}

func (t *boundedTracker) Rate(addr netip.Addr) float64 {
	w, ok := t.cache.Get(addr.String())
	if !ok {
		return 0
	}
	return w.sum(t.tick.Load()) / t.windowSecs * t.scale
}

// HighestRate returns the highest per-client rate observed since the last
// Advance.
func (t *boundedTracker) HighestRate() float64 { return t.highest.load() }

func (t *boundedTracker) Advance() {
	t.tick.Add(1)
	t.highest.reset()
}

func (t *boundedTracker) Close() { t.cache.Close() }
