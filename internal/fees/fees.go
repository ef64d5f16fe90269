package fees

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	SourceLive     = "live"
	SourceFallback = "fallback"
)

// Snapshot is the fee view served to every symbol. Rates are in basis points.
type Snapshot struct {
	MakerBps  float64
	TakerBps  float64
	Source    string
	UpdatedAt time.Time
}

// Fetcher queries the account's current fee tier. Implemented by the exchange
// info client.
type Fetcher interface {
	FeeRates(ctx context.Context) (makerBps, takerBps float64, err error)
}

// Cache serves a shared fee snapshot across symbols. A refresh is triggered
// lazily once the snapshot is older than the refresh interval; the pending
// flag guarantees at most one refresh is in flight, with the stale value
// served meanwhile.
type Cache struct {
	fetcher  Fetcher
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	pending bool
}

func NewCache(fetcher Fetcher, interval time.Duration, fallbackMakerBps, fallbackTakerBps float64, log *zap.Logger) *Cache {
	return &Cache{
		fetcher:  fetcher,
		interval: interval,
		log:      log,
		now:      time.Now,
		snap: Snapshot{
			MakerBps: fallbackMakerBps,
			TakerBps: fallbackTakerBps,
			Source:   SourceFallback,
		},
	}
}

// Current returns the cached snapshot and kicks off a background refresh if
// the snapshot is stale and no refresh is already running.
func (c *Cache) Current(ctx context.Context) Snapshot {
	c.mu.Lock()
	snap := c.snap
	needsRefresh := !c.pending && (snap.UpdatedAt.IsZero() || c.now().Sub(snap.UpdatedAt) >= c.interval)
	if needsRefresh {
		c.pending = true
	}
	c.mu.Unlock()
	if needsRefresh {
		go c.refresh(ctx)
	}
	return snap
}

func (c *Cache) refresh(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
	}()
	if c.fetcher == nil {
		return
	}
	maker, taker, err := c.fetcher.FeeRates(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Warn("fee refresh failed, serving cached rates", zap.Error(err))
		}
		c.mu.Lock()
		// Keep the stale value but bump the timestamp so a failing endpoint
		// is retried once per interval, not every tick.
		c.snap.UpdatedAt = c.now()
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.snap = Snapshot{MakerBps: maker, TakerBps: taker, Source: SourceLive, UpdatedAt: c.now()}
	c.mu.Unlock()
}

// SetClock overrides the time source for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
