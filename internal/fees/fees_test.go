package fees

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubFetcher struct {
	calls   atomic.Int64
	maker   float64
	taker   float64
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *stubFetcher) FeeRates(ctx context.Context) (float64, float64, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.maker, f.taker, f.err
}

func TestCacheServesFallbackBeforeFirstRefresh(t *testing.T) {
	c := NewCache(nil, time.Minute, 1.5, 4.5, nil)
	snap := c.Current(context.Background())
	if snap.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %s", snap.Source)
	}
	if snap.MakerBps != 1.5 || snap.TakerBps != 4.5 {
		t.Fatalf("unexpected fallback rates: %+v", snap)
	}
}

func TestCacheRefreshPromotesLiveRates(t *testing.T) {
	fetcher := &stubFetcher{maker: 1.0, taker: 3.5}
	c := NewCache(fetcher, time.Minute, 1.5, 4.5, nil)
	c.refresh(context.Background())
	snap := c.Current(context.Background())
	if snap.Source != SourceLive {
		t.Fatalf("expected live source, got %s", snap.Source)
	}
	if snap.MakerBps != 1.0 || snap.TakerBps != 3.5 {
		t.Fatalf("unexpected live rates: %+v", snap)
	}
}

func TestCacheRefreshFailureKeepsCachedRates(t *testing.T) {
	fetcher := &stubFetcher{maker: 1.0, taker: 3.5}
	c := NewCache(fetcher, time.Minute, 1.5, 4.5, nil)
	c.refresh(context.Background())

	fetcher.err = errors.New("rate limited")
	c.refresh(context.Background())
	snap := c.Current(context.Background())
	if snap.MakerBps != 1.0 || snap.TakerBps != 3.5 {
		t.Fatalf("expected cached rates to survive failure, got %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamp bump on failed refresh")
	}
}

func TestCacheSingleInFlightRefresh(t *testing.T) {
	fetcher := &stubFetcher{
		maker:   1.0,
		taker:   3.5,
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := NewCache(fetcher, time.Minute, 1.5, 4.5, nil)

	// First Current triggers the stale refresh.
	c.Current(context.Background())
	<-fetcher.started

	// While the refresh is blocked no further fetches may start.
	for i := 0; i < 5; i++ {
		c.Current(context.Background())
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected single in-flight refresh, got %d", got)
	}
	close(fetcher.release)
}

func TestCacheFreshSnapshotSkipsRefresh(t *testing.T) {
	fetcher := &stubFetcher{maker: 1.0, taker: 3.5}
	c := NewCache(fetcher, time.Hour, 1.5, 4.5, nil)
	c.refresh(context.Background())
	before := fetcher.calls.Load()
	c.Current(context.Background())
	if fetcher.calls.Load() != before {
		t.Fatalf("fresh snapshot must not trigger a refresh")
	}
}
