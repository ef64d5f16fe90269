package exec

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"hl-regime-bot/internal/state"
)

// Order is a venue-agnostic order request. A zero TriggerPrice means a
// resting limit order; a non-zero one makes it a TP/SL trigger with Tpsl
// naming which leg it is.
type Order struct {
	Asset         int
	Coin          string
	IsBuy         bool
	Size          float64
	LimitPrice    float64
	TriggerPrice  float64
	Tpsl          string // "tp" | "sl" for trigger orders
	Tif           string // Gtc | Alo | Ioc for limit orders
	ReduceOnly    bool
	ClientOrderID string
}

// Cancel identifies an order to pull.
type Cancel struct {
	Asset   int
	OrderID string
}

// RestClient is the exchange boundary. Grouped placement submits several
// orders in one atomic action (used for TP/SL pairs).
type RestClient interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	PlaceGrouped(ctx context.Context, orders []Order, grouping string) ([]string, error)
	CancelOrder(ctx context.Context, cancel Cancel) error
}

// Executor wraps the exchange client with retry/backoff and client-order-id
// idempotency. A cloid-keyed result survives a restart via the state store,
// so a crash between submit and acknowledge cannot double-place.
type Executor struct {
	rest  RestClient
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(rest RestClient, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		rest:  rest,
		store: store,
		log:   log,
		cache: make(map[string]string),
	}
}

// NewCloid returns a fresh 128-bit client order id in the hex form the
// venue expects. The underlying ULID sorts by creation time, which keeps
// fills correlatable in the event store.
func NewCloid() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), cloidEntropy)
	return "0x" + hex.EncodeToString(id.Bytes())
}

var cloidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	if oid, ok, err := e.lookup(ctx, cacheKey); err != nil {
		return "", err
	} else if ok {
		return oid, nil
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	e.remember(ctx, cacheKey, orderID)
	return orderID, nil
}

// PlaceGrouped submits orders as one grouped action. Idempotency keys off
// the first order's cloid; the stored value is the joined id list.
func (e *Executor) PlaceGrouped(ctx context.Context, orders []Order, grouping string) ([]string, error) {
	if len(orders) == 0 {
		return nil, errors.New("no orders to place")
	}
	cacheKey := ""
	if cloid := orders[0].ClientOrderID; cloid != "" {
		cacheKey = "cloid:" + cloid
		if joined, ok, err := e.lookup(ctx, cacheKey); err != nil {
			return nil, err
		} else if ok {
			return strings.Split(joined, ","), nil
		}
	}
	var ids []string
	err := e.retry(ctx, func() error {
		var err error
		ids, err = e.rest.PlaceGrouped(ctx, orders, grouping)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) != len(orders) {
		return nil, fmt.Errorf("grouped place returned %d ids for %d orders", len(ids), len(orders))
	}
	if cacheKey != "" {
		e.remember(ctx, cacheKey, strings.Join(ids, ","))
	}
	return ids, nil
}

func (e *Executor) CancelOrder(ctx context.Context, cancel Cancel) error {
	return e.retry(ctx, func() error {
		return e.rest.CancelOrder(ctx, cancel)
	})
}

func (e *Executor) lookup(ctx context.Context, cacheKey string) (string, bool, error) {
	e.mu.Lock()
	if val, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return val, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false, nil
	}
	val, ok, err := e.store.Get(ctx, cacheKey)
	if err != nil || !ok {
		return "", false, err
	}
	e.mu.Lock()
	e.cache[cacheKey] = val
	e.mu.Unlock()
	return val, true, nil
}

func (e *Executor) remember(ctx context.Context, cacheKey, value string) {
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, value); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = value
	e.mu.Unlock()
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.rest.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
