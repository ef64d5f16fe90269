package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-regime-bot/internal/alerts"
	"hl-regime-bot/internal/escalate"
	"hl-regime-bot/internal/exec"
	"hl-regime-bot/internal/hl/exchange"
	"hl-regime-bot/internal/hl/rest"
	"hl-regime-bot/internal/market"
	"hl-regime-bot/internal/protect"

	"go.uber.org/zap"
)

// exchangeAdapter translates venue-agnostic exec orders into signed
// Hyperliquid actions. Prices and sizes are validated against the venue
// grid before signing.
type exchangeAdapter struct {
	client *exchange.Client
	view   *market.View
}

func (e *exchangeAdapter) wireFor(order exec.Order) (exchange.OrderWire, error) {
	if order.Coin != "" {
		if perpCtx, ok := e.view.PerpContext(order.Coin); ok {
			px := order.LimitPrice
			if order.TriggerPrice > 0 {
				px = order.TriggerPrice
			}
			if err := exchange.ValidateOrder(px, order.Size, perpCtx.SzDecimals); err != nil {
				return exchange.OrderWire{}, fmt.Errorf("%s: %w", order.Coin, err)
			}
		}
	}
	if order.TriggerPrice > 0 {
		return exchange.TriggerOrderWire(order.Asset, order.IsBuy, order.Size, order.TriggerPrice, order.Tpsl, order.ClientOrderID)
	}
	tif := exchange.TifGtc
	if order.Tif != "" {
		tif = exchange.Tif(order.Tif)
	}
	return exchange.LimitOrderWire(order.Asset, order.IsBuy, order.Size, order.LimitPrice, order.ReduceOnly, tif, order.ClientOrderID)
}

func (e *exchangeAdapter) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	if e.client == nil {
		return "", errors.New("exchange client is required")
	}
	wire, err := e.wireFor(order)
	if err != nil {
		return "", err
	}
	resp, err := e.client.PlaceOrder(ctx, wire)
	if err != nil {
		return "", err
	}
	orderID := exchange.OrderIDFromResponse(resp)
	if orderID == "" {
		return "", errors.New("missing order id in exchange response")
	}
	return orderID, nil
}

func (e *exchangeAdapter) PlaceGrouped(ctx context.Context, orders []exec.Order, grouping string) ([]string, error) {
	if e.client == nil {
		return nil, errors.New("exchange client is required")
	}
	wires := make([]exchange.OrderWire, 0, len(orders))
	for _, order := range orders {
		wire, err := e.wireFor(order)
		if err != nil {
			return nil, err
		}
		wires = append(wires, wire)
	}
	resp, err := e.client.PlaceOrders(ctx, wires, grouping)
	if err != nil {
		return nil, err
	}
	return exchange.OrderIDsFromResponse(resp)
}

func (e *exchangeAdapter) CancelOrder(ctx context.Context, cancel exec.Cancel) error {
	if e.client == nil {
		return errors.New("exchange client is required")
	}
	if cancel.Asset == 0 {
		return errors.New("cancel asset is required")
	}
	oid, err := strconv.ParseInt(cancel.OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %s: %w", cancel.OrderID, err)
	}
	_, err = e.client.CancelOrder(ctx, cancel.Asset, oid)
	return err
}

// orderGateway implements protect.Orders on top of the executor: coin
// resolution, grid quantization and aggressive flatten pricing live here so
// the protection manager stays venue-free.
type orderGateway struct {
	executor *exec.Executor
	view     *market.View
	log      *zap.Logger
}

// flattenCrossBps is how far beyond the touch a flatten limit is priced so
// an IOC close fills through a thin book.
const flattenCrossBps = 50.0

func (g *orderGateway) perpContext(coin string) (market.PerpContext, error) {
	perpCtx, ok := g.view.PerpContext(coin)
	if !ok {
		return market.PerpContext{}, fmt.Errorf("perp context not found for %s", coin)
	}
	return perpCtx, nil
}

func (g *orderGateway) PlaceTriggerPair(ctx context.Context, coin string, t protect.Triggers) (string, string, error) {
	perpCtx, err := g.perpContext(coin)
	if err != nil {
		return "", "", err
	}
	size := exchange.QuantizeSize(t.Size, perpCtx.SzDecimals)
	if size <= 0 {
		return "", "", fmt.Errorf("trigger size rounds to zero for %s", coin)
	}
	tp := exec.Order{
		Asset:         perpCtx.Index,
		Coin:          coin,
		IsBuy:         t.CloseBuy,
		Size:          size,
		TriggerPrice:  exchange.QuantizePrice(t.TpPx, perpCtx.SzDecimals),
		Tpsl:          "tp",
		ReduceOnly:    true,
		ClientOrderID: exec.NewCloid(),
	}
	sl := exec.Order{
		Asset:         perpCtx.Index,
		Coin:          coin,
		IsBuy:         t.CloseBuy,
		Size:          size,
		TriggerPrice:  exchange.QuantizePrice(t.SlPx, perpCtx.SzDecimals),
		Tpsl:          "sl",
		ReduceOnly:    true,
		ClientOrderID: exec.NewCloid(),
	}
	ids, err := g.executor.PlaceGrouped(ctx, []exec.Order{tp, sl}, exchange.GroupingNormalTpsl)
	if err != nil {
		return "", "", err
	}
	if len(ids) != 2 {
		return "", "", fmt.Errorf("expected 2 trigger ids, got %d", len(ids))
	}
	return ids[0], ids[1], nil
}

func (g *orderGateway) CancelOrders(ctx context.Context, coin string, orderIDs []string) error {
	perpCtx, err := g.perpContext(coin)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range orderIDs {
		if id == "" {
			continue
		}
		if err := g.executor.CancelOrder(ctx, exec.Cancel{Asset: perpCtx.Index, OrderID: id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlattenPosition closes with a reduce-only IOC priced through the touch.
func (g *orderGateway) FlattenPosition(ctx context.Context, coin string, buy bool, size float64) error {
	perpCtx, err := g.perpContext(coin)
	if err != nil {
		return err
	}
	book, ok := g.view.Book(coin)
	if !ok || book.BestBid <= 0 || book.BestAsk <= 0 {
		return fmt.Errorf("no book for %s", coin)
	}
	px := book.BestBid * (1 - flattenCrossBps/10_000)
	if buy {
		px = book.BestAsk * (1 + flattenCrossBps/10_000)
	}
	order := exec.Order{
		Asset:         perpCtx.Index,
		Coin:          coin,
		IsBuy:         buy,
		Size:          exchange.QuantizeSize(size, perpCtx.SzDecimals),
		LimitPrice:    exchange.QuantizePrice(px, perpCtx.SzDecimals),
		Tif:           string(exchange.TifIoc),
		ReduceOnly:    true,
		ClientOrderID: exec.NewCloid(),
	}
	if order.Size <= 0 {
		return fmt.Errorf("flatten size rounds to zero for %s", coin)
	}
	_, err = g.executor.PlaceOrder(ctx, order)
	return err
}

// feeFetcher reads the account's live fee tier. Rates come back as decimal
// fractions and are converted to basis points.
type feeFetcher struct {
	rest *rest.Client
	user string
}

func (f *feeFetcher) FeeRates(ctx context.Context) (float64, float64, error) {
	resp, err := f.rest.Info(ctx, rest.InfoRequest{Type: "userFees", User: f.user})
	if err != nil {
		return 0, 0, err
	}
	maker, err := rateFromAny(resp["userAddRate"])
	if err != nil {
		return 0, 0, fmt.Errorf("maker rate: %w", err)
	}
	taker, err := rateFromAny(resp["userCrossRate"])
	if err != nil {
		return 0, 0, fmt.Errorf("taker rate: %w", err)
	}
	return maker * 10_000, taker * 10_000, nil
}

func rateFromAny(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("unexpected rate %v", v)
	}
}

// telegramAsker delivers escalation questions to the operator chat.
type telegramAsker struct {
	alerts *alerts.Telegram
	log    *zap.Logger
}

func (t *telegramAsker) AskQuestion(ctx context.Context, q escalate.Question) error {
	position := "flat"
	if q.InPosition {
		position = "in position"
	}
	msg := strings.Join([]string{
		fmt.Sprintf("escalation %s: %s (%s)", q.ID, q.Coin, position),
		fmt.Sprintf("reasons: %s", strings.Join(q.Reasons, ", ")),
		fmt.Sprintf("answer by %s with /answer %s hold|flatten", q.Deadline.UTC().Format(time.RFC3339), q.Coin),
	}, "\n")
	if err := t.alerts.Send(ctx, msg); err != nil {
		t.log.Warn("escalation delivery failed", zap.String("id", q.ID), zap.Error(err))
		return err
	}
	return nil
}
