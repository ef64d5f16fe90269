package account

import (
	"context"
	"errors"
)

// Fill carries the fields the engine consumes: ClosedPnL and Fee feed the
// realized-loss window, OrderID and Coin attribute the fill.
type Fill struct {
	OrderID   string
	Coin      string
	Side      string
	Size      float64
	Price     float64
	ClosedPnL float64
	Fee       float64
	TimeMS    int64
	Hash      string
}

// RealizedUSD is the net realized effect of the fill: closed PnL minus fee.
func (f Fill) RealizedUSD() float64 {
	return f.ClosedPnL - f.Fee
}

// UserFillsByTime backfills fills over REST, used to rebuild the daily loss
// window after a restart.
func (a *Account) UserFillsByTime(ctx context.Context, startTimeMS, endTimeMS int64) ([]Fill, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	if startTimeMS <= 0 {
		return nil, errors.New("start time must be > 0")
	}
	req := map[string]any{
		"type":      "userFillsByTime",
		"user":      a.user,
		"startTime": startTimeMS,
	}
	if endTimeMS > 0 {
		req["endTime"] = endTimeMS
	}
	resp, err := a.rest.InfoAny(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseFills(resp), nil
}

func parseFills(payload any) []Fill {
	var raw []any
	switch data := payload.(type) {
	case []any:
		raw = data
	case map[string]any:
		if list, ok := data["fills"].([]any); ok {
			raw = list
		} else if list, ok := data["data"].([]any); ok {
			raw = list
		}
	}
	if len(raw) == 0 {
		return nil
	}
	fills := make([]Fill, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fill := Fill{
			OrderID:   stringFromAny(entry["oid"]),
			Coin:      stringFromAny(entry["coin"]),
			Side:      stringFromAny(entry["side"]),
			Size:      floatOrZero(entry["sz"]),
			Price:     floatOrZero(entry["px"]),
			ClosedPnL: floatOrZero(entry["closedPnl"]),
			Fee:       floatOrZero(entry["fee"]),
			TimeMS:    int64FromAny(entry["time"]),
			Hash:      stringFromAny(entry["hash"]),
		}
		if fill.OrderID == "" || fill.Size == 0 {
			continue
		}
		fills = append(fills, fill)
	}
	return fills
}
