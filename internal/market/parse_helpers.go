package market

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

func parsePerpContexts(payload any) (map[string]PerpContext, error) {
	universe, ctxs := extractUniverseAndCtxs(payload)
	if len(universe) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe")
	}
	result := make(map[string]PerpContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		ctx := PerpContext{
			Index:      intFromAny(meta["index"], i),
			SzDecimals: intFromAny(meta["szDecimals"], -1),
		}
		if assetCtx, ok := indexedMap(ctxs, i); ok {
			ctx.MarkPrice = floatFromMap(assetCtx, "markPx", "markPrice", "mark")
		}
		result[name] = ctx
	}
	if len(result) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return result, nil
}

func parseCandle(payload map[string]any) (Candle, bool) {
	data, ok := toMap(payload["data"])
	if !ok {
		return Candle{}, false
	}
	candle := data
	if nested, ok := toMap(data["candle"]); ok {
		candle = nested
	}
	coin := stringFromMap(candle, "s", "coin", "symbol")
	interval := stringFromMap(candle, "i", "interval")
	close := floatFromMap(candle, "c", "close")
	if coin == "" || interval == "" || close == 0 {
		return Candle{}, false
	}
	startMS := floatFromMap(candle, "t", "start", "time")
	return Candle{
		Coin:     coin,
		Interval: interval,
		Start:    time.UnixMilli(int64(startMS)),
		Open:     floatFromMap(candle, "o", "open"),
		High:     floatFromMap(candle, "h", "high"),
		Low:      floatFromMap(candle, "l", "low"),
		Close:    close,
		Volume:   floatFromMap(candle, "v", "volume"),
	}, true
}

// parseBook reads an l2Book frame: levels[0] are bids and levels[1] asks,
// best first. depthLevels caps how many levels feed the depth sums.
func parseBook(payload map[string]any, depthLevels int) (string, BookTop, bool) {
	data, ok := toMap(payload["data"])
	if !ok {
		return "", BookTop{}, false
	}
	coin := stringFromMap(data, "coin", "symbol")
	levels, ok := toSlice(data["levels"])
	if coin == "" || !ok || len(levels) < 2 {
		return "", BookTop{}, false
	}
	bids, _ := toSlice(levels[0])
	asks, _ := toSlice(levels[1])
	book := BookTop{UpdatedAt: time.Now()}
	if ms := floatFromMap(data, "time"); ms > 0 {
		book.UpdatedAt = time.UnixMilli(int64(ms))
	}
	book.BestBid, book.BidSize, book.BidDepth = sideTop(bids, depthLevels)
	book.BestAsk, book.AskSize, book.AskDepth = sideTop(asks, depthLevels)
	if book.BestBid == 0 && book.BestAsk == 0 {
		return "", BookTop{}, false
	}
	return coin, book, true
}

func sideTop(levels []any, depthLevels int) (px, sz, depth float64) {
	for i, entry := range levels {
		level, ok := toMap(entry)
		if !ok {
			continue
		}
		levelPx := floatFromMap(level, "px", "price")
		levelSz := floatFromMap(level, "sz", "size")
		if i == 0 {
			px, sz = levelPx, levelSz
		}
		if i < depthLevels {
			depth += levelSz
		}
	}
	return px, sz, depth
}

func parseTrades(payload map[string]any) (string, []trade, bool) {
	items, ok := toSlice(payload["data"])
	if !ok || len(items) == 0 {
		return "", nil, false
	}
	var coin string
	parsed := make([]trade, 0, len(items))
	for _, item := range items {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		if coin == "" {
			coin = stringFromMap(entry, "coin", "symbol")
		}
		size := floatFromMap(entry, "sz", "size")
		if size <= 0 {
			continue
		}
		ts := time.Now()
		if ms := floatFromMap(entry, "time"); ms > 0 {
			ts = time.UnixMilli(int64(ms))
		}
		side := strings.ToUpper(stringFromMap(entry, "side"))
		parsed = append(parsed, trade{
			buy:  side == "B" || side == "BUY",
			size: size,
			ts:   ts,
		})
	}
	if coin == "" || len(parsed) == 0 {
		return "", nil, false
	}
	return coin, parsed, true
}

func extractUniverseAndCtxs(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 2 {
		if metaMap, _ := toMap(arr[0]); metaMap != nil {
			if universe, ok := toSlice(metaMap["universe"]); ok {
				ctxs, _ := toSlice(arr[1])
				return universe, ctxs
			}
		}
		if universe, ok := toSlice(arr[0]); ok {
			ctxs, _ := toSlice(arr[1])
			return universe, ctxs
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		ctxs, _ := toSlice(metaMap["assetCtxs"])
		return universe, ctxs
	}
	return nil, nil
}

func indexedMap(items []any, idx int) (map[string]any, bool) {
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return toMap(items[idx])
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
