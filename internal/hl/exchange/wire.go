package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// TriggerOrderWire builds a reduce-only TP/SL trigger. The resting price is
// the trigger price; the order goes marketable once it prints.
func TriggerOrderWire(asset int, isBuy bool, size, triggerPx float64, tpsl, cloid string) (OrderWire, error) {
	if tpsl != "tp" && tpsl != "sl" {
		return OrderWire{}, fmt.Errorf("invalid tpsl %q", tpsl)
	}
	price, err := floatToWire(triggerPx)
	if err != nil {
		return OrderWire{}, fmt.Errorf("trigger price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: true,
		OrderType: OrderTypeWire{Trigger: &TriggerOrderType{
			IsMarket:  true,
			TriggerPx: price,
			Tpsl:      tpsl,
		}},
		Cloid: cloid,
	}, nil
}

// QuantizePrice snaps px onto the venue grid for a perp with the given size
// decimals: at most 5 significant figures and at most 6-szDecimals decimal
// places.
func QuantizePrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return px
	}
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	sigScale := math.Pow(10, 4-math.Floor(math.Log10(px)))
	quant := math.Round(px*sigScale) / sigScale
	decScale := math.Pow(10, float64(maxDecimals))
	return math.Round(quant*decScale) / decScale
}

// QuantizeSize truncates size to the coin's size decimals. Truncation, not
// rounding: never submit more than was asked for.
func QuantizeSize(size float64, szDecimals int) float64 {
	scale := math.Pow(10, float64(szDecimals))
	// Nudge past binary representation error so 0.1234*1e4 truncates to
	// 1234, not 1233.
	return math.Trunc(size*scale+1e-9) / scale
}

// ValidateOrder is the preflight at the exchange boundary: a wire whose
// price or size does not sit on the venue grid is rejected before it is
// signed, so a bad quantization never reaches the API.
func ValidateOrder(px, size float64, szDecimals int) error {
	if size <= 0 {
		return errors.New("size must be positive")
	}
	if px <= 0 {
		return errors.New("price must be positive")
	}
	if q := QuantizePrice(px, szDecimals); math.Abs(q-px) > px*1e-12 {
		return fmt.Errorf("price %v off grid (want %v)", px, q)
	}
	if q := QuantizeSize(size, szDecimals); math.Abs(q-size) > 1e-12 {
		return fmt.Errorf("size %v exceeds %d decimals", size, szDecimals)
	}
	return nil
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
