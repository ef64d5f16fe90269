package exchange

import (
	"fmt"
	"strconv"
)

func OrderIDFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	return orderIDFromAny(resp)
}

// OrderIDsFromResponse extracts one order ID per status from a batched
// order response, in submission order. A status carrying an error aborts
// the whole extraction since a partially placed pair must be retried.
func OrderIDsFromResponse(resp map[string]any) ([]string, error) {
	statuses := statusesFromResponse(resp)
	if statuses == nil {
		return nil, fmt.Errorf("no order statuses in response: %v", resp)
	}
	ids := make([]string, 0, len(statuses))
	for i, status := range statuses {
		m, ok := status.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected status %d: %v", i, status)
		}
		if errMsg, ok := m["error"].(string); ok {
			return nil, fmt.Errorf("order %d rejected: %s", i, errMsg)
		}
		id := orderIDFromAny(m)
		if id == "" {
			return nil, fmt.Errorf("no order id in status %d: %v", i, m)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func statusesFromResponse(v any) []any {
	switch val := v.(type) {
	case map[string]any:
		if statuses, ok := val["statuses"].([]any); ok {
			return statuses
		}
		for _, nested := range val {
			if statuses := statusesFromResponse(nested); statuses != nil {
				return statuses
			}
		}
	}
	return nil
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func orderIDFromAny(v any) string {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"orderId", "orderID", "oid", "id"} {
			if id := stringFromAny(val[key]); id != "" {
				return id
			}
		}
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	case []any:
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	}
	return ""
}
