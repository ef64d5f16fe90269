package exchange

import "testing"

func TestOrderIDFromResponseStatusFilled(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{
						"filled": map[string]any{
							"oid":   float64(292577153770),
							"cloid": "0x188a0f9ee162351d6d6af5b09b97b1c7",
						},
					},
				},
			},
		},
	}
	got := OrderIDFromResponse(resp)
	if got != "292577153770" {
		t.Fatalf("expected order id 292577153770, got %s", got)
	}
}

func TestOrderIDsFromResponsePair(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{"resting": map[string]any{"oid": float64(101)}},
					map[string]any{"resting": map[string]any{"oid": float64(102)}},
				},
			},
		},
	}
	ids, err := OrderIDsFromResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "101" || ids[1] != "102" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestOrderIDsFromResponseRejectsErrorStatus(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{"resting": map[string]any{"oid": float64(101)}},
					map[string]any{"error": "Order price out of bounds"},
				},
			},
		},
	}
	if _, err := OrderIDsFromResponse(resp); err == nil {
		t.Fatalf("expected error for rejected leg")
	}
}
