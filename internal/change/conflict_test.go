package change

import (
	"testing"
	"time"
)

func TestCompareByTimestamp(t *testing.T) {
	earlier := Change{UpdatedAt: at(0), Data: map[string]any{"clientId": "Z"}}
	later := Change{UpdatedAt: at(10), Data: map[string]any{"clientId": "A"}}

	if Compare(earlier, later) != -1 {
		t.Error("later timestamp should win regardless of clientId")
	}
	if Compare(later, earlier) != 1 {
		t.Error("compare should be antisymmetric")
	}
}

func TestCompareTiebreakByClientID(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Change{UpdatedAt: ts, Data: map[string]any{"clientId": "A"}}
	b := Change{UpdatedAt: ts, Data: map[string]any{"clientId": "B"}}

	if Compare(a, b) >= 0 {
		t.Error(`client "B" should win the tiebreak over "A"`)
	}
	if got := Winner(a, b); got.ClientID() != "B" {
		t.Errorf("Winner = %s, want B", got.ClientID())
	}
	if got := Winner(b, a); got.ClientID() != "B" {
		t.Errorf("Winner should be order-independent, got %s", got.ClientID())
	}
}

func TestCompareEqual(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Change{UpdatedAt: ts, Data: map[string]any{"clientId": "X"}}
	if Compare(a, a) != 0 {
		t.Error("identical changes should compare equal")
	}
}
