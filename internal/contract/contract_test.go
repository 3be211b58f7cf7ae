package contract

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseThreshold_Valid(t *testing.T) {
	th, err := ParseThreshold("BTCUSDT>=65000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol=BTCUSDT, got %s", th.Symbol)
	}
	if th.Op != OpGTE {
		t.Errorf("expected op=>=, got %s", th.Op)
	}
	if !th.Strike.Equal(d("65000")) {
		t.Errorf("expected strike=65000, got %s", th.Strike)
	}
}

func TestParseThreshold_Normalizes(t *testing.T) {
	th, err := ParseThreshold("  ethusdt < 3200.50 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th.Symbol != "ETHUSDT" || th.Op != OpLT || !th.Strike.Equal(d("3200.5")) {
		t.Errorf("unexpected threshold %+v", th)
	}
}

func TestParseThreshold_AllOps(t *testing.T) {
	for _, op := range []string{">=", ">", "<=", "<"} {
		th, err := ParseThreshold("SOLUSDT" + op + "150")
		if err != nil {
			t.Errorf("unexpected error for op %s: %v", op, err)
			continue
		}
		if th.Op != op {
			t.Errorf("expected op=%s, got %s", op, th.Op)
		}
	}
}

func TestParseThreshold_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"BTCUSDT",
		">=65000",
		"BTCUSDT>=",
		"BTCUSDT==65000",
		"BTCUSDT>=-5",
		"BTCUSDT>=1e6",
		"B>=1", // symbol too short
	}
	for _, desc := range tests {
		if _, err := ParseThreshold(desc); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("expected ErrInvalidDescriptor for %q, got %v", desc, err)
		}
	}
}

func TestParseThreshold_ReversedOp(t *testing.T) {
	if _, err := ParseThreshold("BTCUSDT=>65000"); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("expected ErrInvalidOp, got %v", err)
	}
}

func TestParseThreshold_ZeroStrike(t *testing.T) {
	if _, err := ParseThreshold("BTCUSDT>=0"); !errors.Is(err, ErrInvalidStrike) {
		t.Errorf("expected ErrInvalidStrike, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Errorf("nil threshold should be valid, got %v", err)
	}
	bad := &model.Threshold{Symbol: "BTCUSDT", Op: "!=", Strike: d("1")}
	if err := Validate(bad); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("expected ErrInvalidOp, got %v", err)
	}
}

func TestThresholdOutcome(t *testing.T) {
	th, _ := ParseThreshold("BTCUSDT>=65000")
	if got := th.Outcome(d("65000")); got != model.SideYes {
		t.Errorf("reading at strike should resolve YES, got %s", got)
	}
	if got := th.Outcome(d("64999.99")); got != model.SideNo {
		t.Errorf("reading below strike should resolve NO, got %s", got)
	}
}

func TestQuestion(t *testing.T) {
	th, _ := ParseThreshold("BTCUSDT>65000")
	want := "Will BTCUSDT be above 65000 at 1700000000?"
	if got := Question(th, 1_700_000_000); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
