package amm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/bitpredict/market-ledger/internal/model"
)

func newMM(t testing.TB) *MarketMaker {
	mm, err := NewMarketMaker(DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mm
}

// --- Constructor tests ---

func TestNewMarketMaker_InvalidParams(t *testing.T) {
	tests := []Params{
		{FeeBps: 200, BpsBase: 0, InitialLiquidity: 1, MinTradeAmount: 1},
		{FeeBps: 10_000, BpsBase: 10_000, InitialLiquidity: 1, MinTradeAmount: 1},
		{FeeBps: 200, BpsBase: 10_000, InitialLiquidity: 0, MinTradeAmount: 1},
		{FeeBps: 200, BpsBase: 10_000, InitialLiquidity: 1 << 33, MinTradeAmount: 1},
		{FeeBps: 200, BpsBase: 10_000, InitialLiquidity: 1, MinTradeAmount: 0},
	}
	for _, p := range tests {
		if _, err := NewMarketMaker(p); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams for %+v, got %v", p, err)
		}
	}
}

// --- Fee tests ---

func TestFee_RoundsUp(t *testing.T) {
	mm := newMM(t)
	tests := []struct {
		amount, want uint64
	}{
		{1000, 20},  // exact
		{1001, 21},  // 20.02 -> 21
		{1049, 21},  // 20.98 -> 21
		{1050, 21},  // exact
		{1, 1},      // 0.02 -> 1
		{0, 0},
	}
	for _, tt := range tests {
		got, err := mm.Fee(tt.amount)
		if err != nil {
			t.Fatalf("Fee(%d): %v", tt.amount, err)
		}
		if got != tt.want {
			t.Errorf("Fee(%d) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestFee_RoundingLaw(t *testing.T) {
	mm := newMM(t)
	rapid.Check(t, func(t *rapid.T) {
		amount := rapid.Uint64Range(0, 1<<50).Draw(t, "amount")
		fee, err := mm.Fee(amount)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		scaled := amount * DefaultFeeBps
		floor := scaled / DefaultBpsBase
		if fee < floor {
			t.Fatalf("fee %d below floor %d", fee, floor)
		}
		divisible := scaled%DefaultBpsBase == 0
		if divisible != (fee == floor) {
			t.Fatalf("fee %d floor %d: equality must hold iff divisible (%v)", fee, floor, divisible)
		}
	})
}

// --- Quote tests ---

func TestQuote_ScenarioA(t *testing.T) {
	mm := newMM(t)
	q, err := mm.Quote(1_000_000, 1_000_000, model.SideYes, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Fee != 20 || q.NetAmount != 980 {
		t.Errorf("expected fee=20 net=980, got fee=%d net=%d", q.Fee, q.NetAmount)
	}
	if q.K != 1_000_000_000_000 {
		t.Errorf("expected k=10^12, got %d", q.K)
	}
	if q.NewNoReserve != 1_000_980 || q.NewYesReserve != 999_020 {
		t.Errorf("expected reserves yes=999020 no=1000980, got yes=%d no=%d", q.NewYesReserve, q.NewNoReserve)
	}
	if q.Shares != 980 {
		t.Errorf("expected 980 shares, got %d", q.Shares)
	}
	if q.PriceYesBps != 5004 {
		t.Errorf("expected price 5004 bps, got %d", q.PriceYesBps)
	}
}

func TestQuote_NoIsSymmetric(t *testing.T) {
	mm := newMM(t)
	yes, _ := mm.Quote(1_000_000, 1_000_000, model.SideYes, 5000)
	no, _ := mm.Quote(1_000_000, 1_000_000, model.SideNo, 5000)
	if yes.Shares != no.Shares {
		t.Errorf("symmetric reserves should issue equal shares: yes=%d no=%d", yes.Shares, no.Shares)
	}
	if no.NewYesReserve != yes.NewNoReserve || no.NewNoReserve != yes.NewYesReserve {
		t.Error("NO quote should mirror YES reserves")
	}
	if no.PriceYesBps >= 5000 {
		t.Errorf("buying NO should push YES price below 50%%, got %d", no.PriceYesBps)
	}
}

func TestQuote_TradeTooSmall(t *testing.T) {
	mm := newMM(t)
	// fee consumes the whole amount: net = 0.
	if _, err := mm.Quote(1_000_000, 1_000_000, model.SideYes, 1); !errors.Is(err, model.ErrTradeTooSmall) {
		t.Errorf("expected ErrTradeTooSmall, got %v", err)
	}
}

func TestQuote_ReserveDrained(t *testing.T) {
	mm := newMM(t)
	_, err := mm.Quote(2, 2, model.SideYes, 1_000_000)
	if !errors.Is(err, model.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter for draining trade, got %v", err)
	}
}

func TestQuote_Overflow(t *testing.T) {
	mm := newMM(t)
	if _, err := mm.Quote(1<<40, 1<<40, model.SideYes, 1000); !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Errorf("expected overflow for k beyond 64 bits, got %v", err)
	}
}

func TestQuote_InvalidSide(t *testing.T) {
	mm := newMM(t)
	if _, err := mm.Quote(1, 1, model.SideUnknown, 1000); !errors.Is(err, model.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestQuote_ProductNeverIncreases(t *testing.T) {
	mm := newMM(t)
	rapid.Check(t, func(t *rapid.T) {
		yes := rapid.Uint64Range(1, 1<<31).Draw(t, "yes")
		no := rapid.Uint64Range(1, 1<<31).Draw(t, "no")
		amount := rapid.Uint64Range(DefaultMinTradeAmount, 1<<30).Draw(t, "amount")
		side := rapid.SampledFrom([]model.Side{model.SideYes, model.SideNo}).Draw(t, "side")

		q, err := mm.Quote(yes, no, side, amount)
		if err != nil {
			return
		}
		if q.NewYesReserve == 0 || q.NewNoReserve == 0 {
			t.Fatalf("reserve reached zero: %+v", q)
		}
		hi := mulHi(q.NewYesReserve, q.NewNoReserve)
		if hi != 0 || q.NewYesReserve*q.NewNoReserve > q.K {
			t.Fatalf("post-trade product exceeds k: %+v", q)
		}
		if q.Shares == 0 {
			t.Fatal("successful quote must issue shares")
		}
	})
}

func mulHi(a, b uint64) uint64 {
	// Both reserves are bounded by the draw ranges above, so a*b fits in 64
	// bits whenever a and b are at most ~2^32; report overflow otherwise.
	if a != 0 && b > ^uint64(0)/a {
		return 1
	}
	return 0
}

func TestPriceYesBps(t *testing.T) {
	mm := newMM(t)
	p, err := mm.PriceYesBps(1_000_000, 1_000_000)
	if err != nil || p != 5000 {
		t.Errorf("expected 5000 at equal reserves, got %d (%v)", p, err)
	}
	yes, no := mm.DisplayPrices(5004)
	if !yes.Equal(decimal.RequireFromString("0.5004")) || !no.Equal(decimal.RequireFromString("0.4996")) {
		t.Errorf("unexpected display prices %s / %s", yes, no)
	}
}
