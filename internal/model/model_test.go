package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"YES": SideYes, "no": SideNo, " Yes ": SideYes} {
		got, err := ParseSide(in)
		if err != nil || got != want {
			t.Errorf("ParseSide(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSide("MAYBE"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestSide_JSON(t *testing.T) {
	data, _ := json.Marshal(struct {
		S Side `json:"s"`
		U Side `json:"u"`
	}{S: SideNo})
	if string(data) != `{"s":"NO","u":null}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	var v struct {
		S Side `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"yes"}`), &v); err != nil || v.S != SideYes {
		t.Errorf("expected YES, got %v (%v)", v.S, err)
	}
	if err := json.Unmarshal([]byte(`{"s":"both"}`), &v); err == nil {
		t.Error("expected error for invalid side")
	}
}

func TestPosition_Credit(t *testing.T) {
	var p Position
	if err := p.Credit(SideYes, 980); err != nil {
		t.Fatal(err)
	}
	if err := p.Credit(SideNo, 10); err != nil {
		t.Fatal(err)
	}
	if err := p.Credit(SideYes, 20); err != nil {
		t.Fatal(err)
	}
	if p.YesShares != 1000 || p.NoShares != 10 {
		t.Errorf("unexpected balances yes=%d no=%d", p.YesShares, p.NoShares)
	}

	p.YesShares = math.MaxUint64
	if err := p.Credit(SideYes, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if p.YesShares != math.MaxUint64 {
		t.Error("failed credit must not change the balance")
	}
}

func TestPosition_MarkClaimed(t *testing.T) {
	p := Position{YesShares: 5}
	if err := p.MarkClaimed(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := p.MarkClaimed(); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}
	if p.YesShares != 5 {
		t.Error("claim must not burn balances")
	}
}

func TestMarket_Status(t *testing.T) {
	m := Market{EndTime: 100}
	if s := m.Status(99); s != StatusOpen {
		t.Errorf("expected OPEN, got %s", s)
	}
	if s := m.Status(100); s != StatusExpired {
		t.Errorf("expected EXPIRED at endTime, got %s", s)
	}
	m.Resolved = true
	if s := m.Status(50); s != StatusResolved {
		t.Errorf("expected RESOLVED, got %s", s)
	}
}

func TestThreshold_Outcome(t *testing.T) {
	th := Threshold{Symbol: "BTCUSDT", Op: ">=", Strike: decimal.NewFromInt(65000)}
	if th.Outcome(decimal.NewFromInt(65000)) != SideYes {
		t.Error("reading at strike should resolve YES for >=")
	}
	if th.Outcome(decimal.RequireFromString("64999.99")) != SideNo {
		t.Error("reading below strike should resolve NO for >=")
	}
	th.Op = "<"
	if th.Outcome(decimal.NewFromInt(1)) != SideYes {
		t.Error("reading below strike should resolve YES for <")
	}
}

func TestChain_AppendAndVerify(t *testing.T) {
	var c Chain
	events := make([]Event, 3)
	for i := range events {
		events[i] = Event{ID: fmt.Sprintf("ev-%d", i), MarketID: 1, Type: EventSharesPurchased, Amount: uint64(1000 + i)}
		c.Append(&events[i])
	}
	if c.EventSeq != 3 || c.HeadHash != events[2].Hash {
		t.Fatalf("unexpected chain head: %+v", c)
	}
	if events[0].PrevHash != GenesisHash {
		t.Error("first event should link to the genesis hash")
	}
	if !VerifyChain(events) {
		t.Fatal("chain should verify")
	}

	events[1].Amount = 999_999
	if VerifyChain(events) {
		t.Error("tampered payload must break the chain")
	}
}

func TestKind(t *testing.T) {
	wrapped := fmt.Errorf("buy shares: %w", ErrMarketClosed)
	if Kind(wrapped) != "MarketClosed" {
		t.Errorf("expected MarketClosed, got %q", Kind(wrapped))
	}
	if Kind(errors.New("boom")) != "" {
		t.Error("unknown errors have no kind")
	}
	if Kind(nil) != "" {
		t.Error("nil has no kind")
	}
}
