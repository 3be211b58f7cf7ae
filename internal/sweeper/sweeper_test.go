package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/clock"
	"github.com/bitpredict/market-ledger/internal/contract"
	"github.com/bitpredict/market-ledger/internal/ledger"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/oracle"
	"github.com/bitpredict/market-ledger/internal/store"
)

const start = uint64(1_000)

type testEnv struct {
	ledger *ledger.Ledger
	clock  *clock.Manual
	prices oracle.Static
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mm, err := amm.NewMarketMaker(amm.DefaultParams())
	if err != nil {
		t.Fatalf("market maker: %v", err)
	}
	clk := clock.NewManual(start)
	l := ledger.New(store.NewMemoryStore(), mm, clk)
	if err := l.Bootstrap(context.Background(), "0xAdmin"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &testEnv{ledger: l, clock: clk, prices: oracle.Static{}}
}

func (e *testEnv) seedThresholdMarket(t *testing.T, descriptor string) uint64 {
	t.Helper()
	th, err := contract.ParseThreshold(descriptor)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, err := e.ledger.CreateMarket(context.Background(), "0xAlice", ledger.MarketSpec{EndTime: start + 60, Threshold: th})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func (e *testEnv) buy(t *testing.T, user string, id uint64, side model.Side, amount uint64) {
	t.Helper()
	if _, err := e.ledger.BuyShares(context.Background(), user, ledger.BuyOrder{MarketID: id, Side: side, Amount: amount}); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func (e *testEnv) sweeper(t *testing.T, locker Locker) *Sweeper {
	t.Helper()
	s, err := New(e.ledger, e.prices, locker, 0)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return s
}

func TestNew_IntervalBounds(t *testing.T) {
	for _, iv := range []time.Duration{time.Second, 14 * time.Second, 61 * time.Second} {
		if _, err := New(nil, nil, nil, iv); !errors.Is(err, ErrInterval) {
			t.Errorf("interval %s: expected ErrInterval, got %v", iv, err)
		}
	}
	s, err := New(nil, nil, nil, 0)
	if err != nil || s.interval != DefaultInterval {
		t.Errorf("expected default interval, got %v, %v", s, err)
	}
}

func TestRunOnce_ResolvesAndSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.seedThresholdMarket(t, "BTCUSDT>=65000")
	env.buy(t, "0xA", id, model.SideYes, 2000)
	env.buy(t, "0xB", id, model.SideNo, 1000)
	env.prices["BTCUSDT"] = decimal.RequireFromString("65100.5")

	s := env.sweeper(t, nil)

	// Not expired yet: nothing happens.
	rep, err := s.RunOnce(ctx)
	if err != nil || rep != (Report{}) {
		t.Fatalf("early sweep: %+v, %v", rep, err)
	}

	env.clock.Set(start + 60)
	rep, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Resolved != 1 || rep.Settled != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	m, _ := env.ledger.GetMarket(ctx, id)
	if !m.Resolved || m.Outcome != model.SideYes || m.ResolvedBy != ledger.OracleActor {
		t.Fatalf("unexpected market %+v", m)
	}
	p, _ := env.ledger.GetPosition(ctx, id, "0xA")
	if !p.Claimed {
		t.Error("winner was not settled")
	}
	if p, _ := env.ledger.GetPosition(ctx, id, "0xB"); p.Claimed {
		t.Error("loser must stay unclaimed")
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.seedThresholdMarket(t, "ETHUSDT<3000")
	env.buy(t, "0xA", id, model.SideYes, 1500)
	env.prices["ETHUSDT"] = decimal.NewFromInt(2500)
	env.clock.Set(start + 100)

	s := env.sweeper(t, nil)
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	events, _ := env.ledger.Events(ctx, id)

	// A fresh sweeper has no memory of the first run and must still be a no-op.
	for _, sw := range []*Sweeper{s, env.sweeper(t, nil)} {
		rep, err := sw.RunOnce(ctx)
		if err != nil || rep.Resolved != 0 || rep.Settled != 0 || rep.Failed != 0 {
			t.Fatalf("repeat sweep: %+v, %v", rep, err)
		}
	}
	after, _ := env.ledger.Events(ctx, id)
	if len(after) != len(events) {
		t.Fatalf("repeat sweeps appended events: %d -> %d", len(events), len(after))
	}
}

func TestRunOnce_SkipsAdministratorMarkets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.ledger.CreateMarket(ctx, "0xAlice", ledger.MarketSpec{EndTime: start + 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.clock.Set(start + 10)

	rep, err := env.sweeper(t, nil).RunOnce(ctx)
	if err != nil || rep != (Report{}) {
		t.Fatalf("unexpected %+v, %v", rep, err)
	}
	if m, _ := env.ledger.GetMarket(ctx, id); m.Resolved {
		t.Fatal("sweeper resolved a market without a threshold")
	}
}

func TestRunOnce_OracleUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.seedThresholdMarket(t, "SOLUSDT>150")
	env.clock.Set(start + 60)

	s := env.sweeper(t, nil)
	rep, err := s.RunOnce(ctx)
	if err != nil || rep.Failed != 1 {
		t.Fatalf("expected one failure, got %+v, %v", rep, err)
	}
	if m, _ := env.ledger.GetMarket(ctx, id); m.Resolved {
		t.Fatal("market resolved without a reading")
	}

	// The reading shows up later and the next sweep picks the market up.
	env.prices["SOLUSDT"] = decimal.NewFromInt(140)
	rep, err = s.RunOnce(ctx)
	if err != nil || rep.Resolved != 1 {
		t.Fatalf("expected resolution, got %+v, %v", rep, err)
	}
	if m, _ := env.ledger.GetMarket(ctx, id); m.Outcome != model.SideNo {
		t.Fatalf("expected NO, got %s", m.Outcome)
	}
}

func TestRunOnce_AlreadyResolvedByAdministrator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.seedThresholdMarket(t, "BTCUSDT>=65000")
	env.buy(t, "0xA", id, model.SideNo, 1000)
	env.prices["BTCUSDT"] = decimal.NewFromInt(70000)
	env.clock.Set(start + 60)
	if _, err := env.ledger.ResolveMarket(ctx, "0xAdmin", id, model.SideNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rep, err := env.sweeper(t, nil).RunOnce(ctx)
	if err != nil || rep.Resolved != 0 || rep.Settled != 1 {
		t.Fatalf("unexpected %+v, %v", rep, err)
	}
	if m, _ := env.ledger.GetMarket(ctx, id); m.Outcome != model.SideNo {
		t.Fatalf("administrator outcome overwritten: %s", m.Outcome)
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
}

func (f *fakeLocker) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, store.ErrLockHeld
	}
	f.held = true
	f.acquired++
	return func() {
		f.mu.Lock()
		f.held = false
		f.mu.Unlock()
	}, nil
}

func TestRunOnce_DistributedLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.seedThresholdMarket(t, "BTCUSDT>=65000")
	env.prices["BTCUSDT"] = decimal.NewFromInt(66000)
	env.clock.Set(start + 60)

	lk := &fakeLocker{held: true}
	s := env.sweeper(t, lk)
	if rep, err := s.RunOnce(ctx); err != nil || rep != (Report{}) {
		t.Fatalf("locked sweep should be a no-op, got %+v, %v", rep, err)
	}
	if m, _ := env.ledger.GetMarket(ctx, id); m.Resolved {
		t.Fatal("sweep ran while another replica held the lock")
	}

	lk.held = false
	if rep, err := s.RunOnce(ctx); err != nil || rep.Resolved != 1 {
		t.Fatalf("expected resolution, got %+v, %v", rep, err)
	}
	if lk.held {
		t.Error("lock not released")
	}
}

func TestRunOnce_SkipsWhenAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	s := env.sweeper(t, nil)
	s.running.Store(true)
	if rep, err := s.RunOnce(context.Background()); err != nil || rep != (Report{}) {
		t.Fatalf("expected skip, got %+v, %v", rep, err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	s := env.sweeper(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
