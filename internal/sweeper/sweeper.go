// Package sweeper resolves expired threshold markets from the price oracle
// and settles their winning positions in the background.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/ledger"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

const (
	DefaultInterval = 30 * time.Second
	MinInterval     = 15 * time.Second
	MaxInterval     = 60 * time.Second

	lockKey = "sweeper"
)

var ErrInterval = fmt.Errorf("sweeper: interval must be between %s and %s", MinInterval, MaxInterval)

// Ledger is the subset of *ledger.Ledger the sweeper drives.
type Ledger interface {
	Now() uint64
	ListMarkets(ctx context.Context) ([]model.MarketInfo, error)
	ListPositions(ctx context.Context, marketID uint64) ([]model.Position, error)
	ResolveByOracle(ctx context.Context, id uint64, reading decimal.Decimal) (*model.Event, error)
	Settle(ctx context.Context, id uint64, user string) (*model.Event, error)
}

// PriceSource supplies oracle readings.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Locker serializes sweeps across replicas. store.RedisLocker implements it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Report summarizes one sweep.
type Report struct {
	Resolved int
	Settled  int
	Failed   int
}

// Sweeper periodically resolves and settles threshold markets.
type Sweeper struct {
	ledger   Ledger
	prices   PriceSource
	locker   Locker // nil: single replica
	interval time.Duration

	running atomic.Bool
	settled map[uint64]bool // touched only by the goroutine holding running
}

// New creates a sweeper. A zero interval uses DefaultInterval.
func New(l Ledger, prices PriceSource, locker Locker, interval time.Duration) (*Sweeper, error) {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval || interval > MaxInterval {
		return nil, fmt.Errorf("%w: got %s", ErrInterval, interval)
	}
	return &Sweeper{
		ledger:   l,
		prices:   prices,
		locker:   locker,
		interval: interval,
		settled:  make(map[uint64]bool),
	}, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep. It returns immediately if a sweep is
// already in progress in this process or holds the distributed lock
// elsewhere.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return rep, nil
	}
	defer s.running.Store(false)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lockKey, s.interval)
		if errors.Is(err, store.ErrLockHeld) {
			metrics.SweepRuns.WithLabelValues("locked").Inc()
			return rep, nil
		}
		if err != nil {
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return rep, err
		}
		defer release()
	}

	markets, err := s.ledger.ListMarkets(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("sweeper: list markets: %w", err)
	}

	now := s.ledger.Now()
	for _, m := range markets {
		if m.Threshold == nil || s.settled[m.ID] {
			continue
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !m.Resolved {
			if now < m.EndTime {
				continue
			}
			if !s.resolve(ctx, m, &rep) {
				continue
			}
		}
		s.settle(ctx, m.ID, &rep)
	}

	result := "ok"
	if rep.Failed > 0 {
		result = "partial"
	}
	metrics.SweepRuns.WithLabelValues(result).Inc()
	if rep.Resolved > 0 || rep.Settled > 0 || rep.Failed > 0 {
		slog.Info("sweep complete", "resolved", rep.Resolved, "settled", rep.Settled, "failed", rep.Failed)
	}
	return rep, nil
}

// resolve reads the oracle outside any ledger lock, then resolves. It
// reports whether the market is now resolved.
func (s *Sweeper) resolve(ctx context.Context, m model.MarketInfo, rep *Report) bool {
	reading, err := s.prices.Price(ctx, m.Threshold.Symbol)
	if err != nil {
		rep.Failed++
		slog.Warn("oracle reading unavailable", "market_id", m.ID, "symbol", m.Threshold.Symbol, "error", err)
		return false
	}
	_, err = s.ledger.ResolveByOracle(ctx, m.ID, reading)
	switch {
	case err == nil:
		rep.Resolved++
	case ledger.IsNoop(err):
	default:
		rep.Failed++
		slog.Error("oracle resolution failed", "market_id", m.ID, "error", err)
		return false
	}
	return true
}

func (s *Sweeper) settle(ctx context.Context, id uint64, rep *Report) {
	positions, err := s.ledger.ListPositions(ctx, id)
	if err != nil {
		rep.Failed++
		slog.Error("list positions failed", "market_id", id, "error", err)
		return
	}
	clean := true
	for _, p := range positions {
		if p.Claimed {
			continue
		}
		_, err := s.ledger.Settle(ctx, id, p.User)
		switch {
		case err == nil:
			rep.Settled++
		case errors.Is(err, store.ErrConflict):
			clean = false
		case ledger.IsNoop(err), errors.Is(err, model.ErrNoWinningPool):
		default:
			clean = false
			rep.Failed++
			slog.Error("settlement failed", "market_id", id, "user", p.User, "error", err)
		}
	}
	if clean {
		s.settled[id] = true
	}
}
