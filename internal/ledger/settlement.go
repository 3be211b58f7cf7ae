package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/fixedpoint"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

// OracleActor is the event actor recorded for oracle resolutions.
const OracleActor = "oracle"

// ResolveMarket declares the outcome of a market. Only the administrator may
// resolve, and only once the market's end time has been reached. Resolution
// is one-way.
func (l *Ledger) ResolveMarket(ctx context.Context, caller string, id uint64, outcome model.Side) (*model.Event, error) {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	if err := l.requireAdministrator(ctx, caller); err != nil {
		return nil, reject("resolve", err)
	}
	if !outcome.Valid() {
		return nil, reject("resolve", fmt.Errorf("%w: outcome must be YES or NO", model.ErrInvalidParameter))
	}

	ev, err := l.resolve(ctx, caller, id, func(*model.Market) (model.Side, error) { return outcome, nil })
	if err != nil {
		return nil, reject("resolve", err)
	}
	l.afterResolve(ev, "admin")
	return ev, nil
}

// ResolveByOracle resolves a threshold market from a single oracle reading.
// Markets without a threshold descriptor can only be resolved by the
// administrator.
func (l *Ledger) ResolveByOracle(ctx context.Context, id uint64, reading decimal.Decimal) (*model.Event, error) {
	ev, err := l.resolve(ctx, OracleActor, id, func(m *model.Market) (model.Side, error) {
		if m.Threshold == nil {
			return model.SideUnknown, fmt.Errorf("%w: market %d has no oracle threshold", model.ErrInvalidParameter, m.ID)
		}
		return m.Threshold.Outcome(reading), nil
	})
	if err != nil {
		return nil, reject("resolve_oracle", err)
	}
	slog.Info("oracle reading applied", "market_id", id, "reading", reading.String())
	l.afterResolve(ev, "oracle")
	return ev, nil
}

func (l *Ledger) resolve(ctx context.Context, actor string, id uint64, decide func(*model.Market) (model.Side, error)) (*model.Event, error) {
	unlock := l.lock(id)
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Resolved {
		return nil, model.ErrAlreadyResolved
	}
	now := l.clock.Now()
	if now < m.EndTime {
		return nil, fmt.Errorf("%w: now %d, end time %d", model.ErrTooEarly, now, m.EndTime)
	}
	outcome, err := decide(m)
	if err != nil {
		return nil, err
	}
	bps, err := l.mm.PriceYesBps(m.YesReserve, m.NoReserve)
	if err != nil {
		return nil, err
	}

	m.Resolved = true
	m.Outcome = outcome
	m.ResolvedBy = actor

	ev := l.newEvent(model.EventMarketResolved, actor, now)
	ev.Outcome = outcome
	ev.Snapshot(m, bps)
	if err := l.store.Commit(ctx, m, nil, ev); err != nil {
		return nil, fmt.Errorf("commit resolution: %w", err)
	}
	return ev, nil
}

func (l *Ledger) afterResolve(ev *model.Event, source string) {
	metrics.ActiveMarkets.Dec()
	metrics.ResolutionsTotal.WithLabelValues(source, ev.Outcome.String()).Inc()
	slog.Info("market resolved",
		"market_id", ev.MarketID,
		"outcome", ev.Outcome.String(),
		"by", ev.Actor,
		"total_pool", ev.TotalPool,
	)
	l.publish(*ev)
}

// ClaimPayout pays the caller's winning shares out of the market pool:
// floor(winningShares * totalPool / totalWinningShares). A position can be
// claimed once.
func (l *Ledger) ClaimPayout(ctx context.Context, caller string, id uint64) (*model.Event, error) {
	if err := requireCaller(caller); err != nil {
		return nil, reject("claim", err)
	}
	ev, err := l.settle(ctx, caller, caller, id)
	if err != nil {
		return nil, reject("claim", err)
	}
	l.afterSettle(ev, "user")
	return ev, nil
}

// Settle claims on behalf of user. It follows the same path and guards as
// ClaimPayout; the event records the sweeper as actor and user as subject.
func (l *Ledger) Settle(ctx context.Context, id uint64, user string) (*model.Event, error) {
	if err := requireCaller(user); err != nil {
		return nil, reject("settle", err)
	}
	ev, err := l.settle(ctx, SweeperActor, user, id)
	if err != nil {
		return nil, reject("settle", err)
	}
	l.afterSettle(ev, "sweep")
	return ev, nil
}

// SweeperActor is the event actor recorded for sweeper settlements.
const SweeperActor = "sweeper"

func (l *Ledger) settle(ctx context.Context, actor, user string, id uint64) (*model.Event, error) {
	unlock := l.lock(id)
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Resolved {
		return nil, model.ErrNotResolved
	}
	p, err := l.store.GetPosition(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if p.Claimed {
		return nil, model.ErrAlreadyClaimed
	}
	winning := p.Shares(m.Outcome)
	if winning == 0 {
		return nil, model.ErrNoWinningShares
	}
	total := m.TotalShares(m.Outcome)
	if total == 0 {
		return nil, model.ErrNoWinningPool
	}
	payout, err := fixedpoint.MulDiv(winning, m.TotalPool, total)
	if err != nil {
		return nil, err
	}
	if err := p.MarkClaimed(); err != nil {
		return nil, err
	}
	bps, err := l.mm.PriceYesBps(m.YesReserve, m.NoReserve)
	if err != nil {
		return nil, err
	}

	ev := l.newEvent(model.EventPayoutClaimed, actor, l.clock.Now())
	ev.Outcome = m.Outcome
	ev.Shares = winning
	ev.Payout = payout
	ev.Subject = user
	ev.Snapshot(m, bps)

	if err := l.store.Commit(ctx, m, p, ev); err != nil {
		return nil, fmt.Errorf("commit payout: %w", err)
	}
	return ev, nil
}

func (l *Ledger) afterSettle(ev *model.Event, trigger string) {
	metrics.PayoutsTotal.WithLabelValues(trigger).Inc()
	metrics.PayoutAmount.Add(float64(ev.Payout))
	slog.Info("payout claimed",
		"market_id", ev.MarketID,
		"user", ev.Subject,
		"shares", ev.Shares,
		"payout", ev.Payout,
		"trigger", trigger,
	)
	l.publish(*ev)
}

// IsNoop reports whether err from Settle or ResolveByOracle means the work
// was already done, possibly by another replica, or there is nothing to do.
func IsNoop(err error) bool {
	return errors.Is(err, model.ErrAlreadyResolved) ||
		errors.Is(err, model.ErrAlreadyClaimed) ||
		errors.Is(err, model.ErrNoWinningShares) ||
		errors.Is(err, store.ErrConflict)
}
