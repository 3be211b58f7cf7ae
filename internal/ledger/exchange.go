package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitpredict/market-ledger/internal/fixedpoint"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
)

// BuyOrder is one buyShares call. MinSharesOut of zero disables the
// slippage bound.
type BuyOrder struct {
	MarketID     uint64
	Side         model.Side
	Amount       uint64
	MinSharesOut uint64
}

// BuyShares swaps amount for shares of one side on the market's curve and
// credits the caller's position. The returned event carries the fee, net
// amount, shares issued and resulting market state.
//
// Preconditions are checked in order: amount at least MIN_TRADE_AMOUNT,
// market exists, trading window open, market unresolved.
func (l *Ledger) BuyShares(ctx context.Context, caller string, o BuyOrder) (*model.Event, error) {
	start := time.Now()
	if minAmount := l.mm.Params().MinTradeAmount; o.Amount < minAmount {
		return nil, reject("buy", fmt.Errorf("%w: %d < %d", model.ErrBelowMinimum, o.Amount, minAmount))
	}
	if err := requireCaller(caller); err != nil {
		return nil, reject("buy", err)
	}
	if !o.Side.Valid() {
		return nil, reject("buy", fmt.Errorf("%w: side must be YES or NO", model.ErrInvalidParameter))
	}

	ev, err := l.buy(ctx, caller, o)
	if err != nil {
		return nil, reject("buy", err)
	}

	side := o.Side.String()
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.PoolVolume.WithLabelValues(side).Add(float64(ev.Amount))
	metrics.FeesTotal.Add(float64(ev.Fee))
	slog.Info("shares purchased",
		"market_id", ev.MarketID,
		"user", caller,
		"side", side,
		"amount", ev.Amount,
		"fee", ev.Fee,
		"shares", ev.Shares,
		"price_yes_bps", ev.PriceYesBps,
	)
	l.publish(*ev)
	return ev, nil
}

func (l *Ledger) buy(ctx context.Context, caller string, o BuyOrder) (*model.Event, error) {
	unlock := l.lock(o.MarketID)
	defer unlock()

	m, err := l.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	if now >= m.EndTime {
		return nil, fmt.Errorf("%w: market %d ended at %d", model.ErrMarketClosed, m.ID, m.EndTime)
	}
	if m.Resolved {
		return nil, model.ErrAlreadyResolved
	}

	q, err := l.mm.Quote(m.YesReserve, m.NoReserve, o.Side, o.Amount)
	if err != nil {
		return nil, err
	}
	if o.MinSharesOut > 0 && q.Shares < o.MinSharesOut {
		return nil, fmt.Errorf("%w: %d < %d", model.ErrSlippageExceeded, q.Shares, o.MinSharesOut)
	}

	// Everything below works on copies; nothing is persisted until Commit.
	p, err := l.store.GetPosition(ctx, m.ID, caller)
	if err != nil {
		return nil, err
	}
	if err := p.Credit(o.Side, q.Shares); err != nil {
		return nil, err
	}
	if o.Side == model.SideYes {
		if m.TotalYesShares, err = fixedpoint.Add(m.TotalYesShares, q.Shares); err != nil {
			return nil, err
		}
	} else {
		if m.TotalNoShares, err = fixedpoint.Add(m.TotalNoShares, q.Shares); err != nil {
			return nil, err
		}
	}
	if m.TotalPool, err = fixedpoint.Add(m.TotalPool, o.Amount); err != nil {
		return nil, err
	}
	m.YesReserve, m.NoReserve = q.NewYesReserve, q.NewNoReserve

	ev := l.newEvent(model.EventSharesPurchased, caller, now)
	ev.Side = o.Side
	ev.Amount = o.Amount
	ev.Fee = q.Fee
	ev.NetAmount = q.NetAmount
	ev.MinSharesOut = o.MinSharesOut
	ev.Shares = q.Shares
	ev.Subject = caller
	ev.Snapshot(m, q.PriceYesBps)

	if err := l.store.Commit(ctx, m, p, ev); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}
	return ev, nil
}
