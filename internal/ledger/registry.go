package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bitpredict/market-ledger/internal/contract"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
)

// MarketSpec describes a market to create.
type MarketSpec struct {
	EndTime   uint64
	Question  string
	Threshold *model.Threshold // optional; enables ResolveByOracle
}

// CreateMarket registers a new market with both reserves at the initial
// liquidity and returns its sequential ID. Any caller may create a market.
func (l *Ledger) CreateMarket(ctx context.Context, caller string, spec MarketSpec) (uint64, error) {
	if err := requireCaller(caller); err != nil {
		return 0, reject("create", err)
	}
	now := l.clock.Now()
	if spec.EndTime <= now {
		return 0, reject("create", fmt.Errorf("%w: end time %d is not after now %d",
			model.ErrInvalidParameter, spec.EndTime, now))
	}
	if err := contract.Validate(spec.Threshold); err != nil {
		return 0, reject("create", err)
	}

	liquidity := l.mm.Params().InitialLiquidity
	m := &model.Market{
		Creator:    caller,
		Question:   strings.TrimSpace(spec.Question),
		Threshold:  spec.Threshold,
		EndTime:    spec.EndTime,
		YesReserve: liquidity,
		NoReserve:  liquidity,
		CreatedAt:  now,
	}
	bps, err := l.mm.PriceYesBps(liquidity, liquidity)
	if err != nil {
		return 0, reject("create", err)
	}
	ev := l.newEvent(model.EventMarketCreated, caller, now)
	ev.PriceYesBps = bps
	ev.Threshold = m.Threshold

	if err := l.store.CreateMarket(ctx, m, ev); err != nil {
		return 0, reject("create", fmt.Errorf("create market: %w", err))
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"market_id", m.ID,
		"creator", caller,
		"end_time", m.EndTime,
		"threshold", thresholdString(m.Threshold),
	)
	l.publish(*ev)
	return m.ID, nil
}

func thresholdString(t *model.Threshold) string {
	if t == nil {
		return ""
	}
	return t.String()
}
