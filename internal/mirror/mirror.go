package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

// EventSource is the read side of the authoritative store used to rebuild
// the replica at boot.
type EventSource interface {
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListEvents(ctx context.Context, marketID uint64) ([]model.Event, error)
	GetAdministrator(ctx context.Context) (*model.Administrator, error)
}

// Mirror replays committed ledger events through a Replica and checks every
// result against the event. It implements ledger.Sink.
//
// Sinks run after the ledger releases its market lock, so events of one
// chain can arrive out of order. Mirror buffers them and applies each chain
// strictly by sequence.
type Mirror struct {
	replica *Replica

	mu      sync.Mutex
	next    map[uint64]uint64 // next expected sequence per chain
	pending map[uint64]map[uint64]model.Event

	divergences atomic.Uint64
}

// New wraps r.
func New(r *Replica) *Mirror {
	return &Mirror{
		replica: r,
		next:    make(map[uint64]uint64),
		pending: make(map[uint64]map[uint64]model.Event),
	}
}

// Replica returns the underlying replica, for quote previews.
func (m *Mirror) Replica() *Replica { return m.replica }

// Divergences returns how many events disagreed with the replica.
func (m *Mirror) Divergences() uint64 { return m.divergences.Load() }

// Rebuild replays every persisted chain from src. Call it once at boot,
// before the mirror is registered as a sink.
func (m *Mirror) Rebuild(ctx context.Context, src EventSource) error {
	adminEvents, err := src.ListEvents(ctx, 0)
	if err != nil {
		return fmt.Errorf("mirror: list administrator events: %w", err)
	}
	if len(adminEvents) > 0 {
		m.replica.SetAdministrator(adminEvents[0].Actor)
	} else {
		a, err := src.GetAdministrator(ctx)
		switch {
		case err == nil:
			m.replica.SetAdministrator(a.Address)
		case !errors.Is(err, store.ErrNoAdministrator):
			return fmt.Errorf("mirror: get administrator: %w", err)
		}
	}
	for _, ev := range adminEvents {
		m.Publish(ev)
	}

	markets, err := src.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("mirror: list markets: %w", err)
	}
	// ListMarkets is newest first; replay oldest first so IDs line up.
	for i := len(markets) - 1; i >= 0; i-- {
		events, err := src.ListEvents(ctx, markets[i].ID)
		if err != nil {
			return fmt.Errorf("mirror: list events for market %d: %w", markets[i].ID, err)
		}
		for _, ev := range events {
			m.Publish(ev)
		}
	}
	slog.Info("mirror rebuilt", "markets", len(markets), "divergences", m.Divergences())
	return nil
}

// Publish applies ev once every earlier event of its chain has been applied.
func (m *Mirror) Publish(ev model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := ev.MarketID
	next := m.next[chain]
	if next == 0 {
		next = 1
	}
	switch {
	case ev.Sequence < next:
		return // duplicate
	case ev.Sequence > next:
		if m.pending[chain] == nil {
			m.pending[chain] = make(map[uint64]model.Event)
		}
		m.pending[chain][ev.Sequence] = ev
		return
	}

	m.apply(ev)
	next++
	for {
		buffered, ok := m.pending[chain][next]
		if !ok {
			break
		}
		delete(m.pending[chain], next)
		m.apply(buffered)
		next++
	}
	m.next[chain] = next
	metrics.EventsPublished.WithLabelValues("mirror").Inc()
}

func (m *Mirror) apply(ev model.Event) {
	r := m.replica
	var err error
	var before model.Position // buyer's balances ahead of a trade
	switch ev.Type {
	case model.EventMarketCreated:
		r.mu.Lock()
		err = r.create(ev.MarketID, ev.Actor, ev.EndTime, ev.Timestamp, ev.Threshold)
		r.mu.Unlock()

	case model.EventSharesPurchased:
		before = r.Position(ev.MarketID, ev.Actor)
		var q amm.Quote
		q, err = r.Buy(ev.Actor, ev.MarketID, ev.Side, ev.Amount, ev.MinSharesOut, ev.Timestamp)
		if err == nil && (q.Fee != ev.Fee || q.NetAmount != ev.NetAmount || q.Shares != ev.Shares) {
			err = fmt.Errorf("trade fee=%d net=%d shares=%d", q.Fee, q.NetAmount, q.Shares)
		}

	case model.EventMarketResolved:
		// Authorization is checked against the administrator chain, which
		// Rebuild replays separately; only the market transition is verified.
		if ev.Actor == "" {
			err = model.ErrUnauthorized
			break
		}
		r.mu.Lock()
		err = r.resolve(ev.MarketID, ev.Timestamp, func(*market) (model.Side, error) { return ev.Outcome, nil })
		r.mu.Unlock()

	case model.EventPayoutClaimed:
		var payout uint64
		payout, err = r.Claim(ev.Subject, ev.MarketID)
		if err == nil && payout != ev.Payout {
			err = fmt.Errorf("payout %d", payout)
		}

	case model.EventAdministratorRotated:
		if err = r.Rotate(ev.Actor, ev.Subject); err != nil {
			m.diverge(ev, err)
			r.SetAdministrator(ev.Subject)
		}
		return
	}

	if err == nil {
		err = m.compare(ev)
	}
	if err != nil {
		m.diverge(ev, err)
		m.resync(ev, before)
	}
}

// compare checks the replica's market state against the event snapshot.
func (m *Mirror) compare(ev model.Event) error {
	st, ok := m.replica.Market(ev.MarketID)
	if !ok {
		return model.ErrNotFound
	}
	bps, err := m.replica.PriceYesBps(ev.MarketID)
	if err != nil {
		return err
	}
	want := State{
		EndTime:        ev.EndTime,
		YesReserve:     ev.YesReserve,
		NoReserve:      ev.NoReserve,
		TotalYesShares: ev.TotalYesShares,
		TotalNoShares:  ev.TotalNoShares,
		TotalPool:      ev.TotalPool,
		Resolved:       st.Resolved,
		Outcome:        st.Outcome,
	}
	if st != want || bps != ev.PriceYesBps {
		return fmt.Errorf("state %+v price %d", st, bps)
	}
	return nil
}

func (m *Mirror) diverge(ev model.Event, err error) {
	m.divergences.Add(1)
	metrics.MirrorDivergences.Inc()
	slog.Error("mirror diverged from ledger",
		"market_id", ev.MarketID,
		"sequence", ev.Sequence,
		"type", ev.Type,
		"err", err,
	)
}

// resync adopts the ledger's snapshot so later events are checked against
// the authoritative state rather than compounding one divergence. For a
// trade, before holds the buyer's balances ahead of it.
func (m *Mirror) resync(ev model.Event, before model.Position) {
	r := m.replica
	r.mu.Lock()
	defer r.mu.Unlock()

	mk, ok := r.markets[ev.MarketID]
	if !ok {
		mk = &market{}
		r.markets[ev.MarketID] = mk
		if ev.MarketID > r.nextID {
			r.nextID = ev.MarketID
		}
	}
	mk.endTime = ev.EndTime
	mk.yes.SetUint64(ev.YesReserve)
	mk.no.SetUint64(ev.NoReserve)
	mk.totalYes.SetUint64(ev.TotalYesShares)
	mk.totalNo.SetUint64(ev.TotalNoShares)
	mk.pool.SetUint64(ev.TotalPool)

	key := posKey{ev.MarketID, ev.Subject} // buyer, or settled user
	switch ev.Type {
	case model.EventSharesPurchased:
		pos := r.positions[key]
		if pos == nil {
			pos = &position{}
			r.positions[key] = pos
		}
		pos.yes.SetUint64(before.YesShares)
		pos.no.SetUint64(before.NoShares)
		switch ev.Side {
		case model.SideYes:
			pos.yes.Add(&pos.yes, n(ev.Shares))
		case model.SideNo:
			pos.no.Add(&pos.no, n(ev.Shares))
		}
	case model.EventMarketResolved:
		mk.resolved, mk.outcome = true, ev.Outcome
	case model.EventPayoutClaimed:
		pos := r.positions[key]
		if pos == nil {
			pos = &position{}
			r.positions[key] = pos
		}
		pos.claimed = true
	}
}
