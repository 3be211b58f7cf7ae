// Package mirror is an independent replica of the ledger state machine built
// on holiman/uint256 instead of the ledger's checked uint64 core. It serves
// two purposes: quote previews that never touch the authoritative store, and
// continuous verification that both implementations agree bit for bit.
//
// The replica shares only data types and curve parameters with the ledger.
// All arithmetic and every precondition are re-implemented here, in the same
// order, so that identical inputs produce identical results and error kinds.
package mirror

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/model"
)

type market struct {
	endTime   uint64
	yes, no   uint256.Int
	totalYes  uint256.Int
	totalNo   uint256.Int
	pool      uint256.Int
	resolved  bool
	outcome   model.Side
	threshold *model.Threshold
}

type position struct {
	yes, no uint256.Int
	claimed bool
}

type posKey struct {
	marketID uint64
	user     string
}

// State is a comparable snapshot of one market's numeric state.
type State struct {
	EndTime        uint64
	YesReserve     uint64
	NoReserve      uint64
	TotalYesShares uint64
	TotalNoShares  uint64
	TotalPool      uint64
	Resolved       bool
	Outcome        model.Side
}

// StateOf extracts the comparable state from a ledger market.
func StateOf(m *model.Market) State {
	return State{
		EndTime:        m.EndTime,
		YesReserve:     m.YesReserve,
		NoReserve:      m.NoReserve,
		TotalYesShares: m.TotalYesShares,
		TotalNoShares:  m.TotalNoShares,
		TotalPool:      m.TotalPool,
		Resolved:       m.Resolved,
		Outcome:        m.Outcome,
	}
}

func (m *market) state() State {
	return State{
		EndTime:        m.endTime,
		YesReserve:     m.yes.Uint64(),
		NoReserve:      m.no.Uint64(),
		TotalYesShares: m.totalYes.Uint64(),
		TotalNoShares:  m.totalNo.Uint64(),
		TotalPool:      m.pool.Uint64(),
		Resolved:       m.resolved,
		Outcome:        m.outcome,
	}
}

// Replica holds the mirrored ledger state. It is safe for concurrent use.
type Replica struct {
	mu sync.Mutex

	feeBps, bpsBase, liquidity, minTrade uint256.Int

	admin     string
	nextID    uint64
	markets   map[uint64]*market
	positions map[posKey]*position
}

// NewReplica creates an empty replica with the given curve parameters.
func NewReplica(p amm.Params) *Replica {
	r := &Replica{
		markets:   make(map[uint64]*market),
		positions: make(map[posKey]*position),
	}
	r.feeBps.SetUint64(p.FeeBps)
	r.bpsBase.SetUint64(p.BpsBase)
	r.liquidity.SetUint64(p.InitialLiquidity)
	r.minTrade.SetUint64(p.MinTradeAmount)
	return r
}

// SetAdministrator installs the administrator without an authorization check.
func (r *Replica) SetAdministrator(addr string) {
	r.mu.Lock()
	r.admin = addr
	r.mu.Unlock()
}

// Market returns the state of one market.
func (r *Replica) Market(id uint64) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return State{}, false
	}
	return m.state(), true
}

// Position returns a user's mirrored balances, zero if never traded.
func (r *Replica) Position(id uint64, user string) model.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := model.Position{MarketID: id, User: user}
	if pos, ok := r.positions[posKey{id, user}]; ok {
		p.YesShares, p.NoShares, p.Claimed = pos.yes.Uint64(), pos.no.Uint64(), pos.claimed
	}
	return p
}

// CreateMarket mirrors the registry's create, assigning the next ID.
func (r *Replica) CreateMarket(caller string, endTime, now uint64, t *model.Threshold) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID + 1
	if err := r.create(id, caller, endTime, now, t); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Replica) create(id uint64, caller string, endTime, now uint64, t *model.Threshold) error {
	if caller == "" {
		return fmt.Errorf("%w: caller identity required", model.ErrInvalidParameter)
	}
	if endTime <= now {
		return fmt.Errorf("%w: end time not in the future", model.ErrInvalidParameter)
	}
	if t != nil && !wellFormed(t) {
		return fmt.Errorf("%w: malformed threshold", model.ErrInvalidParameter)
	}
	if _, err := r.priceYesBps(&r.liquidity, &r.liquidity); err != nil {
		return err
	}
	m := &market{endTime: endTime, threshold: t}
	m.yes.Set(&r.liquidity)
	m.no.Set(&r.liquidity)
	r.markets[id] = m
	if id > r.nextID {
		r.nextID = id
	}
	return nil
}

func wellFormed(t *model.Threshold) bool {
	if t.Symbol == "" || !t.Strike.IsPositive() {
		return false
	}
	switch t.Op {
	case ">=", ">", "<=", "<":
		return true
	}
	return false
}

// Quote previews a buy without mutating state. It applies the same checks
// as Buy except the caller and slippage bound.
func (r *Replica) Quote(id uint64, side model.Side, amount, now uint64) (amm.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n(amount).Lt(&r.minTrade) {
		return amm.Quote{}, model.ErrBelowMinimum
	}
	if !side.Valid() {
		return amm.Quote{}, fmt.Errorf("%w: side must be YES or NO", model.ErrInvalidParameter)
	}
	m, err := r.open(id, now)
	if err != nil {
		return amm.Quote{}, err
	}
	return r.swap(m, side, amount)
}

// Buy mirrors buyShares.
func (r *Replica) Buy(caller string, id uint64, side model.Side, amount, minSharesOut, now uint64) (amm.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n(amount).Lt(&r.minTrade) {
		return amm.Quote{}, model.ErrBelowMinimum
	}
	if caller == "" {
		return amm.Quote{}, fmt.Errorf("%w: caller identity required", model.ErrInvalidParameter)
	}
	if !side.Valid() {
		return amm.Quote{}, fmt.Errorf("%w: side must be YES or NO", model.ErrInvalidParameter)
	}
	m, err := r.open(id, now)
	if err != nil {
		return amm.Quote{}, err
	}
	q, err := r.swap(m, side, amount)
	if err != nil {
		return amm.Quote{}, err
	}
	if minSharesOut > 0 && q.Shares < minSharesOut {
		return amm.Quote{}, model.ErrSlippageExceeded
	}

	// Stage every new value first; commit only when all of them fit.
	shares := n(q.Shares)
	key := posKey{id, caller}
	pos := r.positions[key]
	if pos == nil {
		pos = &position{}
	}
	newPos := *pos
	newTotalYes, newTotalNo := m.totalYes, m.totalNo
	if side == model.SideYes {
		v, err := add(&pos.yes, shares)
		if err != nil {
			return amm.Quote{}, err
		}
		newPos.yes = *v
		if v, err = add(&m.totalYes, shares); err != nil {
			return amm.Quote{}, err
		}
		newTotalYes = *v
	} else {
		v, err := add(&pos.no, shares)
		if err != nil {
			return amm.Quote{}, err
		}
		newPos.no = *v
		if v, err = add(&m.totalNo, shares); err != nil {
			return amm.Quote{}, err
		}
		newTotalNo = *v
	}
	newPool, err := add(&m.pool, n(amount))
	if err != nil {
		return amm.Quote{}, err
	}

	m.yes.SetUint64(q.NewYesReserve)
	m.no.SetUint64(q.NewNoReserve)
	m.totalYes, m.totalNo, m.pool = newTotalYes, newTotalNo, *newPool
	r.positions[key] = &newPos
	return q, nil
}

func (r *Replica) open(id, now uint64) (*market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if now >= m.endTime {
		return nil, model.ErrMarketClosed
	}
	if m.resolved {
		return nil, model.ErrAlreadyResolved
	}
	return m, nil
}

// swap computes one constant-product buy against m's reserves.
func (r *Replica) swap(m *market, side model.Side, amount uint64) (amm.Quote, error) {
	amt := n(amount)
	scaled, err := mul(amt, &r.feeBps)
	if err != nil {
		return amm.Quote{}, err
	}
	fee, err := ceilDiv(scaled, &r.bpsBase)
	if err != nil {
		return amm.Quote{}, err
	}
	net, err := sub(amt, fee)
	if err != nil {
		return amm.Quote{}, err
	}
	k, err := mul(&m.yes, &m.no)
	if err != nil {
		return amm.Quote{}, err
	}

	out, in := &m.yes, &m.no
	if side == model.SideNo {
		out, in = &m.no, &m.yes
	}
	newIn, err := add(in, net)
	if err != nil {
		return amm.Quote{}, err
	}
	newOut, err := div(k, newIn)
	if err != nil {
		return amm.Quote{}, err
	}
	if newOut.IsZero() {
		return amm.Quote{}, fmt.Errorf("%w: trade would drain the reserve", model.ErrInvalidParameter)
	}
	if !newOut.Lt(out) {
		return amm.Quote{}, model.ErrTradeTooSmall
	}
	shares, err := sub(out, newOut)
	if err != nil {
		return amm.Quote{}, err
	}

	newYes, newNo := newOut, newIn
	if side == model.SideNo {
		newYes, newNo = newIn, newOut
	}
	bps, err := r.priceYesBps(newYes, newNo)
	if err != nil {
		return amm.Quote{}, err
	}
	return amm.Quote{
		Side:          side,
		Amount:        amount,
		Fee:           fee.Uint64(),
		NetAmount:     net.Uint64(),
		K:             k.Uint64(),
		NewYesReserve: newYes.Uint64(),
		NewNoReserve:  newNo.Uint64(),
		Shares:        shares.Uint64(),
		PriceYesBps:   bps.Uint64(),
	}, nil
}

func (r *Replica) priceYesBps(yes, no *uint256.Int) (*uint256.Int, error) {
	total, err := add(yes, no)
	if err != nil {
		return nil, err
	}
	return mulDiv(no, &r.bpsBase, total)
}

// PriceYesBps returns the mirrored YES price of a market.
func (r *Replica) PriceYesBps(id uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return 0, model.ErrNotFound
	}
	bps, err := r.priceYesBps(&m.yes, &m.no)
	if err != nil {
		return 0, err
	}
	return bps.Uint64(), nil
}

// Resolve mirrors resolveMarket, including the administrator check.
func (r *Replica) Resolve(caller string, id uint64, outcome model.Side, now uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller == "" || r.admin == "" || caller != r.admin {
		return model.ErrUnauthorized
	}
	if !outcome.Valid() {
		return fmt.Errorf("%w: outcome must be YES or NO", model.ErrInvalidParameter)
	}
	return r.resolve(id, now, func(*market) (model.Side, error) { return outcome, nil })
}

// ResolveByOracle mirrors oracle resolution of a threshold market.
func (r *Replica) ResolveByOracle(id uint64, reading decimal.Decimal, now uint64) (model.Side, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var outcome model.Side
	err := r.resolve(id, now, func(m *market) (model.Side, error) {
		if m.threshold == nil {
			return model.SideUnknown, fmt.Errorf("%w: no oracle threshold", model.ErrInvalidParameter)
		}
		outcome = m.threshold.Outcome(reading)
		return outcome, nil
	})
	return outcome, err
}

func (r *Replica) resolve(id, now uint64, decide func(*market) (model.Side, error)) error {
	m, ok := r.markets[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.resolved {
		return model.ErrAlreadyResolved
	}
	if now < m.endTime {
		return model.ErrTooEarly
	}
	outcome, err := decide(m)
	if err != nil {
		return err
	}
	if _, err := r.priceYesBps(&m.yes, &m.no); err != nil {
		return err
	}
	m.resolved, m.outcome = true, outcome
	return nil
}

// Claim mirrors claimPayout for user and returns the payout.
func (r *Replica) Claim(user string, id uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user == "" {
		return 0, fmt.Errorf("%w: caller identity required", model.ErrInvalidParameter)
	}
	m, ok := r.markets[id]
	if !ok {
		return 0, model.ErrNotFound
	}
	if !m.resolved {
		return 0, model.ErrNotResolved
	}
	pos := r.positions[posKey{id, user}]
	if pos == nil {
		pos = &position{}
	}
	if pos.claimed {
		return 0, model.ErrAlreadyClaimed
	}
	winning, total := &pos.yes, &m.totalYes
	if m.outcome == model.SideNo {
		winning, total = &pos.no, &m.totalNo
	}
	if winning.IsZero() {
		return 0, model.ErrNoWinningShares
	}
	if total.IsZero() {
		return 0, model.ErrNoWinningPool
	}
	payout, err := mulDiv(winning, &m.pool, total)
	if err != nil {
		return 0, err
	}
	if _, err := r.priceYesBps(&m.yes, &m.no); err != nil {
		return 0, err
	}
	pos.claimed = true
	r.positions[posKey{id, user}] = pos
	return payout.Uint64(), nil
}

// Rotate mirrors administrator rotation.
func (r *Replica) Rotate(caller, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next == "" {
		return fmt.Errorf("%w: new administrator required", model.ErrInvalidParameter)
	}
	if caller == "" || r.admin == "" || caller != r.admin {
		return model.ErrUnauthorized
	}
	if next == caller {
		return fmt.Errorf("%w: new administrator equals current", model.ErrInvalidParameter)
	}
	r.admin = next
	return nil
}
