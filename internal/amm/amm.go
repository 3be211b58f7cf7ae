// Package amm implements the constant-product automated market maker used to
// price binary YES/NO markets.
//
// The curve holds yesReserve * noReserve constant modulo fees and rounding:
//   - the protocol fee is rounded up, in favour of the pool
//   - shares issued are floored, so the post-trade product never exceeds k
//
// All arithmetic goes through the fixedpoint package. There is no floating
// point on this path; display prices are derived from integer basis points.
package amm

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/fixedpoint"
	"github.com/bitpredict/market-ledger/internal/model"
)

// Default curve parameters.
const (
	DefaultFeeBps           uint64 = 200
	DefaultBpsBase          uint64 = 10_000
	DefaultInitialLiquidity uint64 = 1_000_000
	DefaultMinTradeAmount   uint64 = 1_000
)

var (
	// ErrInvalidParams is returned by NewMarketMaker for unusable parameters.
	ErrInvalidParams = errors.New("amm: invalid curve parameters")

	// ErrReserveDrained is returned when a trade would floor a reserve to zero.
	ErrReserveDrained = fmt.Errorf("%w: trade would drain the reserve", model.ErrInvalidParameter)
)

// Params are the curve constants. They are fixed for the lifetime of a
// ledger; the mirror must be built with identical values.
type Params struct {
	FeeBps           uint64 `toml:"fee_bps"`
	BpsBase          uint64 `toml:"bps_base"`
	InitialLiquidity uint64 `toml:"initial_liquidity"`
	MinTradeAmount   uint64 `toml:"min_trade_amount"`
}

// DefaultParams returns FEE_BPS=200, BPS_BASE=10000,
// INITIAL_LIQUIDITY=1_000_000, MIN_TRADE_AMOUNT=1000.
func DefaultParams() Params {
	return Params{
		FeeBps:           DefaultFeeBps,
		BpsBase:          DefaultBpsBase,
		InitialLiquidity: DefaultInitialLiquidity,
		MinTradeAmount:   DefaultMinTradeAmount,
	}
}

// Validate checks the parameter bounds.
func (p Params) Validate() error {
	if p.BpsBase == 0 {
		return fmt.Errorf("%w: bps_base must be positive", ErrInvalidParams)
	}
	if p.FeeBps >= p.BpsBase {
		return fmt.Errorf("%w: fee_bps must be below bps_base", ErrInvalidParams)
	}
	if p.InitialLiquidity == 0 {
		return fmt.Errorf("%w: initial_liquidity must be positive", ErrInvalidParams)
	}
	if _, err := fixedpoint.Mul(p.InitialLiquidity, p.InitialLiquidity); err != nil {
		return fmt.Errorf("%w: initial_liquidity squared overflows", ErrInvalidParams)
	}
	if p.MinTradeAmount == 0 {
		return fmt.Errorf("%w: min_trade_amount must be positive", ErrInvalidParams)
	}
	return nil
}

// MarketMaker prices trades on the constant-product curve.
// It is stateless: reserves are passed as arguments.
type MarketMaker struct {
	params Params
}

// NewMarketMaker creates a market maker with the given parameters.
func NewMarketMaker(p Params) (*MarketMaker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &MarketMaker{params: p}, nil
}

// Params returns the curve parameters.
func (m *MarketMaker) Params() Params {
	return m.params
}

// Fee computes ceil(amount * FEE_BPS / BPS_BASE).
func (m *MarketMaker) Fee(amount uint64) (uint64, error) {
	scaled, err := fixedpoint.Mul(amount, m.params.FeeBps)
	if err != nil {
		return 0, err
	}
	return fixedpoint.CeilDiv(scaled, m.params.BpsBase)
}

// Quote is the full arithmetic result of one buy.
type Quote struct {
	Side          model.Side `json:"side"`
	Amount        uint64     `json:"amount"`
	Fee           uint64     `json:"fee"`
	NetAmount     uint64     `json:"net_amount"`
	K             uint64     `json:"k"`
	NewYesReserve uint64     `json:"new_yes_reserve"`
	NewNoReserve  uint64     `json:"new_no_reserve"`
	Shares        uint64     `json:"shares"`
	PriceYesBps   uint64     `json:"price_yes_bps"`
}

// Quote computes fee, net input, new reserves and shares for buying side
// with amount against the given reserves. It does not check the minimum
// trade amount; the ledger checks that first.
//
// For YES: newNo = no + net, newYes = floor(k / newNo), shares = yes - newYes.
// NO is symmetric with the sides swapped.
func (m *MarketMaker) Quote(yesReserve, noReserve uint64, side model.Side, amount uint64) (Quote, error) {
	if !side.Valid() {
		return Quote{}, fmt.Errorf("%w: unknown side", model.ErrInvalidParameter)
	}
	fee, err := m.Fee(amount)
	if err != nil {
		return Quote{}, err
	}
	net, err := fixedpoint.Sub(amount, fee)
	if err != nil {
		return Quote{}, err
	}
	k, err := fixedpoint.Mul(yesReserve, noReserve)
	if err != nil {
		return Quote{}, err
	}

	// out is the reserve shares are drawn from, in is the one net flows into.
	out, in := yesReserve, noReserve
	if side == model.SideNo {
		out, in = noReserve, yesReserve
	}

	newIn, err := fixedpoint.Add(in, net)
	if err != nil {
		return Quote{}, err
	}
	newOut, err := fixedpoint.Div(k, newIn)
	if err != nil {
		return Quote{}, err
	}
	if newOut == 0 {
		return Quote{}, ErrReserveDrained
	}
	if newOut >= out {
		return Quote{}, model.ErrTradeTooSmall
	}
	shares, err := fixedpoint.Sub(out, newOut)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Side:      side,
		Amount:    amount,
		Fee:       fee,
		NetAmount: net,
		K:         k,
		Shares:    shares,
	}
	if side == model.SideYes {
		q.NewYesReserve, q.NewNoReserve = newOut, newIn
	} else {
		q.NewYesReserve, q.NewNoReserve = newIn, newOut
	}
	q.PriceYesBps, err = m.PriceYesBps(q.NewYesReserve, q.NewNoReserve)
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}

// PriceYesBps returns the YES price in basis points:
// noReserve * BPS_BASE / (yesReserve + noReserve).
func (m *MarketMaker) PriceYesBps(yesReserve, noReserve uint64) (uint64, error) {
	total, err := fixedpoint.Add(yesReserve, noReserve)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(noReserve, m.params.BpsBase, total)
}

// DisplayPrices converts a basis-point YES price to decimal probabilities.
func (m *MarketMaker) DisplayPrices(priceYesBps uint64) (yes, no decimal.Decimal) {
	base := decimal.NewFromInt(int64(m.params.BpsBase))
	yes = decimal.NewFromInt(int64(priceYesBps)).Div(base)
	return yes, decimal.NewFromInt(1).Sub(yes)
}
