// Package model defines the core domain types shared across the market ledger.
// All monetary values and share counts are uint64 integers in the smallest
// unit (sats), never float64 for money. Display prices use shopspring/decimal.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/fixedpoint"
)

// Side is one of the two outcomes of a binary market. It is used both for
// the side of a trade and for the resolved outcome.
type Side uint8

const (
	SideUnknown Side = iota
	SideYes
	SideNo
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	default:
		return ""
	}
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	if s == SideNo {
		return SideYes
	}
	return SideUnknown
}

// ParseSide accepts "YES"/"NO" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return SideYes, nil
	case "NO":
		return SideNo, nil
	}
	return SideUnknown, fmt.Errorf("%w: side must be YES or NO, got %q", ErrInvalidParameter, s)
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SideUnknown
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = SideUnknown
		return nil
	}
	parsed, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Market lifecycle states, derived from endTime and the resolved flag.
const (
	StatusOpen     = "OPEN"
	StatusExpired  = "EXPIRED"
	StatusResolved = "RESOLVED"
)

// Threshold describes an auxiliary short-duration market that resolves from
// a single oracle reading: YES when Reading <Op> Strike holds, NO otherwise.
type Threshold struct {
	Symbol string          `json:"symbol"` // e.g. BTCUSDT
	Op     string          `json:"op"`     // one of >=, >, <=, <
	Strike decimal.Decimal `json:"strike"`
}

// Outcome evaluates the threshold against an oracle reading.
func (t Threshold) Outcome(reading decimal.Decimal) Side {
	var hit bool
	switch t.Op {
	case ">=":
		hit = reading.GreaterThanOrEqual(t.Strike)
	case ">":
		hit = reading.GreaterThan(t.Strike)
	case "<=":
		hit = reading.LessThanOrEqual(t.Strike)
	case "<":
		hit = reading.LessThan(t.Strike)
	}
	if hit {
		return SideYes
	}
	return SideNo
}

func (t Threshold) String() string {
	return t.Symbol + t.Op + t.Strike.String()
}

// Market is the authoritative state of one binary market and its AMM.
type Market struct {
	ID             uint64     `json:"id"`
	Creator        string     `json:"creator"`
	Question       string     `json:"question,omitempty"`
	Threshold      *Threshold `json:"threshold,omitempty"`
	EndTime        uint64     `json:"end_time"`
	YesReserve     uint64     `json:"yes_reserve"`
	NoReserve      uint64     `json:"no_reserve"`
	TotalYesShares uint64     `json:"total_yes_shares"`
	TotalNoShares  uint64     `json:"total_no_shares"`
	TotalPool      uint64     `json:"total_pool"`
	Resolved       bool       `json:"resolved"`
	Outcome        Side       `json:"outcome"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	CreatedAt      uint64     `json:"created_at"`
	Chain
}

// Status derives the lifecycle state at the given clock reading.
func (m *Market) Status(now uint64) string {
	switch {
	case m.Resolved:
		return StatusResolved
	case now >= m.EndTime:
		return StatusExpired
	default:
		return StatusOpen
	}
}

// TotalShares returns the supply counter for one side.
func (m *Market) TotalShares(side Side) uint64 {
	if side == SideYes {
		return m.TotalYesShares
	}
	return m.TotalNoShares
}

// MarketInfo is the read view returned by getMarketInfo.
type MarketInfo struct {
	ID             uint64          `json:"id"`
	Question       string          `json:"question,omitempty"`
	Threshold      *Threshold      `json:"threshold,omitempty"`
	YesReserve     uint64          `json:"yes_reserve"`
	NoReserve      uint64          `json:"no_reserve"`
	TotalYesShares uint64          `json:"total_yes_shares"`
	TotalNoShares  uint64          `json:"total_no_shares"`
	TotalPool      uint64          `json:"total_pool"`
	EndTime        uint64          `json:"end_time"`
	Resolved       bool            `json:"resolved"`
	Outcome        Side            `json:"outcome"`
	Status         string          `json:"status"`
	PriceYesBps    uint64          `json:"price_yes_bps"`
	PriceYes       decimal.Decimal `json:"price_yes"`
	PriceNo        decimal.Decimal `json:"price_no"`
}

// Position is a user's share balances in one market.
type Position struct {
	MarketID  uint64 `json:"market_id"`
	User      string `json:"user"`
	YesShares uint64 `json:"yes_shares"`
	NoShares  uint64 `json:"no_shares"`
	Claimed   bool   `json:"claimed"`
}

// Credit adds shares to one side. Balances only ever grow.
func (p *Position) Credit(side Side, amount uint64) error {
	switch side {
	case SideYes:
		v, err := fixedpoint.Add(p.YesShares, amount)
		if err != nil {
			return err
		}
		p.YesShares = v
	case SideNo:
		v, err := fixedpoint.Add(p.NoShares, amount)
		if err != nil {
			return err
		}
		p.NoShares = v
	default:
		return fmt.Errorf("%w: unknown side", ErrInvalidParameter)
	}
	return nil
}

// Shares returns the balance for one side.
func (p *Position) Shares(side Side) uint64 {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// MarkClaimed flips the claimed flag. A second call fails with
// ErrAlreadyClaimed; balances are left untouched.
func (p *Position) MarkClaimed() error {
	if p.Claimed {
		return ErrAlreadyClaimed
	}
	p.Claimed = true
	return nil
}

// Administrator is the process-wide privileged identity.
type Administrator struct {
	Address string `json:"address"`
	Chain
}
