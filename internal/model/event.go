package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// EventType discriminates ledger event records.
type EventType string

const (
	EventMarketCreated        EventType = "MarketCreated"
	EventSharesPurchased      EventType = "SharesPurchased"
	EventMarketResolved       EventType = "MarketResolved"
	EventPayoutClaimed        EventType = "PayoutClaimed"
	EventAdministratorRotated EventType = "AdministratorRotated"
)

// GenesisHashSeed seeds the prevHash of the first event in every chain.
const GenesisHashSeed = "market-ledger:genesis:v1"

// GenesisHash is hex(SHA-256(GenesisHashSeed)).
var GenesisHash = func() string {
	sum := sha256.Sum256([]byte(GenesisHashSeed))
	return hex.EncodeToString(sum[:])
}()

// Event is an immutable, append-only record of one mutating ledger call.
// Once appended it is never modified or deleted. It carries the resulting
// market state so a consumer can rebuild reserves and counters by replay.
type Event struct {
	ID       string    `json:"id"`
	MarketID uint64    `json:"market_id"` // 0 for administrator events
	Sequence uint64    `json:"sequence"`
	Type     EventType `json:"type"`
	Actor    string    `json:"actor"`

	Side         Side   `json:"side,omitempty"`
	Amount       uint64 `json:"amount,omitempty"`
	Fee          uint64 `json:"fee,omitempty"`
	NetAmount    uint64 `json:"net_amount,omitempty"`
	MinSharesOut uint64 `json:"min_shares_out,omitempty"`
	Shares       uint64 `json:"shares,omitempty"`
	Payout       uint64 `json:"payout,omitempty"`
	Outcome      Side   `json:"outcome,omitempty"`
	Subject      string `json:"subject,omitempty"` // new administrator, settled user

	Threshold *Threshold `json:"threshold,omitempty"` // MarketCreated of an oracle market

	YesReserve     uint64 `json:"yes_reserve"`
	NoReserve      uint64 `json:"no_reserve"`
	TotalYesShares uint64 `json:"total_yes_shares"`
	TotalNoShares  uint64 `json:"total_no_shares"`
	TotalPool      uint64 `json:"total_pool"`
	PriceYesBps    uint64 `json:"price_yes_bps"`
	EndTime        uint64 `json:"end_time"`

	Timestamp uint64 `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// Chain is the head of an append-only event chain.
type Chain struct {
	EventSeq uint64 `json:"event_seq"`
	HeadHash string `json:"head_hash"`
}

// Append links ev to the chain: it assigns the next sequence, sets PrevHash,
// computes Hash and advances the head.
func (c *Chain) Append(ev *Event) {
	prev := c.HeadHash
	if prev == "" {
		prev = GenesisHash
	}
	ev.Sequence = c.EventSeq + 1
	ev.PrevHash = prev
	ev.Hash = ev.ComputeHash()

	c.EventSeq = ev.Sequence
	c.HeadHash = ev.Hash
}

// ComputeHash returns hex(SHA-256(prevHash || sequence || payload)).
func (e *Event) ComputeHash() string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	writeUint(h, e.Sequence)
	writeString(h, e.ID)
	writeUint(h, e.MarketID)
	writeString(h, string(e.Type))
	writeString(h, e.Actor)
	writeUint(h, uint64(e.Side))
	writeUint(h, e.Amount)
	writeUint(h, e.Fee)
	writeUint(h, e.NetAmount)
	writeUint(h, e.MinSharesOut)
	writeUint(h, e.Shares)
	writeUint(h, e.Payout)
	writeUint(h, uint64(e.Outcome))
	writeString(h, e.Subject)
	if e.Threshold != nil {
		writeString(h, e.Threshold.String())
	} else {
		writeString(h, "")
	}
	writeUint(h, e.YesReserve)
	writeUint(h, e.NoReserve)
	writeUint(h, e.TotalYesShares)
	writeUint(h, e.TotalNoShares)
	writeUint(h, e.TotalPool)
	writeUint(h, e.PriceYesBps)
	writeUint(h, e.EndTime)
	writeUint(h, e.Timestamp)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks sequence continuity and hash linkage of one chain's
// events in order.
func VerifyChain(events []Event) bool {
	prev := GenesisHash
	for i, e := range events {
		if e.Sequence != uint64(i)+1 || e.PrevHash != prev || e.ComputeHash() != e.Hash {
			return false
		}
		prev = e.Hash
	}
	return true
}

// Snapshot copies the market's resulting state onto the event.
func (e *Event) Snapshot(m *Market, priceYesBps uint64) {
	e.MarketID = m.ID
	e.YesReserve = m.YesReserve
	e.NoReserve = m.NoReserve
	e.TotalYesShares = m.TotalYesShares
	e.TotalNoShares = m.TotalNoShares
	e.TotalPool = m.TotalPool
	e.PriceYesBps = priceYesBps
	e.EndTime = m.EndTime
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}
