// Package store defines the persistence interface for the market ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/bitpredict/market-ledger/internal/model"
)

var (
	// ErrConflict is returned by Commit when the stored market moved on
	// since it was read. The ledger serializes per market, so this only
	// fires when two processes share one database.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrNoAdministrator is returned before the administrator is bootstrapped.
	ErrNoAdministrator = errors.New("store: administrator not set")
)

// Store is the persistence interface. Every mutating call is atomic: either
// all of market, position and event are written, or none is.
type Store interface {
	// --- Market registry ---

	// CreateMarket assigns the next sequential ID to m, appends ev as the
	// first event of the market's chain and persists both.
	CreateMarket(ctx context.Context, m *model.Market, ev *model.Event) error

	// GetMarket retrieves a market by ID. Unknown IDs wrap model.ErrNotFound.
	GetMarket(ctx context.Context, id uint64) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Position ledger ---

	// GetPosition returns the position for (marketID, user). A user who
	// never traded gets a zero-valued position, not an error.
	GetPosition(ctx context.Context, marketID uint64, user string) (*model.Position, error)

	// ListPositions returns every position in a market.
	ListPositions(ctx context.Context, marketID uint64) ([]model.Position, error)

	// ListUserPositions returns every position held by a user.
	ListUserPositions(ctx context.Context, user string) ([]model.Position, error)

	// --- Atomic mutation ---

	// Commit appends ev to m's chain and persists the market, the optional
	// position and the event together. It fails with ErrConflict if the
	// stored chain head differs from m's, and with model.ErrAlreadyClaimed
	// if p would overwrite a position that is already claimed.
	Commit(ctx context.Context, m *model.Market, p *model.Position, ev *model.Event) error

	// --- Append-only event log ---

	// ListEvents returns a chain's events in sequence order. Market ID 0 is
	// the administrator chain.
	ListEvents(ctx context.Context, marketID uint64) ([]model.Event, error)

	// --- Administrator ---

	// GetAdministrator returns the current administrator or ErrNoAdministrator.
	GetAdministrator(ctx context.Context) (*model.Administrator, error)

	// SetAdministrator stores a. With a nil ev it only bootstraps and fails
	// with ErrConflict when an administrator already exists; otherwise ev is
	// appended to the administrator chain in the same write.
	SetAdministrator(ctx context.Context, a *model.Administrator, ev *model.Event) error
}
