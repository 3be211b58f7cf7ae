package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitpredict/market-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(20,0), which covers the full uint64 range,
// and read back as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`,
			entry.Name()).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Ping checks database connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const marketColumns = `id, creator, question, threshold,
	end_time::TEXT, yes_reserve::TEXT, no_reserve::TEXT,
	total_yes_shares::TEXT, total_no_shares::TEXT, total_pool::TEXT,
	resolved, outcome, resolved_by, created_at::TEXT, event_seq, head_hash`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, ev *model.Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx,
			`UPDATE ledger_counters SET value = value + 1 WHERE name = 'market_id' RETURNING value`).
			Scan(&id); err != nil {
			return fmt.Errorf("allocate market id: %w", err)
		}

		// Work on copies so a failed transaction leaves the caller's values
		// untouched.
		mc, evc := *m, *ev
		mc.ID = uint64(id)
		evc.Snapshot(&mc, evc.PriceYesBps)
		mc.Append(&evc)

		threshold, err := thresholdJSON(mc.Threshold)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets (id, creator, question, threshold, end_time, yes_reserve, no_reserve,
			                      total_yes_shares, total_no_shares, total_pool, resolved, outcome,
			                      resolved_by, created_at, event_seq, head_hash)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11, $12, $13, $14::NUMERIC, $15, $16)`,
			id, mc.Creator, mc.Question, threshold, u(mc.EndTime), u(mc.YesReserve), u(mc.NoReserve),
			u(mc.TotalYesShares), u(mc.TotalNoShares), u(mc.TotalPool), mc.Resolved, mc.Outcome.String(),
			mc.ResolvedBy, u(mc.CreatedAt), int64(mc.EventSeq), mc.HeadHash,
		); err != nil {
			return fmt.Errorf("insert market: %w", err)
		}
		if err := insertEvent(ctx, tx, &evc); err != nil {
			return err
		}
		*m, *ev = mc, evc
		return nil
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID uint64, user string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, claimed
		 FROM positions WHERE market_id = $1 AND user_addr = $2`, int64(marketID), user))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{MarketID: marketID, User: user}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d/%s: %w", marketID, user, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, marketID uint64) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, claimed
		 FROM positions WHERE market_id = $1 ORDER BY user_addr`, int64(marketID))
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, user string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, claimed
		 FROM positions WHERE user_addr = $1 ORDER BY market_id`, user)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) Commit(ctx context.Context, m *model.Market, p *model.Position, ev *model.Event) error {
	mc, evc := *m, *ev
	prevSeq := mc.EventSeq
	mc.Append(&evc)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets
			 SET yes_reserve = $2::NUMERIC, no_reserve = $3::NUMERIC,
			     total_yes_shares = $4::NUMERIC, total_no_shares = $5::NUMERIC,
			     total_pool = $6::NUMERIC, resolved = $7, outcome = $8, resolved_by = $9,
			     event_seq = $10, head_hash = $11
			 WHERE id = $1 AND event_seq = $12`,
			int64(mc.ID), u(mc.YesReserve), u(mc.NoReserve), u(mc.TotalYesShares), u(mc.TotalNoShares),
			u(mc.TotalPool), mc.Resolved, mc.Outcome.String(), mc.ResolvedBy,
			int64(mc.EventSeq), mc.HeadHash, int64(prevSeq))
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		if p != nil {
			// The claimed guard makes the flag flip the single point of
			// serialization for payouts across processes.
			tag, err := tx.Exec(ctx,
				`INSERT INTO positions (market_id, user_addr, yes_shares, no_shares, claimed)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
				 ON CONFLICT (market_id, user_addr) DO UPDATE
				 SET yes_shares = EXCLUDED.yes_shares, no_shares = EXCLUDED.no_shares,
				     claimed = EXCLUDED.claimed
				 WHERE positions.claimed = FALSE`,
				int64(p.MarketID), p.User, u(p.YesShares), u(p.NoShares), p.Claimed)
			if err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return model.ErrAlreadyClaimed
			}
		}
		return insertEvent(ctx, tx, &evc)
	})
	if err != nil {
		return err
	}
	*m, *ev = mc, evc
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, marketID uint64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM ledger_events WHERE market_id = $1 ORDER BY sequence`, int64(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetAdministrator(ctx context.Context) (*model.Administrator, error) {
	var a model.Administrator
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT address, event_seq, head_hash FROM administrator`).Scan(&a.Address, &seq, &a.HeadHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAdministrator
	}
	if err != nil {
		return nil, fmt.Errorf("get administrator: %w", err)
	}
	a.EventSeq = uint64(seq)
	return &a, nil
}

func (s *PostgresStore) SetAdministrator(ctx context.Context, a *model.Administrator, ev *model.Event) error {
	if ev == nil {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO administrator (address) VALUES ($1) ON CONFLICT (singleton) DO NOTHING`, a.Address)
		if err != nil {
			return fmt.Errorf("bootstrap administrator: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	}

	ac, evc := *a, *ev
	prevSeq := ac.EventSeq
	ac.Append(&evc)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE administrator SET address = $1, event_seq = $2, head_hash = $3 WHERE event_seq = $4`,
			ac.Address, int64(ac.EventSeq), ac.HeadHash, int64(prevSeq))
		if err != nil {
			return fmt.Errorf("update administrator: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return insertEvent(ctx, tx, &evc)
	})
	if err != nil {
		return err
	}
	*a, *ev = ac, evc
	return nil
}

// --- Row helpers ---

func insertEvent(ctx context.Context, tx pgx.Tx, ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_events (market_id, sequence, id, type, prev_hash, hash, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(ev.MarketID), int64(ev.Sequence), ev.ID, string(ev.Type), ev.PrevHash, ev.Hash, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var id, seq int64
	var threshold []byte
	var endTime, yes, no, totalYes, totalNo, pool, createdAt, outcome string

	if err := row.Scan(&id, &m.Creator, &m.Question, &threshold,
		&endTime, &yes, &no, &totalYes, &totalNo, &pool,
		&m.Resolved, &outcome, &m.ResolvedBy, &createdAt, &seq, &m.HeadHash); err != nil {
		return nil, err
	}
	m.ID, m.EventSeq = uint64(id), uint64(seq)

	var err error
	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&m.EndTime, endTime}, {&m.YesReserve, yes}, {&m.NoReserve, no},
		{&m.TotalYesShares, totalYes}, {&m.TotalNoShares, totalNo},
		{&m.TotalPool, pool}, {&m.CreatedAt, createdAt},
	} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return nil, fmt.Errorf("market %d: parse numeric %q: %w", id, f.src, err)
		}
	}
	if outcome != "" {
		if m.Outcome, err = model.ParseSide(outcome); err != nil {
			return nil, err
		}
	}
	if len(threshold) > 0 {
		var t model.Threshold
		if err := json.Unmarshal(threshold, &t); err != nil {
			return nil, fmt.Errorf("market %d: decode threshold: %w", id, err)
		}
		m.Threshold = &t
	}
	return &m, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var marketID int64
	var yes, no string
	if err := row.Scan(&marketID, &p.User, &yes, &no, &p.Claimed); err != nil {
		return nil, err
	}
	p.MarketID = uint64(marketID)

	var err error
	if p.YesShares, err = strconv.ParseUint(yes, 10, 64); err != nil {
		return nil, fmt.Errorf("position: parse yes_shares %q: %w", yes, err)
	}
	if p.NoShares, err = strconv.ParseUint(no, 10, 64); err != nil {
		return nil, fmt.Errorf("position: parse no_shares %q: %w", no, err)
	}
	return &p, nil
}

func thresholdJSON(t *model.Threshold) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// u renders a uint64 for a ::NUMERIC parameter.
func u(v uint64) string { return strconv.FormatUint(v, 10) }
