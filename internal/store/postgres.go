package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Records are kept as JSONB
// documents; fixed-point amounts inside them are decimal strings.
const Schema = `
CREATE TABLE IF NOT EXISTS exchange_state (
	id  SMALLINT PRIMARY KEY CHECK (id = 1),
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS perp_markets (
	market_index INTEGER PRIMARY KEY,
	symbol       TEXT NOT NULL UNIQUE,
	doc          JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS spot_markets (
	market_index INTEGER PRIMARY KEY,
	symbol       TEXT NOT NULL UNIQUE,
	doc          JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id         UUID PRIMARY KEY,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS insurance_fund_stakes (
	user_id      UUID NOT NULL,
	market_index INTEGER NOT NULL,
	doc          JSONB NOT NULL,
	PRIMARY KEY (user_id, market_index)
);
CREATE TABLE IF NOT EXISTS ledger (
	seq        BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_kind_seq ON ledger (kind, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Each Commit runs in a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error) {
	var m model.PerpMarket
	err := s.getDoc(ctx, &m, fmt.Sprintf("perp market %d", index),
		`SELECT doc::TEXT FROM perp_markets WHERE market_index = $1`, int32(index))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error) {
	var m model.PerpMarket
	err := s.getDoc(ctx, &m, "perp market "+symbol,
		`SELECT doc::TEXT FROM perp_markets WHERE symbol = $1`, symbol)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc::TEXT FROM perp_markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[model.PerpMarket](rows)
}

func (s *PostgresStore) GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error) {
	var m model.SpotMarket
	err := s.getDoc(ctx, &m, fmt.Sprintf("spot market %d", index),
		`SELECT doc::TEXT FROM spot_markets WHERE market_index = $1`, int32(index))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetSpotMarketBySymbol(ctx context.Context, symbol string) (*model.SpotMarket, error) {
	var m model.SpotMarket
	err := s.getDoc(ctx, &m, "spot market "+symbol,
		`SELECT doc::TEXT FROM spot_markets WHERE symbol = $1`, symbol)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListSpotMarkets(ctx context.Context) ([]model.SpotMarket, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc::TEXT FROM spot_markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[model.SpotMarket](rows)
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	if err := s.getDoc(ctx, &u, "user "+id.String(), `SELECT doc::TEXT FROM users WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetInsuranceFundStake(ctx context.Context, userID uuid.UUID, marketIndex uint16) (*model.InsuranceFundStake, error) {
	var st model.InsuranceFundStake
	err := s.getDoc(ctx, &st, fmt.Sprintf("insurance stake %s/%d", userID, marketIndex),
		`SELECT doc::TEXT FROM insurance_fund_stakes WHERE user_id = $1 AND market_index = $2`, userID, int32(marketIndex))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetState returns the stored exchange state, or the defaults before the
// first commit of one.
func (s *PostgresStore) GetState(ctx context.Context) (*model.State, error) {
	var st model.State
	err := s.getDoc(ctx, &st, "exchange state", `SELECT doc::TEXT FROM exchange_state WHERE id = 1`)
	if errors.Is(err, ErrNotFound) {
		st = model.DefaultState()
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) Commit(ctx context.Context, b *Batch) ([]LedgerEntry, error) {
	entries, err := encodeRecords(b.Records, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if b.State != nil {
		if err := upsertDoc(ctx, tx, b.State,
			`INSERT INTO exchange_state (id, doc) VALUES (1, $1::JSONB)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`); err != nil {
			return nil, fmt.Errorf("save state: %w", err)
		}
	}
	for _, m := range b.PerpMarkets {
		if err := upsertDoc(ctx, tx, m,
			`INSERT INTO perp_markets (market_index, symbol, doc) VALUES ($2, $3, $1::JSONB)
			 ON CONFLICT (market_index) DO UPDATE SET symbol = EXCLUDED.symbol, doc = EXCLUDED.doc`,
			int32(m.MarketIndex), m.Symbol); err != nil {
			return nil, fmt.Errorf("save perp market %d: %w", m.MarketIndex, err)
		}
	}
	for _, m := range b.SpotMarkets {
		if err := upsertDoc(ctx, tx, m,
			`INSERT INTO spot_markets (market_index, symbol, doc) VALUES ($2, $3, $1::JSONB)
			 ON CONFLICT (market_index) DO UPDATE SET symbol = EXCLUDED.symbol, doc = EXCLUDED.doc`,
			int32(m.MarketIndex), m.Symbol); err != nil {
			return nil, fmt.Errorf("save spot market %d: %w", m.MarketIndex, err)
		}
	}
	for _, u := range b.Users {
		if err := upsertDoc(ctx, tx, u,
			`INSERT INTO users (id, created_at, doc) VALUES ($2, $3, $1::JSONB)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
			u.ID, u.CreatedAt); err != nil {
			return nil, fmt.Errorf("save user %s: %w", u.ID, err)
		}
	}
	for _, st := range b.Stakes {
		if err := upsertDoc(ctx, tx, st,
			`INSERT INTO insurance_fund_stakes (user_id, market_index, doc) VALUES ($2, $3, $1::JSONB)
			 ON CONFLICT (user_id, market_index) DO UPDATE SET doc = EXCLUDED.doc`,
			st.UserID, int32(st.MarketIndex)); err != nil {
			return nil, fmt.Errorf("save insurance stake %s/%d: %w", st.UserID, st.MarketIndex, err)
		}
	}
	for i := range entries {
		e := &entries[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO ledger (kind, data, created_at) VALUES ($1, $2::JSONB, $3) RETURNING seq`,
			e.Kind, string(e.Data), e.CreatedAt).Scan(&e.Seq)
		if err != nil {
			return nil, fmt.Errorf("append %s record: %w", e.Kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, kind string, afterSeq int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, data::TEXT, created_at FROM ledger
		 WHERE seq > $1 AND ($2 = '' OR kind = $2)
		 ORDER BY seq LIMIT $3`, afterSeq, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var data string
		if err := rows.Scan(&e.Seq, &e.Kind, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Document helpers ---

func (s *PostgresStore) getDoc(ctx context.Context, dst any, what, query string, args ...any) error {
	var doc string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", what, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

// upsertDoc runs query with v's JSON as $1 followed by args.
func upsertDoc(ctx context.Context, tx pgx.Tx, v any, query string, args ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, query, append([]any{string(data)}, args...)...)
	return err
}

// pgxRows is the part of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDocs[T any](rows pgxRows) ([]T, error) {
	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
