package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bollar/cdp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(20,0) so the full uint64 range round-trips.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cdps (
		id                NUMERIC(20,0) PRIMARY KEY,
		owner             TEXT          NOT NULL,
		payout_address    TEXT          NOT NULL DEFAULT '',
		collateral_amount NUMERIC(20,0) NOT NULL,
		minted_amount     NUMERIC(20,0) NOT NULL,
		status            TEXT          NOT NULL,
		created_at        TIMESTAMPTZ   NOT NULL,
		last_updated      TIMESTAMPTZ   NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cdps_owner_idx ON cdps (owner)`,
	`CREATE TABLE IF NOT EXISTS system_totals (
		id               SMALLINT      PRIMARY KEY CHECK (id = 1),
		total_collateral NUMERIC(20,0) NOT NULL DEFAULT 0,
		total_minted     NUMERIC(20,0) NOT NULL DEFAULT 0
	)`,
	`INSERT INTO system_totals (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		seq              BIGSERIAL     PRIMARY KEY,
		id               TEXT          NOT NULL UNIQUE,
		cdp_id           NUMERIC(20,0) NOT NULL,
		type             TEXT          NOT NULL,
		actor            TEXT          NOT NULL,
		amount           NUMERIC(20,0) NOT NULL,
		collateral_after NUMERIC(20,0) NOT NULL,
		minted_after     NUMERIC(20,0) NOT NULL,
		price_cents      NUMERIC(20,0) NOT NULL DEFAULT 0,
		timestamp        TIMESTAMPTZ   NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_events_cdp_idx ON ledger_events (cdp_id, seq)`,
	`CREATE TABLE IF NOT EXISTS price_state (
		id          SMALLINT      PRIMARY KEY CHECK (id = 1),
		price_cents NUMERIC(20,0) NOT NULL,
		observed_at TIMESTAMPTZ   NOT NULL,
		confidence  SMALLINT      NOT NULL,
		source      TEXT          NOT NULL DEFAULT '',
		accepted_at TIMESTAMPTZ   NOT NULL,
		degraded    BOOLEAN       NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		key        TEXT          PRIMARY KEY,
		kind       TEXT          NOT NULL,
		cdp_id     NUMERIC(20,0) NOT NULL,
		target     TEXT          NOT NULL,
		amount     NUMERIC(20,0) NOT NULL,
		attempts   INTEGER       NOT NULL DEFAULT 0,
		last_error TEXT          NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ   NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CommitCDP(ctx context.Context, c *model.CDP, delta model.TotalsDelta, e *model.LedgerEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit cdp %d: begin: %w", c.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO cdps (id, owner, payout_address, collateral_amount, minted_amount, status, created_at, last_updated)
		 VALUES ($1::NUMERIC, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET collateral_amount = EXCLUDED.collateral_amount,
		     minted_amount     = EXCLUDED.minted_amount,
		     status            = EXCLUDED.status,
		     last_updated      = EXCLUDED.last_updated`,
		num(c.ID), c.Owner, c.PayoutAddress,
		num(c.CollateralAmount), num(c.MintedAmount),
		string(c.Status), c.CreatedAt, c.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("commit cdp %d: upsert: %w", c.ID, err)
	}

	if !delta.IsZero() {
		_, err = tx.Exec(ctx,
			`UPDATE system_totals
			 SET total_collateral = GREATEST(total_collateral + $1::NUMERIC - $2::NUMERIC, 0),
			     total_minted     = GREATEST(total_minted + $3::NUMERIC - $4::NUMERIC, 0)
			 WHERE id = 1`,
			num(delta.CollateralAdded), num(delta.CollateralRemoved),
			num(delta.MintedAdded), num(delta.MintedRemoved),
		)
		if err != nil {
			return fmt.Errorf("commit cdp %d: totals: %w", c.ID, err)
		}
	}

	if e != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_events (id, cdp_id, type, actor, amount, collateral_after, minted_after, price_cents, timestamp)
			 VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			e.ID, num(e.CDPID), string(e.Type), e.Actor,
			num(e.Amount), num(e.CollateralAfter), num(e.MintedAfter), num(e.PriceCents),
			e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("commit cdp %d: event: %w", c.ID, err)
		}
	}

	return tx.Commit(ctx)
}

const cdpColumns = `id::TEXT, owner, payout_address,
	collateral_amount::TEXT, minted_amount::TEXT,
	status, created_at, last_updated`

func (s *PostgresStore) GetCDP(ctx context.Context, id uint64) (*model.CDP, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cdpColumns+` FROM cdps WHERE id = $1::NUMERIC`, num(id))
	c, err := scanCDP(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cdp %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCDPs(ctx context.Context) ([]model.CDP, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cdpColumns+` FROM cdps ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cdps []model.CDP
	for rows.Next() {
		c, err := scanCDP(rows)
		if err != nil {
			return nil, err
		}
		cdps = append(cdps, *c)
	}
	return cdps, rows.Err()
}

func (s *PostgresStore) GetTotals(ctx context.Context) (model.Totals, error) {
	var coll, minted string
	err := s.pool.QueryRow(ctx,
		`SELECT total_collateral::TEXT, total_minted::TEXT FROM system_totals WHERE id = 1`).
		Scan(&coll, &minted)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Totals{}, nil
	}
	if err != nil {
		return model.Totals{}, fmt.Errorf("get totals: %w", err)
	}
	var d numDecoder
	t := model.Totals{TotalCollateral: d.uint(coll), TotalMinted: d.uint(minted)}
	if d.err != nil {
		return model.Totals{}, fmt.Errorf("get totals: %w", d.err)
	}
	return t, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, cdpID uint64) ([]model.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cdp_id::TEXT, type, actor, amount::TEXT,
		        collateral_after::TEXT, minted_after::TEXT, price_cents::TEXT, timestamp
		 FROM ledger_events WHERE cdp_id = $1::NUMERIC ORDER BY seq`, num(cdpID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.LedgerEvent
	for rows.Next() {
		var e model.LedgerEvent
		var typ, cdp, amount, coll, minted, price string
		if err := rows.Scan(&e.ID, &cdp, &typ, &e.Actor, &amount,
			&coll, &minted, &price, &e.Timestamp); err != nil {
			return nil, err
		}
		var d numDecoder
		e.Type = model.EventType(typ)
		e.CDPID = d.uint(cdp)
		e.Amount = d.uint(amount)
		e.CollateralAfter = d.uint(coll)
		e.MintedAfter = d.uint(minted)
		e.PriceCents = d.uint(price)
		if d.err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, d.err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) SavePriceRecord(ctx context.Context, rec *model.PriceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_state (id, price_cents, observed_at, confidence, source, accepted_at, degraded)
		 VALUES (1, $1::NUMERIC, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET price_cents = EXCLUDED.price_cents,
		     observed_at = EXCLUDED.observed_at,
		     confidence  = EXCLUDED.confidence,
		     source      = EXCLUDED.source,
		     accepted_at = EXCLUDED.accepted_at,
		     degraded    = EXCLUDED.degraded`,
		num(rec.Sample.PriceCents), rec.Sample.ObservedAt, int16(rec.Sample.Confidence),
		rec.Sample.Source, rec.AcceptedAt, rec.Degraded,
	)
	return err
}

func (s *PostgresStore) LoadPriceRecord(ctx context.Context) (*model.PriceRecord, error) {
	var rec model.PriceRecord
	var price string
	var confidence int16
	err := s.pool.QueryRow(ctx,
		`SELECT price_cents::TEXT, observed_at, confidence, source, accepted_at, degraded
		 FROM price_state WHERE id = 1`).
		Scan(&price, &rec.Sample.ObservedAt, &confidence, &rec.Sample.Source, &rec.AcceptedAt, &rec.Degraded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load price state: %w", err)
	}
	price64, err := parseUint(price)
	if err != nil {
		return nil, fmt.Errorf("load price state: %w", err)
	}
	rec.Sample.PriceCents = price64
	rec.Sample.Confidence = uint8(confidence)
	return &rec, nil
}

func (s *PostgresStore) SaveSettlement(ctx context.Context, j *model.SettlementJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (key, kind, cdp_id, target, amount, attempts, last_error, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE
		 SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error`,
		j.Key, string(j.Kind), num(j.CDPID), j.Target, num(j.Amount),
		j.Attempts, j.LastError, j.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteSettlement(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) ListSettlements(ctx context.Context) ([]model.SettlementJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, kind, cdp_id::TEXT, target, amount::TEXT, attempts, last_error, created_at
		 FROM settlements ORDER BY created_at, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.SettlementJob
	for rows.Next() {
		var j model.SettlementJob
		var kind, cdp, amount string
		if err := rows.Scan(&j.Key, &kind, &cdp, &j.Target, &amount,
			&j.Attempts, &j.LastError, &j.CreatedAt); err != nil {
			return nil, err
		}
		var d numDecoder
		j.Kind = model.SettlementKind(kind)
		j.CDPID = d.uint(cdp)
		j.Amount = d.uint(amount)
		if d.err != nil {
			return nil, fmt.Errorf("settlement %s: %w", j.Key, d.err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// scanCDP reads one row selected with cdpColumns.
func scanCDP(row pgx.Row) (*model.CDP, error) {
	var c model.CDP
	var id, coll, minted, status string
	if err := row.Scan(&id, &c.Owner, &c.PayoutAddress,
		&coll, &minted, &status, &c.CreatedAt, &c.LastUpdated); err != nil {
		return nil, err
	}
	var d numDecoder
	c.ID = d.uint(id)
	c.CollateralAmount = d.uint(coll)
	c.MintedAmount = d.uint(minted)
	c.Status = model.Status(status)
	if d.err != nil {
		return nil, fmt.Errorf("cdp %s: %w", id, d.err)
	}
	return &c, nil
}

func num(v uint64) string { return strconv.FormatUint(v, 10) }

// parseUint parses a NUMERIC(20,0) rendered as text. The column holds up
// to 20 digits, so values above math.MaxUint64 are possible and rejected.
func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric %q out of uint64 range: %w", s, err)
	}
	return v, nil
}

// numDecoder parses several columns and keeps the first error.
type numDecoder struct {
	err error
}

func (d *numDecoder) uint(s string) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := parseUint(s)
	if err != nil {
		d.err = err
	}
	return v
}
