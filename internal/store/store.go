// Package store defines the persistence interface for the CDP engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/bollar/cdp-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Positions ---

	// CommitCDP upserts the position, applies the totals delta and appends
	// the event in a single transaction. Either all three are durable or
	// none is.
	CommitCDP(ctx context.Context, cdp *model.CDP, delta model.TotalsDelta, event *model.LedgerEvent) error

	// GetCDP retrieves a position by ID.
	GetCDP(ctx context.Context, id uint64) (*model.CDP, error)

	// ListCDPs returns every position in ID order, terminal ones included.
	ListCDPs(ctx context.Context) ([]model.CDP, error)

	// GetTotals returns the stored system aggregates.
	GetTotals(ctx context.Context) (model.Totals, error)

	// --- Immutable audit log ---

	// ListEvents returns the events of one position in commit order.
	ListEvents(ctx context.Context, cdpID uint64) ([]model.LedgerEvent, error)

	// --- Price feed state ---

	// SavePriceRecord replaces the persisted price feed state.
	SavePriceRecord(ctx context.Context, rec *model.PriceRecord) error

	// LoadPriceRecord returns the persisted price feed state or ErrNotFound.
	LoadPriceRecord(ctx context.Context) (*model.PriceRecord, error)

	// --- Settlement outbox ---

	// SaveSettlement upserts a pending settlement job by key.
	SaveSettlement(ctx context.Context, job *model.SettlementJob) error

	// DeleteSettlement removes a completed job. Deleting a missing key is
	// not an error.
	DeleteSettlement(ctx context.Context, key string) error

	// ListSettlements returns every pending job, oldest first.
	ListSettlements(ctx context.Context) ([]model.SettlementJob, error)
}
