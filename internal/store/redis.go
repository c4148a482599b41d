package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bollar/cdp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CommitCDP(ctx context.Context, c *model.CDP, delta model.TotalsDelta, e *model.LedgerEvent) error {
	if err := s.primary.CommitCDP(ctx, c, delta, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, cdpKey(c.ID), eventsKey(c.ID), totalsKey)
	return nil
}

func (s *CachedStore) SavePriceRecord(ctx context.Context, rec *model.PriceRecord) error {
	if err := s.primary.SavePriceRecord(ctx, rec); err != nil {
		return err
	}
	s.cacheJSON(ctx, priceKey, rec)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCDP(ctx context.Context, id uint64) (*model.CDP, error) {
	var c model.CDP
	if s.readJSON(ctx, cdpKey(id), &c) {
		return &c, nil
	}

	cdp, err := s.primary.GetCDP(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, cdpKey(id), cdp)
	return cdp, nil
}

func (s *CachedStore) GetTotals(ctx context.Context) (model.Totals, error) {
	var t model.Totals
	if s.readJSON(ctx, totalsKey, &t) {
		return t, nil
	}

	t, err := s.primary.GetTotals(ctx)
	if err != nil {
		return model.Totals{}, err
	}
	s.cacheJSON(ctx, totalsKey, t)
	return t, nil
}

func (s *CachedStore) ListEvents(ctx context.Context, cdpID uint64) ([]model.LedgerEvent, error) {
	var events []model.LedgerEvent
	if s.readJSON(ctx, eventsKey(cdpID), &events) {
		return events, nil
	}

	events, err := s.primary.ListEvents(ctx, cdpID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, eventsKey(cdpID), events)
	return events, nil
}

func (s *CachedStore) LoadPriceRecord(ctx context.Context) (*model.PriceRecord, error) {
	var rec model.PriceRecord
	if s.readJSON(ctx, priceKey, &rec) {
		return &rec, nil
	}

	r, err := s.primary.LoadPriceRecord(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, priceKey, r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCDPs(ctx context.Context) ([]model.CDP, error) {
	return s.primary.ListCDPs(ctx)
}

func (s *CachedStore) SaveSettlement(ctx context.Context, job *model.SettlementJob) error {
	return s.primary.SaveSettlement(ctx, job)
}

func (s *CachedStore) DeleteSettlement(ctx context.Context, key string) error {
	return s.primary.DeleteSettlement(ctx, key)
}

func (s *CachedStore) ListSettlements(ctx context.Context) ([]model.SettlementJob, error) {
	return s.primary.ListSettlements(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	totalsKey = "bollar:totals"
	priceKey  = "bollar:price"
)

func cdpKey(id uint64) string    { return fmt.Sprintf("bollar:cdp:%d", id) }
func eventsKey(id uint64) string { return fmt.Sprintf("bollar:events:%d", id) }
