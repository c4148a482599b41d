package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bollar/cdp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	cdps        map[uint64]model.CDP
	totals      model.Totals
	events      []model.LedgerEvent
	price       *model.PriceRecord
	settlements map[string]model.SettlementJob
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cdps:        make(map[uint64]model.CDP),
		settlements: make(map[string]model.SettlementJob),
	}
}

func (s *MemoryStore) CommitCDP(ctx context.Context, cdp *model.CDP, delta model.TotalsDelta, event *model.LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cdps[cdp.ID] = *cdp
	s.totals = s.totals.Apply(delta)
	if event != nil {
		s.events = append(s.events, *event)
	}
	return nil
}

func (s *MemoryStore) GetCDP(_ context.Context, id uint64) (*model.CDP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cdps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListCDPs(_ context.Context) ([]model.CDP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cdps := make([]model.CDP, 0, len(s.cdps))
	for _, c := range s.cdps {
		cdps = append(cdps, c)
	}
	sort.Slice(cdps, func(i, j int) bool { return cdps[i].ID < cdps[j].ID })
	return cdps, nil
}

func (s *MemoryStore) GetTotals(_ context.Context) (model.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, cdpID uint64) ([]model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEvent
	for _, e := range s.events {
		if e.CDPID == cdpID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) SavePriceRecord(_ context.Context, rec *model.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.price = &c
	return nil
}

func (s *MemoryStore) LoadPriceRecord(_ context.Context) (*model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.price == nil {
		return nil, ErrNotFound
	}
	c := *s.price
	return &c, nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, job *model.SettlementJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements[job.Key] = *job
	return nil
}

func (s *MemoryStore) DeleteSettlement(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settlements, key)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context) ([]model.SettlementJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]model.SettlementJob, 0, len(s.settlements))
	for _, j := range s.settlements {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].Key < jobs[j].Key
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}
