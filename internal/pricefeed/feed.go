// Package pricefeed validates, caches and serves the BTC/USD price.
//
// Every candidate sample, fetched or pushed, passes the same checks before
// it is accepted: bounds, freshness, ordering, confidence, and deviation
// from the last accepted price. A rejected candidate is discarded and the
// last accepted sample keeps being served.
//
// Readings are tagged with a State. An accepted sample is Fresh for
// CacheTTL after acceptance. Once that expires a refresh is attempted; if
// it fails the sample is served Degraded until ExtendedTTL after
// acceptance, and Unavailable after that.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/model"
)

// ErrNoSample is returned by Latest before any sample has been accepted.
var ErrNoSample = errors.New("pricefeed: no accepted sample")

// State tags a reading with how far it may be trusted.
type State int

const (
	Fresh State = iota
	Degraded
	Unavailable
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reading is a sample together with its state.
type Reading struct {
	Sample     model.PriceSample `json:"sample"`
	State      State             `json:"state"`
	AcceptedAt time.Time         `json:"accepted_at"`
}

// Config controls validation and caching.
type Config struct {
	CacheTTL        time.Duration
	ExtendedTTL     time.Duration
	Freshness       time.Duration // max age of a candidate at validation
	FetchTimeout    time.Duration
	RefreshInterval time.Duration
	MaxClockSkew    time.Duration // tolerated future observed_at
	MinConfidence   uint8
	MaxDeviationBps uint64
	MinPriceCents   uint64
	MaxPriceCents   uint64 // 0 means unbounded
}

// DefaultConfig returns a 30s cache, 15 minute degraded window and a ±50%
// deviation bound.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        30 * time.Second,
		ExtendedTTL:     15 * time.Minute,
		Freshness:       5 * time.Minute,
		FetchTimeout:    5 * time.Second,
		RefreshInterval: time.Minute,
		MaxClockSkew:    5 * time.Second,
		MinConfidence:   80,
		MaxDeviationBps: 5000,
		MinPriceCents:   1,
	}
}

// Persister stores the feed state across restarts.
type Persister interface {
	SavePriceRecord(ctx context.Context, rec *model.PriceRecord) error
	LoadPriceRecord(ctx context.Context) (*model.PriceRecord, error)
}

// UpdateFunc is called after a sample is accepted. prev is nil for the
// first sample.
type UpdateFunc func(prev *model.PriceSample, next model.PriceSample)

// Feed is the price oracle. It is safe for concurrent use.
type Feed struct {
	cfg    Config
	source Source
	store  Persister
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu         sync.RWMutex
	last       *model.PriceSample
	acceptedAt time.Time
	degraded   bool
	onUpdate   []UpdateFunc
}

// New creates a feed. store may be nil to disable persistence.
func New(cfg Config, source Source, store Persister, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:    cfg,
		source: source,
		store:  store,
		logger: logger.With("component", "pricefeed"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (f *Feed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Config returns the feed configuration.
func (f *Feed) Config() Config { return f.cfg }

// OnUpdate registers fn to run after every accepted sample.
func (f *Feed) OnUpdate(fn UpdateFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUpdate = append(f.onUpdate, fn)
}

// Restore seeds the feed from the persisted record, if any.
func (f *Feed) Restore(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	rec, err := f.store.LoadPriceRecord(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s := rec.Sample
	f.last = &s
	f.acceptedAt = rec.AcceptedAt
	f.degraded = rec.Degraded
	f.logger.Info("price state restored",
		"price_cents", s.PriceCents,
		"accepted_at", rec.AcceptedAt,
		"degraded", rec.Degraded,
	)
	return nil
}

// Current returns the freshest valid reading, refreshing from the source
// when the cache has expired. At most one fetch is in flight at a time;
// concurrent callers share its result. The error is PriceUnavailable when
// the state is Unavailable.
func (f *Feed) Current(ctx context.Context) (Reading, error) {
	f.mu.RLock()
	cached := f.last != nil && f.now().Sub(f.acceptedAt) < f.cfg.CacheTTL
	f.mu.RUnlock()

	if !cached && f.source != nil {
		f.group.Do("refresh", func() (any, error) {
			return nil, f.refresh(ctx)
		})
	}
	return f.reading()
}

// Require returns a sample usable for solvency decisions. Fresh and
// Degraded samples qualify; once the extended window has elapsed it fails
// with PriceUnavailable.
func (f *Feed) Require(ctx context.Context) (model.PriceSample, error) {
	r, err := f.Current(ctx)
	if err != nil {
		return model.PriceSample{}, err
	}
	return r.Sample, nil
}

// Latest returns the last accepted sample whatever its state, for
// read-only callers. It fails only when nothing was ever accepted.
func (f *Feed) Latest(ctx context.Context) (Reading, error) {
	r, err := f.Current(ctx)
	if err != nil && r.AcceptedAt.IsZero() {
		return r, fmt.Errorf("%w: %w", ErrNoSample, err)
	}
	return r, nil
}

func (f *Feed) reading() (Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.last == nil {
		metrics.PriceState.Set(float64(Unavailable))
		return Reading{State: Unavailable}, model.Errorf(model.KindPriceUnavailable, "no price has been accepted")
	}

	r := Reading{Sample: *f.last, AcceptedAt: f.acceptedAt}
	age := f.now().Sub(f.acceptedAt)
	switch {
	case age < f.cfg.CacheTTL && !f.degraded:
		r.State = Fresh
	case age < f.cfg.ExtendedTTL:
		r.State = Degraded
	default:
		r.State = Unavailable
	}
	metrics.PriceState.Set(float64(r.State))

	if r.State == Unavailable {
		return r, model.Errorf(model.KindPriceUnavailable, "last price accepted %s ago", age.Round(time.Second)).
			Bounds(uint64(age/time.Second), uint64(f.cfg.ExtendedTTL/time.Second))
	}
	return r, nil
}

// refresh performs one bounded fetch and submits the result.
func (f *Feed) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.FetchTimeout)
	defer cancel()

	sample, err := f.source.Fetch(ctx)
	if err != nil {
		metrics.PriceFetchErrors.WithLabelValues(f.source.Name()).Inc()
		f.logger.Warn("price fetch failed", "source", f.source.Name(), "err", err)
		f.markDegraded(ctx)
		return err
	}
	if sample.Source == "" {
		sample.Source = f.source.Name()
	}
	return f.Submit(ctx, sample)
}

// Submit validates a candidate sample and accepts it if it passes. A
// rejected candidate leaves the served sample unchanged.
func (f *Feed) Submit(ctx context.Context, sample model.PriceSample) error {
	f.mu.Lock()
	now := f.now()
	if err := f.validate(sample, now); err != nil {
		f.mu.Unlock()
		f.reject(sample, err)
		f.markDegraded(ctx)
		return err
	}

	prev := f.last
	s := sample
	f.last = &s
	f.acceptedAt = now
	f.degraded = false
	hooks := append([]UpdateFunc(nil), f.onUpdate...)
	f.mu.Unlock()

	metrics.PriceCents.Set(float64(sample.PriceCents))
	f.persist(ctx, &model.PriceRecord{Sample: sample, AcceptedAt: now})
	for _, fn := range hooks {
		fn(prev, sample)
	}
	return nil
}

// validate must be called with f.mu held.
func (f *Feed) validate(s model.PriceSample, now time.Time) error {
	if s.PriceCents == 0 || s.PriceCents < f.cfg.MinPriceCents {
		return model.Errorf(model.KindPriceUnavailable, "price below floor").
			Bounds(s.PriceCents, f.cfg.MinPriceCents)
	}
	if f.cfg.MaxPriceCents > 0 && s.PriceCents > f.cfg.MaxPriceCents {
		return model.Errorf(model.KindPriceUnavailable, "price above ceiling").
			Bounds(s.PriceCents, f.cfg.MaxPriceCents)
	}
	if s.ObservedAt.After(now.Add(f.cfg.MaxClockSkew)) {
		return model.Errorf(model.KindPriceStale, "observed in the future")
	}
	if age := now.Sub(s.ObservedAt); age > f.cfg.Freshness {
		return model.Errorf(model.KindPriceStale, "sample is %s old", age.Round(time.Second)).
			Bounds(uint64(age/time.Second), uint64(f.cfg.Freshness/time.Second))
	}
	if f.last != nil && s.ObservedAt.Before(f.last.ObservedAt) {
		return model.Errorf(model.KindPriceStale, "observed before the accepted sample")
	}
	if s.Confidence < f.cfg.MinConfidence {
		return model.Errorf(model.KindPriceUnavailable, "confidence too low").
			Bounds(uint64(s.Confidence), uint64(f.cfg.MinConfidence))
	}

	// The deviation bound is anchored on the last accepted price only while
	// that price is still servable.
	if f.last != nil && f.cfg.MaxDeviationBps > 0 && now.Sub(f.acceptedAt) < f.cfg.ExtendedTTL {
		if dev := deviationBps(f.last.PriceCents, s.PriceCents); dev > f.cfg.MaxDeviationBps {
			return model.Errorf(model.KindPriceManipulationSuspected,
				"price moved from %d to %d cents", f.last.PriceCents, s.PriceCents).
				Bounds(dev, f.cfg.MaxDeviationBps)
		}
	}
	return nil
}

func (f *Feed) reject(s model.PriceSample, err error) {
	kind := model.KindOf(err)
	metrics.PriceRejections.WithLabelValues(string(kind)).Inc()

	attrs := []any{
		"price_cents", s.PriceCents,
		"observed_at", s.ObservedAt,
		"confidence", s.Confidence,
		"source", s.Source,
		"err", err,
	}
	if kind == model.KindPriceManipulationSuspected {
		f.logger.Error("price candidate rejected: manipulation suspected", attrs...)
		return
	}
	f.logger.Warn("price candidate rejected", attrs...)
}

// markDegraded flags an expired sample as degraded after a failed refresh
// and persists the flag on the first transition.
func (f *Feed) markDegraded(ctx context.Context) {
	f.mu.Lock()
	if f.last == nil || f.degraded || f.now().Sub(f.acceptedAt) < f.cfg.CacheTTL {
		f.mu.Unlock()
		return
	}
	f.degraded = true
	rec := &model.PriceRecord{Sample: *f.last, AcceptedAt: f.acceptedAt, Degraded: true}
	f.mu.Unlock()

	f.logger.Warn("serving degraded price",
		"price_cents", rec.Sample.PriceCents,
		"accepted_at", rec.AcceptedAt,
	)
	f.persist(ctx, rec)
}

func (f *Feed) persist(ctx context.Context, rec *model.PriceRecord) {
	if f.store == nil {
		return
	}
	if err := f.store.SavePriceRecord(ctx, rec); err != nil {
		f.logger.Error("persist price state", "err", err)
	}
}

// Run refreshes the feed every RefreshInterval until ctx is cancelled.
// Rejected candidates and fetch errors are logged and do not stop the loop.
func (f *Feed) Run(ctx context.Context) {
	if f.source == nil || f.cfg.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		f.group.Do("refresh", func() (any, error) {
			return nil, f.refresh(ctx)
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deviationBps returns |next-prev| * 10000 / prev, saturating.
func deviationBps(prev, next uint64) uint64 {
	if prev == 0 {
		return 0
	}
	diff := next - prev
	if next < prev {
		diff = prev - next
	}
	x := new(uint256.Int).Mul(uint256.NewInt(diff), uint256.NewInt(model.BpsDenominator))
	x.Div(x, uint256.NewInt(prev))
	if !x.IsUint64() {
		return ^uint64(0)
	}
	return x.Uint64()
}
