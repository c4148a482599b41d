package liquidation

import (
	"context"
	"log/slog"
	"time"

	"github.com/bollar/cdp-engine/internal/events"
	"github.com/bollar/cdp-engine/internal/model"
)

// KeeperConfig controls the periodic scan.
type KeeperConfig struct {
	Interval time.Duration

	// RescanMoveBps triggers an immediate scan when an accepted price moves
	// by more than this many basis points. 0 disables it.
	RescanMoveBps uint64

	// Liquidator and PayoutAddress enable automatic execution of the
	// candidates found. The liquidator must hold enough tokens to repay.
	Liquidator    string
	PayoutAddress string
}

// Keeper periodically scans for liquidatable positions, publishes the
// candidates, and optionally liquidates them.
type Keeper struct {
	engine    *Engine
	cfg       KeeperConfig
	publisher events.Publisher
	logger    *slog.Logger
	poke      chan struct{}
}

// NewKeeper creates a keeper around engine.
func NewKeeper(engine *Engine, cfg KeeperConfig, publisher events.Publisher, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Keeper{
		engine:    engine,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "keeper"),
		poke:      make(chan struct{}, 1),
	}
}

// OnPriceUpdate requests an early scan after a large price move. It has the
// signature of pricefeed.UpdateFunc.
func (k *Keeper) OnPriceUpdate(prev *model.PriceSample, next model.PriceSample) {
	if prev == nil || k.cfg.RescanMoveBps == 0 || prev.PriceCents == 0 {
		return
	}
	diff := next.PriceCents - prev.PriceCents
	if next.PriceCents < prev.PriceCents {
		diff = prev.PriceCents - next.PriceCents
	}
	if diff*model.BpsDenominator/prev.PriceCents <= k.cfg.RescanMoveBps {
		return
	}
	select {
	case k.poke <- struct{}{}:
	default:
	}
}

// Run scans every Interval, and whenever poked, until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	if k.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-k.poke:
		}
		k.RunOnce(ctx)
	}
}

// RunOnce performs one scan and, when configured, liquidates what it
// finds. It returns the candidates found.
func (k *Keeper) RunOnce(ctx context.Context) []model.LiquidationCandidate {
	candidates, reading, err := k.engine.ScanCurrent(ctx)
	if err != nil {
		k.logger.Warn("keeper scan skipped", "err", err)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	k.logger.Info("liquidatable positions found",
		"count", len(candidates),
		"price_cents", reading.Sample.PriceCents,
		"price_state", reading.State.String(),
	)
	k.publisher.Publish(events.Message{
		Type:       events.TypeCandidates,
		Count:      len(candidates),
		PriceCents: reading.Sample.PriceCents,
		Timestamp:  time.Now().UTC(),
	})

	if k.cfg.Liquidator == "" {
		return candidates
	}
	sample, err := k.engine.prices.Require(ctx)
	if err != nil {
		k.logger.Warn("keeper cannot liquidate without a usable price", "err", err)
		return candidates
	}
	ids := make([]uint64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.CDPID
	}
	k.engine.ExecuteBatch(ctx, ids, k.cfg.Liquidator, k.cfg.PayoutAddress, sample)
	return candidates
}
