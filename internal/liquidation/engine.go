// Package liquidation finds undercollateralized positions and liquidates
// them.
//
// A liquidation runs in two phases. The liquidator's repayment is collected
// from the token ledger first; the ledger commit then re-verifies
// eligibility under the position's lock. If the commit loses a race the
// repayment is refunded. Collateral is paid out only after the commit.
package liquidation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/bollar/cdp-engine/internal/btcaddr"
	"github.com/bollar/cdp-engine/internal/events"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/ratio"
	"github.com/bollar/cdp-engine/internal/settlement"
)

// Prices is the part of the price feed the engine reads.
type Prices interface {
	Latest(ctx context.Context) (pricefeed.Reading, error)
	Require(ctx context.Context) (model.PriceSample, error)
}

// Result describes one committed liquidation.
type Result struct {
	Outcome      model.LiquidationOutcome `json:"outcome"`
	RatioBps     uint64                   `json:"ratio_bps"`
	RewardPayout settlement.Receipt       `json:"reward_payout"`
	OwnerPayout  settlement.Receipt       `json:"owner_payout"`
}

// BatchItem is the result for one id of a batch.
type BatchItem struct {
	CDPID  uint64       `json:"cdp_id"`
	Result *Result      `json:"result,omitempty"`
	Error  *model.Error `json:"error,omitempty"`
}

// BatchReport collects per-id results. A failure never undoes another
// item's success.
type BatchReport struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// Engine is safe for concurrent use.
type Engine struct {
	ledger    *ledger.Ledger
	prices    Prices
	settler   *settlement.Settler
	publisher events.Publisher
	network   *btcaddr.Network
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine. network may be nil to skip payout address
// validation; publisher may be nil.
func NewEngine(l *ledger.Ledger, prices Prices, settler *settlement.Settler, publisher events.Publisher, network *btcaddr.Network, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Engine{
		ledger:    l,
		prices:    prices,
		settler:   settler,
		publisher: publisher,
		network:   network,
		logger:    logger.With("component", "liquidation"),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for the freshness check.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Scan evaluates every active position against sample. Candidates are
// ordered by ratio, lowest first, then by id.
func (e *Engine) Scan(sample model.PriceSample) []model.LiquidationCandidate {
	cfg := e.ledger.Config()
	var out []model.LiquidationCandidate
	for _, cdp := range e.ledger.Active() {
		if !ratio.IsLiquidatable(cdp.CollateralAmount, cdp.MintedAmount, sample.PriceCents, cfg.LiquidationThresholdBps) {
			continue
		}
		_, reward := ratio.LiquidationSplit(cdp.CollateralAmount, cfg.LiquidationPenaltyBps)
		out = append(out, model.LiquidationCandidate{
			CDPID:                 cdp.ID,
			Owner:                 cdp.Owner,
			CollateralAmount:      cdp.CollateralAmount,
			MintedAmount:          cdp.MintedAmount,
			RatioBps:              ratio.CollateralRatioBps(cdp.CollateralAmount, cdp.MintedAmount, sample.PriceCents),
			LiquidationPriceCents: ratio.LiquidationPrice(cdp.CollateralAmount, cdp.MintedAmount, cfg.LiquidationThresholdBps),
			Reward:                reward,
			PriceCents:            sample.PriceCents,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RatioBps != out[j].RatioBps {
			return out[i].RatioBps < out[j].RatioBps
		}
		return out[i].CDPID < out[j].CDPID
	})
	return out
}

// ScanCurrent reads the latest price once and scans against it.
func (e *Engine) ScanCurrent(ctx context.Context) ([]model.LiquidationCandidate, pricefeed.Reading, error) {
	r, err := e.prices.Latest(ctx)
	if err != nil {
		return nil, r, err
	}
	candidates := e.Scan(r.Sample)
	metrics.LiquidatablePositions.Set(float64(len(candidates)))
	return candidates, r, nil
}

// Execute liquidates position id at sample, which must be the feed's
// current price and within the freshness window. The reward is paid to
// payoutAddress and the owner's share to the position's payout address.
func (e *Engine) Execute(ctx context.Context, id uint64, liquidator, payoutAddress string, sample model.PriceSample) (*Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, id, liquidator, payoutAddress, sample)
	metrics.ObserveOp("liquidate", start, err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, id uint64, liquidator, payoutAddress string, sample model.PriceSample) (*Result, error) {
	if liquidator == "" {
		return nil, model.Errorf(model.KindUnauthorized, "liquidator is required").ForCDP(id)
	}
	if e.network != nil {
		if _, err := btcaddr.Validate(payoutAddress, *e.network); err != nil {
			return nil, forCDP(err, id)
		}
	} else if payoutAddress == "" {
		return nil, model.Errorf(model.KindInvalidAddress, "reward payout address is required").ForCDP(id)
	}

	if err := e.checkSample(ctx, sample); err != nil {
		return nil, forCDP(err, id)
	}

	cfg := e.ledger.Config()
	cdp, err := e.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	if cdp.Status.Terminal() {
		return nil, model.Errorf(model.KindCDPNotLiquidatable, "position is %s", cdp.Status).ForCDP(id)
	}
	current := ratio.CollateralRatioBps(cdp.CollateralAmount, cdp.MintedAmount, sample.PriceCents)
	if !ratio.IsLiquidatable(cdp.CollateralAmount, cdp.MintedAmount, sample.PriceCents, cfg.LiquidationThresholdBps) {
		return nil, model.Errorf(model.KindCDPNotLiquidatable, "ratio at or above threshold").
			Bounds(current, cfg.LiquidationThresholdBps).ForCDP(id)
	}

	// Phase 1: collect the repayment.
	debt := cdp.MintedAmount
	if _, err := e.settler.Collect(ctx, liquidator, debt); err != nil {
		return nil, forCDP(err, id)
	}

	// Phase 2: commit.
	out, err := e.ledger.ApplyLiquidation(ctx, id, liquidator, sample.PriceCents, debt)
	if err != nil {
		refund := e.settler.Refund(ctx, id, liquidator, debt)
		e.logger.Warn("liquidation not committed, repayment refunded",
			"cdp_id", id,
			"liquidator", liquidator,
			"amount", debt,
			"refund_settled", refund.Settled,
			"err", err,
		)
		return nil, err
	}

	res := &Result{Outcome: out, RatioBps: current}
	res.RewardPayout = e.settler.Payout(ctx, id, payoutAddress, out.Reward)
	if out.OwnerPayout != "" {
		res.OwnerPayout = e.settler.Payout(ctx, id, out.OwnerPayout, out.OwnerShare)
	} else if out.OwnerShare > 0 {
		e.logger.Error("position has no payout address, owner share held", "cdp_id", id, "owner_share", out.OwnerShare)
	}

	metrics.LiquidationsTotal.Inc()
	metrics.LiquidationRewardSats.Add(float64(out.Reward))
	metrics.LiquidationDebtCents.Add(float64(out.BurnedDebt))

	e.publisher.Publish(events.Message{
		Type:       events.TypeLiquidated,
		CDPID:      id,
		Owner:      out.Owner,
		Actor:      liquidator,
		Amount:     out.BurnedDebt,
		Collateral: out.Reward + out.OwnerShare,
		RatioBps:   current,
		PriceCents: sample.PriceCents,
		Status:     string(model.StatusLiquidated),
		Timestamp:  e.now().UTC(),
	})
	return res, nil
}

// checkSample rejects a sample that is not the feed's current price or is
// older than the freshness window.
func (e *Engine) checkSample(ctx context.Context, sample model.PriceSample) error {
	current, err := e.prices.Require(ctx)
	if err != nil {
		return err
	}
	if sample.PriceCents != current.PriceCents {
		return model.Errorf(model.KindPriceStale, "sample price is not the current price").
			Bounds(sample.PriceCents, current.PriceCents)
	}
	freshness := e.ledger.Config().PriceFreshness
	if age := e.now().Sub(sample.ObservedAt); age > freshness {
		return model.Errorf(model.KindPriceStale, "sample is %s old", age.Round(time.Second)).
			Bounds(uint64(age/time.Second), uint64(freshness/time.Second))
	}
	return nil
}

// ExecuteBatch liquidates each id independently at sample.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []uint64, liquidator, payoutAddress string, sample model.PriceSample) BatchReport {
	report := BatchReport{Items: make([]BatchItem, 0, len(ids))}
	for _, id := range ids {
		item := BatchItem{CDPID: id}
		res, err := e.Execute(ctx, id, liquidator, payoutAddress, sample)
		if err != nil {
			item.Error = asModelError(err)
			report.Failed++
		} else {
			item.Result = res
			report.Succeeded++
		}
		report.Items = append(report.Items, item)
	}
	e.logger.Info("liquidation batch finished",
		"liquidator", liquidator,
		"requested", len(ids),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report
}

func forCDP(err error, id uint64) error {
	var me *model.Error
	if errors.As(err, &me) {
		return me.ForCDP(id)
	}
	return err
}

func asModelError(err error) *model.Error {
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	return &model.Error{Kind: model.KindInternal, Detail: err.Error()}
}
