package protocol

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/ratio"
)

// Position is a CDP valued at a price. The valuation fields are zero when
// Valued is false. RatioBps is absent for a position without debt.
type Position struct {
	model.CDP
	Valued                bool               `json:"valued"`
	PriceCents            uint64             `json:"price_cents,omitempty"`
	PriceState            string             `json:"price_state,omitempty"`
	CollateralValueCents  uint64             `json:"collateral_value_cents"`
	RatioBps              *uint64            `json:"ratio_bps,omitempty"`
	MaxMintable           uint64             `json:"max_mintable"`
	LiquidationPriceCents uint64             `json:"liquidation_price_cents"`
	Health                ratio.HealthStatus `json:"health,omitempty"`
	CollateralBTC         string             `json:"collateral_btc"`
	MintedUSD             string             `json:"minted_usd"`
}

// PriceView is the latest accepted price.
type PriceView struct {
	PriceCents uint64    `json:"price_cents"`
	PriceUSD   string    `json:"price_usd"`
	State      string    `json:"state"`
	Confidence uint8     `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// ClosePreview describes what a close would take and release.
type ClosePreview struct {
	CDPID              uint64 `json:"cdp_id"`
	RequiredRepayment  uint64 `json:"required_repayment"`
	ReleasedCollateral uint64 `json:"released_collateral"`
	PayoutAddress      string `json:"payout_address,omitempty"`
	RepaymentUSD       string `json:"repayment_usd"`
	CollateralBTC      string `json:"collateral_btc"`
}

// HealthReport summarizes the system.
type HealthReport struct {
	Stats              ledger.Stats    `json:"stats"`
	PriceCents         uint64          `json:"price_cents"`
	PriceState         string          `json:"price_state"`
	UtilizationBps     uint64          `json:"utilization_bps"`
	SystemRatioBps     uint64          `json:"system_ratio_bps"`
	Risk               ratio.RiskLevel `json:"risk"`
	Score              uint64          `json:"score"`
	Liquidatable       int             `json:"liquidatable"`
	PendingSettlements int             `json:"pending_settlements"`
	Paused             []Operation     `json:"paused,omitempty"`
}

// Health scores the system at the latest price. Without any price the
// system is reported critical with a score of zero.
func (s *Service) Health(ctx context.Context) HealthReport {
	rep := HealthReport{
		Stats:  s.ledger.Stats(),
		Paused: s.Paused(),
	}
	if jobs, err := s.settler.Pending(ctx); err != nil {
		s.logger.Warn("pending settlements unavailable", "err", err)
	} else {
		rep.PendingSettlements = len(jobs)
	}

	reading, ok := s.latest(ctx)
	rep.PriceState = reading.State.String()
	if !ok {
		rep.Risk = ratio.RiskCritical
		return rep
	}

	tot := rep.Stats.Totals
	price := reading.Sample.PriceCents
	rep.PriceCents = price
	rep.UtilizationBps = ratio.UtilizationBps(tot.TotalCollateral, tot.TotalMinted, price)
	rep.SystemRatioBps = ratio.CollateralRatioBps(tot.TotalCollateral, tot.TotalMinted, price)
	rep.Risk, rep.Score = ratio.AssessSystem(rep.UtilizationBps, rep.SystemRatioBps)
	rep.Liquidatable = len(s.engine.Scan(reading.Sample))
	return rep
}

func (s *Service) view(cdp model.CDP, r pricefeed.Reading, valued bool) Position {
	p := Position{
		CDP:           cdp,
		CollateralBTC: btc(cdp.CollateralAmount),
		MintedUSD:     usd(cdp.MintedAmount),
	}
	switch cdp.Status {
	case model.StatusLiquidated:
		p.Health = ratio.Liquidated
	case model.StatusClosed:
		p.Health = ratio.Closed
	}
	if !valued || cdp.Status.Terminal() {
		return p
	}

	cfg := s.ledger.Config()
	price := r.Sample.PriceCents
	p.Valued = true
	p.PriceCents = price
	p.PriceState = r.State.String()
	p.CollateralValueCents = ratio.CollateralValue(cdp.CollateralAmount, price)
	current := ratio.CollateralRatioBps(cdp.CollateralAmount, cdp.MintedAmount, price)
	if cdp.MintedAmount > 0 {
		p.RatioBps = &current
	}
	p.MaxMintable = ratio.MaxMintable(cdp.CollateralAmount, cdp.MintedAmount, price, cfg.MaxCollateralRatioBps)
	if room, ok := s.ledger.DebtHeadroom(); ok && room < p.MaxMintable {
		p.MaxMintable = room
	}
	p.LiquidationPriceCents = ratio.LiquidationPrice(cdp.CollateralAmount, cdp.MintedAmount, cfg.LiquidationThresholdBps)
	p.Health = ratio.Classify(current, cfg.LiquidationThresholdBps, cdp.Status)
	return p
}

func priceView(r pricefeed.Reading) PriceView {
	return PriceView{
		PriceCents: r.Sample.PriceCents,
		PriceUSD:   usd(r.Sample.PriceCents),
		State:      r.State.String(),
		Confidence: r.Sample.Confidence,
		Source:     r.Sample.Source,
		ObservedAt: r.Sample.ObservedAt,
		AcceptedAt: r.AcceptedAt,
	}
}

// usd formats cents as dollars.
func usd(cents uint64) string {
	return decimal.NewFromUint64(cents).Shift(-2).StringFixed(2)
}

// btc formats satoshis as bitcoin.
func btc(sats uint64) string {
	return decimal.NewFromUint64(sats).Shift(-8).StringFixed(8)
}
