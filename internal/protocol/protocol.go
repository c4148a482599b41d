// Package protocol is the entry point for every user-facing operation. It
// orders the external steps around each ledger commit: inputs and
// authorization are checked first, then prices, deposits and token burns
// are gathered, then the ledger commits, and only then are tokens minted
// or collateral sent out.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bollar/cdp-engine/internal/btcaddr"
	"github.com/bollar/cdp-engine/internal/events"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/liquidation"
	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/settlement"
)

// Operation names a pausable operation.
type Operation string

const (
	OpCreate    Operation = "create"
	OpMint      Operation = "mint"
	OpLiquidate Operation = "liquidate"
)

// Pausable lists the operations that can be paused. Burn and close are
// never paused so positions can always be exited.
var Pausable = []Operation{OpCreate, OpMint, OpLiquidate}

// Config holds facade settings.
type Config struct {
	Network btcaddr.Network
	Paused  []Operation

	// Operators may pause and resume operations. Nobody can when empty.
	Operators []string
}

// CreateRequest opens a position against a confirmed deposit.
type CreateRequest struct {
	Owner            string                `json:"owner"`
	CollateralAmount uint64                `json:"collateral_amount"`
	Deposit          settlement.DepositRef `json:"deposit"`
	PayoutAddress    string                `json:"payout_address"`
}

// MintResult is returned by Mint.
type MintResult struct {
	CDPID       uint64             `json:"cdp_id"`
	MintedTotal uint64             `json:"minted_total"`
	Tokens      settlement.Receipt `json:"tokens"`
}

// BurnResult is returned by Burn.
type BurnResult struct {
	CDPID         uint64 `json:"cdp_id"`
	RemainingDebt uint64 `json:"remaining_debt"`
}

// CloseResult is returned by ClosePosition.
type CloseResult struct {
	CDPID              uint64              `json:"cdp_id"`
	Repaid             uint64              `json:"repaid"`
	ReleasedCollateral uint64              `json:"released_collateral"`
	Payout             settlement.Receipt  `json:"payout"`
	Refund             *settlement.Receipt `json:"refund,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	ledger    *ledger.Ledger
	prices    liquidation.Prices
	engine    *liquidation.Engine
	settler   *settlement.Settler
	publisher events.Publisher
	network   btcaddr.Network
	logger    *slog.Logger

	pauseMu   sync.RWMutex
	paused    map[Operation]bool
	operators map[string]bool

	depositMu sync.Mutex
	deposits  map[string]bool
}

// New creates the facade. publisher may be nil.
func New(cfg Config, l *ledger.Ledger, prices liquidation.Prices, engine *liquidation.Engine, settler *settlement.Settler, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	s := &Service{
		ledger:    l,
		prices:    prices,
		engine:    engine,
		settler:   settler,
		publisher: publisher,
		network:   cfg.Network,
		logger:    logger.With("component", "protocol"),
		paused:    make(map[Operation]bool),
		operators: make(map[string]bool, len(cfg.Operators)),
		deposits:  make(map[string]bool),
	}
	for _, op := range cfg.Paused {
		s.paused[op] = true
	}
	for _, id := range cfg.Operators {
		if id != "" {
			s.operators[id] = true
		}
	}
	return s
}

// SetPaused pauses or resumes op on behalf of operator. Only configured
// operators may call it, and only create, mint and liquidate can be paused.
func (s *Service) SetPaused(operator string, op Operation, paused bool) error {
	if !s.operators[operator] {
		return model.Errorf(model.KindUnauthorized, "%q is not an operator", operator)
	}
	if !IsPausable(op) {
		return model.Errorf(model.KindInvalidRequest, "operation %q cannot be paused", op)
	}
	s.pauseMu.Lock()
	s.paused[op] = paused
	s.pauseMu.Unlock()
	s.logger.Warn("operation pause changed", "op", op, "paused", paused, "operator", operator)
	return nil
}

// Paused returns the paused operations.
func (s *Service) Paused() []Operation {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	var out []Operation
	for _, op := range Pausable {
		if s.paused[op] {
			out = append(out, op)
		}
	}
	return out
}

func (s *Service) checkPaused(op Operation) error {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	if s.paused[op] {
		return model.Errorf(model.KindPaused, "%s is paused", op)
	}
	return nil
}

// IsPausable reports whether op can be paused.
func IsPausable(op Operation) bool {
	for _, p := range Pausable {
		if p == op {
			return true
		}
	}
	return false
}

// --- Mutations ---

// CreatePosition verifies the deposit and opens a position for it.
func (s *Service) CreatePosition(ctx context.Context, req CreateRequest) (model.CDP, error) {
	start := time.Now()
	cdp, err := s.createPosition(ctx, req)
	metrics.ObserveOp("create", start, err)
	return cdp, err
}

func (s *Service) createPosition(ctx context.Context, req CreateRequest) (model.CDP, error) {
	if err := s.checkPaused(OpCreate); err != nil {
		return model.CDP{}, err
	}
	if req.Owner == "" {
		return model.CDP{}, model.Errorf(model.KindUnauthorized, "owner is required")
	}
	cfg := s.ledger.Config()
	if req.CollateralAmount < cfg.MinCollateralAmount {
		return model.CDP{}, model.Errorf(model.KindInvalidAmount, "collateral below minimum").
			Bounds(req.CollateralAmount, cfg.MinCollateralAmount)
	}
	if req.CollateralAmount > cfg.MaxCollateralAmount {
		return model.CDP{}, model.Errorf(model.KindInvalidAmount, "collateral above maximum").
			Bounds(req.CollateralAmount, cfg.MaxCollateralAmount)
	}
	if _, err := btcaddr.Validate(req.PayoutAddress, s.network); err != nil {
		return model.CDP{}, err
	}

	outpoint := req.Deposit.Outpoint()
	if !s.claimDeposit(outpoint) {
		return model.CDP{}, model.Errorf(model.KindInvalidDeposit, "deposit %s already backs a position", outpoint)
	}
	if err := s.settler.VerifyDeposit(ctx, req.Deposit, req.CollateralAmount); err != nil {
		s.releaseDeposit(outpoint)
		return model.CDP{}, err
	}

	cdp, err := s.ledger.Create(ctx, req.Owner, req.PayoutAddress, req.CollateralAmount)
	if err != nil {
		s.releaseDeposit(outpoint)
		return model.CDP{}, err
	}

	s.publishPosition(events.TypePositionCreated, cdp, req.Owner, req.CollateralAmount)
	return cdp, nil
}

// claimDeposit reserves a deposit outpoint so two concurrent creates cannot
// be backed by the same deposit.
func (s *Service) claimDeposit(outpoint string) bool {
	s.depositMu.Lock()
	defer s.depositMu.Unlock()
	if s.deposits[outpoint] {
		return false
	}
	s.deposits[outpoint] = true
	return true
}

func (s *Service) releaseDeposit(outpoint string) {
	s.depositMu.Lock()
	delete(s.deposits, outpoint)
	s.depositMu.Unlock()
}

// Mint issues amount tokens against position id at the current price.
func (s *Service) Mint(ctx context.Context, id uint64, caller string, amount uint64) (MintResult, error) {
	start := time.Now()
	res, err := s.mint(ctx, id, caller, amount)
	metrics.ObserveOp("mint", start, err)
	return res, err
}

func (s *Service) mint(ctx context.Context, id uint64, caller string, amount uint64) (MintResult, error) {
	if err := s.checkPaused(OpMint); err != nil {
		return MintResult{}, err
	}
	if amount == 0 {
		return MintResult{}, model.Errorf(model.KindInvalidAmount, "amount must be positive").ForCDP(id)
	}
	if _, err := s.ownedActive(id, caller); err != nil {
		return MintResult{}, err
	}

	sample, err := s.prices.Require(ctx)
	if err != nil {
		return MintResult{}, forCDP(err, id)
	}
	total, err := s.ledger.Mint(ctx, id, caller, amount, sample.PriceCents)
	if err != nil {
		return MintResult{}, err
	}

	receipt := s.settler.Mint(ctx, id, caller, amount)
	s.noteReceipt(id, receipt)

	cdp, _ := s.ledger.Get(id)
	s.publishPosition(events.TypePositionUpdated, cdp, caller, amount)
	return MintResult{CDPID: id, MintedTotal: total, Tokens: receipt}, nil
}

// Burn repays amount of position id's debt from the caller's tokens. It
// never reads the price.
func (s *Service) Burn(ctx context.Context, id uint64, caller string, amount uint64) (BurnResult, error) {
	start := time.Now()
	res, err := s.burn(ctx, id, caller, amount)
	metrics.ObserveOp("burn", start, err)
	return res, err
}

func (s *Service) burn(ctx context.Context, id uint64, caller string, amount uint64) (BurnResult, error) {
	if amount == 0 {
		return BurnResult{}, model.Errorf(model.KindInvalidAmount, "amount must be positive").ForCDP(id)
	}
	cdp, err := s.ownedActive(id, caller)
	if err != nil {
		return BurnResult{}, err
	}
	if amount > cdp.MintedAmount {
		return BurnResult{}, model.Errorf(model.KindInvalidAmount, "amount exceeds debt").
			Bounds(amount, cdp.MintedAmount).ForCDP(id)
	}

	if _, err := s.settler.Collect(ctx, caller, amount); err != nil {
		return BurnResult{}, forCDP(err, id)
	}
	remaining, err := s.ledger.Burn(ctx, id, caller, amount)
	if err != nil {
		s.refund(ctx, id, caller, amount, err)
		return BurnResult{}, err
	}

	cdp, _ = s.ledger.Get(id)
	s.publishPosition(events.TypePositionUpdated, cdp, caller, amount)
	return BurnResult{CDPID: id, RemainingDebt: remaining}, nil
}

// ClosePosition repays the full debt and sends all collateral to the
// position's payout address. repay must cover the debt; only the debt is
// collected from the caller. It never reads the price.
func (s *Service) ClosePosition(ctx context.Context, id uint64, caller string, repay uint64) (CloseResult, error) {
	start := time.Now()
	res, err := s.closePosition(ctx, id, caller, repay)
	metrics.ObserveOp("close", start, err)
	return res, err
}

func (s *Service) closePosition(ctx context.Context, id uint64, caller string, repay uint64) (CloseResult, error) {
	cdp, err := s.ownedActive(id, caller)
	if err != nil {
		return CloseResult{}, err
	}
	if repay < cdp.MintedAmount {
		return CloseResult{}, model.Errorf(model.KindInvalidAmount, "repayment does not cover debt").
			Bounds(repay, cdp.MintedAmount).ForCDP(id)
	}

	collected := cdp.MintedAmount
	if collected > 0 {
		if _, err := s.settler.Collect(ctx, caller, collected); err != nil {
			return CloseResult{}, forCDP(err, id)
		}
	}
	released, repaid, err := s.ledger.Close(ctx, id, caller, collected)
	if err != nil {
		if collected > 0 {
			s.refund(ctx, id, caller, collected, err)
		}
		return CloseResult{}, err
	}

	res := CloseResult{CDPID: id, Repaid: repaid, ReleasedCollateral: released}
	if excess := collected - repaid; excess > 0 {
		r := s.settler.Refund(ctx, id, caller, excess)
		s.noteReceipt(id, r)
		res.Refund = &r
	}
	if cdp.PayoutAddress != "" {
		res.Payout = s.settler.Payout(ctx, id, cdp.PayoutAddress, released)
		s.noteReceipt(id, res.Payout)
	} else if released > 0 {
		s.logger.Error("position has no payout address, collateral held", "cdp_id", id, "collateral", released)
	}

	cdp, _ = s.ledger.Get(id)
	s.publishPosition(events.TypePositionClosed, cdp, caller, repaid)
	return res, nil
}

// Liquidate liquidates position id at the current price, collecting the
// debt from caller and paying the reward to payoutAddress.
func (s *Service) Liquidate(ctx context.Context, id uint64, caller, payoutAddress string) (*liquidation.Result, error) {
	if err := s.checkPaused(OpLiquidate); err != nil {
		return nil, err
	}
	if caller == "" {
		return nil, model.Errorf(model.KindUnauthorized, "liquidator is required").ForCDP(id)
	}
	sample, err := s.prices.Require(ctx)
	if err != nil {
		return nil, forCDP(err, id)
	}
	res, err := s.engine.Execute(ctx, id, caller, payoutAddress, sample)
	if err != nil {
		return nil, err
	}
	s.noteReceipt(id, res.RewardPayout)
	s.noteReceipt(id, res.OwnerPayout)
	return res, nil
}

// LiquidateBatch liquidates each id independently at sample. A zero sample
// means the current price.
func (s *Service) LiquidateBatch(ctx context.Context, ids []uint64, caller, payoutAddress string, sample model.PriceSample) (liquidation.BatchReport, error) {
	if err := s.checkPaused(OpLiquidate); err != nil {
		return liquidation.BatchReport{}, err
	}
	if caller == "" {
		return liquidation.BatchReport{}, model.Errorf(model.KindUnauthorized, "liquidator is required")
	}
	if len(ids) == 0 {
		return liquidation.BatchReport{}, model.Errorf(model.KindInvalidRequest, "no positions given")
	}
	if sample.PriceCents == 0 {
		current, err := s.prices.Require(ctx)
		if err != nil {
			return liquidation.BatchReport{}, err
		}
		sample = current
	}
	report := s.engine.ExecuteBatch(ctx, ids, caller, payoutAddress, sample)
	for _, item := range report.Items {
		if item.Result != nil {
			s.noteReceipt(item.CDPID, item.Result.RewardPayout)
			s.noteReceipt(item.CDPID, item.Result.OwnerPayout)
		}
	}
	return report, nil
}

// --- Reads ---

// ListLiquidatable scans every active position against the latest price,
// which may be degraded.
func (s *Service) ListLiquidatable(ctx context.Context) ([]model.LiquidationCandidate, error) {
	candidates, _, err := s.engine.ScanCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// GetPosition returns position id valued at the latest price. The
// valuation is omitted when no price has been accepted yet.
func (s *Service) GetPosition(ctx context.Context, id uint64) (Position, error) {
	cdp, err := s.ledger.Get(id)
	if err != nil {
		return Position{}, err
	}
	reading, ok := s.latest(ctx)
	return s.view(cdp, reading, ok), nil
}

// GetPositionsByOwner returns every position of owner, terminal ones
// included, ordered by id.
func (s *Service) GetPositionsByOwner(ctx context.Context, owner string) ([]Position, error) {
	if owner == "" {
		return nil, model.Errorf(model.KindUnauthorized, "owner is required")
	}
	cdps := s.ledger.ByOwner(owner)
	sort.Slice(cdps, func(i, j int) bool { return cdps[i].ID < cdps[j].ID })

	reading, ok := s.latest(ctx)
	out := make([]Position, 0, len(cdps))
	for _, cdp := range cdps {
		out = append(out, s.view(cdp, reading, ok))
	}
	return out, nil
}

// History returns position id's audit events, oldest first.
func (s *Service) History(ctx context.Context, id uint64) ([]model.LedgerEvent, error) {
	return s.ledger.Events(ctx, id)
}

// Price returns the latest price and its state.
func (s *Service) Price(ctx context.Context) (PriceView, error) {
	r, err := s.prices.Latest(ctx)
	if err != nil {
		return PriceView{}, err
	}
	return priceView(r), nil
}

// ClosePreview reports what closing position id would require and release.
func (s *Service) ClosePreview(ctx context.Context, id uint64) (ClosePreview, error) {
	cdp, err := s.ledger.Get(id)
	if err != nil {
		return ClosePreview{}, err
	}
	if cdp.Status != model.StatusActive {
		return ClosePreview{}, model.StatusError(id, cdp.Status)
	}
	return ClosePreview{
		CDPID:              id,
		RequiredRepayment:  cdp.MintedAmount,
		ReleasedCollateral: cdp.CollateralAmount,
		PayoutAddress:      cdp.PayoutAddress,
		RepaymentUSD:       usd(cdp.MintedAmount),
		CollateralBTC:      btc(cdp.CollateralAmount),
	}, nil
}

// --- helpers ---

// ownedActive prechecks authorization and state before any external call.
// The ledger re-checks both inside its commit.
func (s *Service) ownedActive(id uint64, caller string) (model.CDP, error) {
	if caller == "" {
		return model.CDP{}, model.Errorf(model.KindUnauthorized, "caller is required").ForCDP(id)
	}
	cdp, err := s.ledger.Get(id)
	if err != nil {
		return model.CDP{}, err
	}
	if cdp.Owner != caller {
		return model.CDP{}, model.Errorf(model.KindUnauthorized, "caller does not own position").ForCDP(id)
	}
	if cdp.Status != model.StatusActive {
		return model.CDP{}, model.StatusError(id, cdp.Status)
	}
	return cdp, nil
}

func (s *Service) latest(ctx context.Context) (pricefeed.Reading, bool) {
	r, err := s.prices.Latest(ctx)
	if err != nil {
		s.logger.Debug("positions served without valuation", "err", err)
		return r, false
	}
	return r, true
}

// refund returns collected tokens after a commit did not happen.
func (s *Service) refund(ctx context.Context, id uint64, holder string, amount uint64, cause error) {
	r := s.settler.Refund(ctx, id, holder, amount)
	s.noteReceipt(id, r)
	s.logger.Warn("commit failed, tokens refunded",
		"cdp_id", id,
		"holder", holder,
		"amount", amount,
		"refund_settled", r.Settled,
		"err", cause,
	)
}

// noteReceipt announces a post-commit action that was parked for retry.
func (s *Service) noteReceipt(id uint64, r settlement.Receipt) {
	if r.Settled || r.Key == "" {
		return
	}
	s.publisher.Publish(events.Message{
		Type:         events.TypeSettlementParked,
		CDPID:        id,
		Amount:       r.Amount,
		SettlementID: r.Key,
		Status:       string(r.Kind),
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Service) publishPosition(typ string, cdp model.CDP, actor string, amount uint64) {
	s.publisher.Publish(events.Message{
		Type:       typ,
		CDPID:      cdp.ID,
		Owner:      cdp.Owner,
		Actor:      actor,
		Amount:     amount,
		Collateral: cdp.CollateralAmount,
		Minted:     cdp.MintedAmount,
		Status:     string(cdp.Status),
		Timestamp:  time.Now().UTC(),
	})
}

// PriceHook returns a pricefeed.UpdateFunc that publishes accepted prices.
func (s *Service) PriceHook() pricefeed.UpdateFunc {
	return func(_ *model.PriceSample, next model.PriceSample) {
		s.publisher.Publish(events.Message{
			Type:       events.TypePriceUpdated,
			PriceCents: next.PriceCents,
			PriceUSD:   usd(next.PriceCents),
			Timestamp:  next.ObservedAt.UTC(),
		})
	}
}

func forCDP(err error, id uint64) error {
	var me *model.Error
	if errors.As(err, &me) {
		return me.ForCDP(id)
	}
	return err
}
