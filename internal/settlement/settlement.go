// Package settlement wraps the external collaborators a position operation
// depends on: deposit confirmation, the stablecoin token ledger and outward
// BTC transfers.
//
// Calls made before a ledger commit (deposit checks, collecting tokens) are
// synchronous and their failure aborts the operation. Calls made after a
// commit (minting tokens, paying out collateral, refunds) are attempted
// once inline; a failure parks the job in a persisted outbox that Run
// retries until the collaborator confirms it. Every job carries an
// idempotency key that is passed unchanged on every attempt.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/model"
)

// DepositStatus is the confirmation state of a BTC deposit.
type DepositStatus int

const (
	DepositConfirmed DepositStatus = iota
	DepositPending
	DepositInvalid
)

func (s DepositStatus) String() string {
	switch s {
	case DepositConfirmed:
		return "confirmed"
	case DepositPending:
		return "pending"
	default:
		return "invalid"
	}
}

// DepositRef identifies an on-chain deposit and the amount it is claimed
// to carry.
type DepositRef struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Address string `json:"address,omitempty"`
	Amount  uint64 `json:"amount,omitempty"`
}

// Outpoint returns the "txid:vout" form of the reference.
func (r DepositRef) Outpoint() string {
	return r.TxID + ":" + strconv.FormatUint(uint64(r.Vout), 10)
}

// DepositVerifier reports how much of a deposit is confirmed.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, ref DepositRef) (confirmed uint64, status DepositStatus, err error)
}

// AssetTransfer sends collateral out of custody.
type AssetTransfer interface {
	TransferOut(ctx context.Context, destination string, amount uint64, idempotencyKey string) (txRef string, err error)
}

// TokenLedger mints and burns the stablecoin.
type TokenLedger interface {
	Mint(ctx context.Context, holder string, amount uint64, idempotencyKey string) error
	Burn(ctx context.Context, holder string, amount uint64, idempotencyKey string) error
}

// Outbox persists unconfirmed post-commit jobs.
type Outbox interface {
	SaveSettlement(ctx context.Context, job *model.SettlementJob) error
	DeleteSettlement(ctx context.Context, key string) error
	ListSettlements(ctx context.Context) ([]model.SettlementJob, error)
}

// Config controls collaborator timeouts and retry pacing.
type Config struct {
	CallTimeout   time.Duration
	RetryInterval time.Duration
	RetryRate     float64 // attempts per second across all jobs
	RetryBurst    int
}

// DefaultConfig returns a 10s call timeout and retries every 30s at up to
// five attempts per second.
func DefaultConfig() Config {
	return Config{
		CallTimeout:   10 * time.Second,
		RetryInterval: 30 * time.Second,
		RetryRate:     5,
		RetryBurst:    5,
	}
}

// Receipt reports the outcome of a post-commit action.
type Receipt struct {
	Key     string               `json:"key"`
	Kind    model.SettlementKind `json:"kind"`
	Amount  uint64               `json:"amount"`
	Settled bool                 `json:"settled"`
	TxRef   string               `json:"tx_ref,omitempty"`
}

// Settler is safe for concurrent use.
type Settler struct {
	cfg       Config
	deposits  DepositVerifier
	transfers AssetTransfer
	tokens    TokenLedger
	outbox    Outbox
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a settler.
func New(cfg Config, deposits DepositVerifier, transfers AssetTransfer, tokens TokenLedger, outbox Outbox, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RetryRate > 0 {
		limit = rate.Limit(cfg.RetryRate)
	}
	burst := cfg.RetryBurst
	if burst < 1 {
		burst = 1
	}
	return &Settler{
		cfg:       cfg,
		deposits:  deposits,
		transfers: transfers,
		tokens:    tokens,
		outbox:    outbox,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.With("component", "settlement"),
	}
}

// NewKey returns a fresh idempotency key.
func NewKey() string {
	return uuid.New().String()
}

func (s *Settler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// --- Pre-commit calls ---

// VerifyDeposit checks that ref is confirmed for exactly amount satoshis.
func (s *Settler) VerifyDeposit(ctx context.Context, ref DepositRef, amount uint64) error {
	if ref.TxID == "" {
		return model.Errorf(model.KindInvalidDeposit, "deposit reference is required")
	}
	ref.Amount = amount
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	confirmed, status, err := s.deposits.VerifyDeposit(ctx, ref)
	if err != nil {
		s.logger.Warn("deposit verification failed", "txid", ref.TxID, "err", err)
		return model.Errorf(model.KindSettlementFailed, "verify deposit: %v", err)
	}
	switch status {
	case DepositPending:
		return model.Errorf(model.KindDepositPending, "deposit %s:%d not yet confirmed", ref.TxID, ref.Vout)
	case DepositInvalid:
		return model.Errorf(model.KindInvalidDeposit, "deposit %s:%d rejected", ref.TxID, ref.Vout)
	}
	if confirmed != amount {
		return model.Errorf(model.KindInvalidDeposit, "confirmed amount differs from claimed collateral").
			Bounds(amount, confirmed)
	}
	return nil
}

// collectAttempts bounds the burns Collect tries under one key.
const collectAttempts = 3

// Collect burns amount tokens from holder ahead of a commit. The returned
// key must be used for a refund if the commit does not happen.
//
// A burn that times out may still have landed, so it is replayed under the
// same key while the call budget lasts. The token ledger treats the replay
// as a no-op if the first burn went through.
func (s *Settler) Collect(ctx context.Context, holder string, amount uint64) (string, error) {
	key := NewKey()
	budget, cancel := s.callCtx(ctx)
	defer cancel()

	var err error
	for attempt := 1; attempt <= collectAttempts; attempt++ {
		err = s.burnOnce(budget, holder, amount, key)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || budget.Err() != nil {
			break
		}
		s.logger.Warn("token burn timed out, replaying", "holder", holder, "key", key, "attempt", attempt)
	}

	metrics.SettlementFailures.WithLabelValues(string(model.SettleTokenBurn)).Inc()
	if errors.Is(err, context.DeadlineExceeded) {
		// The burn may have landed. The key identifies it for reconciliation.
		s.logger.Error("token burn outcome unknown", "holder", holder, "amount", amount, "key", key, "err", err)
	} else {
		s.logger.Warn("token burn failed", "holder", holder, "amount", amount, "err", err)
	}
	return "", model.Errorf(model.KindSettlementFailed, "burn tokens: %v", err)
}

// burnOnce gives each attempt an equal share of the call budget.
func (s *Settler) burnOnce(budget context.Context, holder string, amount uint64, key string) error {
	if s.cfg.CallTimeout <= 0 {
		return s.tokens.Burn(budget, holder, amount, key)
	}
	ctx, cancel := context.WithTimeout(budget, s.cfg.CallTimeout/collectAttempts)
	defer cancel()
	return s.tokens.Burn(ctx, holder, amount, key)
}

// --- Post-commit calls ---

// Mint issues amount tokens to holder for a committed mint.
func (s *Settler) Mint(ctx context.Context, cdpID uint64, holder string, amount uint64) Receipt {
	return s.settle(ctx, &model.SettlementJob{Kind: model.SettleTokenMint, CDPID: cdpID, Target: holder, Amount: amount})
}

// Refund returns amount previously collected tokens to holder.
func (s *Settler) Refund(ctx context.Context, cdpID uint64, holder string, amount uint64) Receipt {
	return s.settle(ctx, &model.SettlementJob{Kind: model.SettleTokenMint, CDPID: cdpID, Target: holder, Amount: amount})
}

// Payout sends amount satoshis of released collateral to destination.
func (s *Settler) Payout(ctx context.Context, cdpID uint64, destination string, amount uint64) Receipt {
	return s.settle(ctx, &model.SettlementJob{Kind: model.SettleTransferOut, CDPID: cdpID, Target: destination, Amount: amount})
}

// settle attempts job once and parks it in the outbox on failure. The
// caller's cancellation does not abort a post-commit action.
func (s *Settler) settle(ctx context.Context, job *model.SettlementJob) Receipt {
	job.Key = NewKey()
	job.CreatedAt = time.Now().UTC()
	r := Receipt{Key: job.Key, Kind: job.Kind, Amount: job.Amount}
	if job.Amount == 0 {
		r.Settled = true
		return r
	}

	ctx = context.WithoutCancel(ctx)
	txRef, err := s.dispatch(ctx, job)
	if err == nil {
		r.Settled = true
		r.TxRef = txRef
		return r
	}

	job.Attempts = 1
	job.LastError = err.Error()
	metrics.SettlementFailures.WithLabelValues(string(job.Kind)).Inc()
	s.logger.Warn("settlement deferred",
		"key", job.Key,
		"kind", job.Kind,
		"cdp_id", job.CDPID,
		"amount", job.Amount,
		"err", err,
	)
	if err := s.outbox.SaveSettlement(ctx, job); err != nil {
		s.logger.Error("settlement outbox write failed", "key", job.Key, "kind", job.Kind, "err", err)
	}
	metrics.SettlementPending.Inc()
	return r
}

func (s *Settler) dispatch(ctx context.Context, job *model.SettlementJob) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	switch job.Kind {
	case model.SettleTransferOut:
		return s.transfers.TransferOut(ctx, job.Target, job.Amount, job.Key)
	case model.SettleTokenBurn:
		return "", s.tokens.Burn(ctx, job.Target, job.Amount, job.Key)
	default:
		return "", s.tokens.Mint(ctx, job.Target, job.Amount, job.Key)
	}
}

// --- Retry loop ---

// Pending returns the jobs waiting for retry.
func (s *Settler) Pending(ctx context.Context) ([]model.SettlementJob, error) {
	return s.outbox.ListSettlements(ctx)
}

// RetryPending attempts every parked job once, oldest first, paced by the
// retry rate limit. It returns how many jobs were confirmed.
func (s *Settler) RetryPending(ctx context.Context) (int, error) {
	jobs, err := s.outbox.ListSettlements(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range jobs {
		if err := s.limiter.Wait(ctx); err != nil {
			return settled, err
		}
		job := &jobs[i]
		txRef, err := s.dispatch(ctx, job)
		if err != nil {
			job.Attempts++
			job.LastError = err.Error()
			metrics.SettlementFailures.WithLabelValues(string(job.Kind)).Inc()
			s.logger.Warn("settlement retry failed",
				"key", job.Key,
				"kind", job.Kind,
				"attempts", job.Attempts,
				"err", err,
			)
			if err := s.outbox.SaveSettlement(ctx, job); err != nil {
				s.logger.Error("settlement outbox write failed", "key", job.Key, "err", err)
			}
			continue
		}
		if err := s.outbox.DeleteSettlement(ctx, job.Key); err != nil {
			s.logger.Error("settlement outbox delete failed", "key", job.Key, "err", err)
			continue
		}
		settled++
		s.logger.Info("settlement confirmed",
			"key", job.Key,
			"kind", job.Kind,
			"cdp_id", job.CDPID,
			"attempts", job.Attempts+1,
			"tx_ref", txRef,
		)
	}
	metrics.SettlementPending.Set(float64(len(jobs) - settled))
	return settled, nil
}

// Run retries parked jobs every RetryInterval until ctx is cancelled.
func (s *Settler) Run(ctx context.Context) {
	if s.cfg.RetryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RetryPending(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("settlement retry pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
