// Package ledger owns the set of collateralized debt positions, the owner
// index and the system totals.
//
// Every mutation is computed on a copy of the position under that
// position's own mutex, committed through the store together with the
// totals delta and an audit event, and only then made visible in memory.
// A failed commit leaves both memory and the store unchanged.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bollar/cdp-engine/internal/ceiling"
	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/ratio"
	"github.com/bollar/cdp-engine/internal/store"
)

// DefaultCommitTimeout bounds a single store commit.
const DefaultCommitTimeout = 5 * time.Second

// Stats summarizes the ledger.
type Stats struct {
	Positions  int          `json:"positions"`
	Active     int          `json:"active"`
	Liquidated int          `json:"liquidated"`
	Closed     int          `json:"closed"`
	Totals     model.Totals `json:"totals"`
}

type entry struct {
	mu  sync.Mutex
	cdp model.CDP
}

// Ledger is safe for concurrent use. Operations on different positions
// proceed in parallel; operations on one position are serialized.
type Ledger struct {
	cfg           model.SystemConfig
	limiter       *ceiling.Limiter
	store         store.Store
	logger        *slog.Logger
	commitTimeout time.Duration

	mu      sync.RWMutex
	cdps    map[uint64]*entry
	byOwner map[string][]uint64
	nextID  uint64

	// totalsMu guards the committed totals, in-flight reservations and
	// the status counters.
	totalsMu sync.Mutex
	totals   model.Totals
	reserved model.Totals
	counts   map[model.Status]int

	clockMu   sync.Mutex
	now       func() time.Time
	lastStamp time.Time
}

// New creates an empty ledger. Call Load to restore persisted positions.
func New(cfg model.SystemConfig, st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		cfg:           cfg,
		limiter:       ceiling.NewLimiter(cfg),
		store:         st,
		logger:        logger.With("component", "ledger"),
		commitTimeout: DefaultCommitTimeout,
		cdps:          make(map[uint64]*entry),
		byOwner:       make(map[string][]uint64),
		counts:        make(map[model.Status]int),
		now:           time.Now,
	}
}

// SetCommitTimeout overrides DefaultCommitTimeout.
func (l *Ledger) SetCommitTimeout(d time.Duration) {
	if d > 0 {
		l.commitTimeout = d
	}
}

// SetClock replaces the time source used for timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()
	l.now = now
}

// Config returns the system configuration the ledger enforces.
func (l *Ledger) Config() model.SystemConfig { return l.cfg }

// stamp returns a timestamp strictly after every previous one.
func (l *Ledger) stamp() time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()
	t := l.now().UTC()
	if !t.After(l.lastStamp) {
		t = l.lastStamp.Add(time.Nanosecond)
	}
	l.lastStamp = t
	return t
}

// --- Loading ---

// Load rebuilds the in-memory state from the store. Totals are recomputed
// from the positions; a mismatch with the stored aggregate is logged.
func (l *Ledger) Load(ctx context.Context) error {
	cdps, err := l.store.ListCDPs(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()

	l.cdps = make(map[uint64]*entry, len(cdps))
	l.byOwner = make(map[string][]uint64)
	l.counts = make(map[model.Status]int)
	l.totals = model.Totals{}
	l.nextID = 0

	var latest time.Time
	for _, c := range cdps {
		l.cdps[c.ID] = &entry{cdp: c}
		l.byOwner[c.Owner] = append(l.byOwner[c.Owner], c.ID)
		l.counts[c.Status]++
		if c.ID > l.nextID {
			l.nextID = c.ID
		}
		if c.Status == model.StatusActive {
			l.totals.TotalCollateral += c.CollateralAmount
			l.totals.TotalMinted += c.MintedAmount
		}
		if c.LastUpdated.After(latest) {
			latest = c.LastUpdated
		}
	}

	l.clockMu.Lock()
	if latest.After(l.lastStamp) {
		l.lastStamp = latest
	}
	l.clockMu.Unlock()

	stored, err := l.store.GetTotals(ctx)
	if err == nil && stored != l.totals {
		l.logger.Warn("stored totals disagree with positions, using recomputed values",
			"stored_collateral", stored.TotalCollateral,
			"stored_minted", stored.TotalMinted,
			"collateral", l.totals.TotalCollateral,
			"minted", l.totals.TotalMinted,
		)
	}
	metrics.SetTotals(l.totals, l.counts[model.StatusActive])

	l.logger.Info("ledger loaded",
		"positions", len(cdps),
		"active", l.counts[model.StatusActive],
		"next_id", l.nextID+1,
	)
	return nil
}

// --- Mutations ---

// Create opens a new active position holding collateral satoshis.
func (l *Ledger) Create(ctx context.Context, owner, payoutAddress string, collateral uint64) (model.CDP, error) {
	if owner == "" {
		return model.CDP{}, model.Errorf(model.KindUnauthorized, "owner is required")
	}
	if collateral < l.cfg.MinCollateralAmount {
		return model.CDP{}, model.Errorf(model.KindInvalidAmount, "collateral below minimum").
			Bounds(collateral, l.cfg.MinCollateralAmount)
	}
	if collateral > l.cfg.MaxCollateralAmount {
		return model.CDP{}, model.Errorf(model.KindInvalidAmount, "collateral above maximum").
			Bounds(collateral, l.cfg.MaxCollateralAmount)
	}

	delta := model.TotalsDelta{CollateralAdded: collateral}
	if err := l.reserve(0, delta); err != nil {
		return model.CDP{}, err
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	now := l.stamp()
	cdp := model.CDP{
		ID:               id,
		Owner:            owner,
		PayoutAddress:    payoutAddress,
		CollateralAmount: collateral,
		Status:           model.StatusActive,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	ev := l.event(cdp, model.EventCreated, owner, collateral, 0)

	if err := l.commit(ctx, &cdp, delta, ev); err != nil {
		l.release(delta)
		return model.CDP{}, err
	}

	l.mu.Lock()
	l.cdps[id] = &entry{cdp: cdp}
	l.byOwner[owner] = append(l.byOwner[owner], id)
	l.mu.Unlock()
	l.settle(delta, "", model.StatusActive)

	l.logger.Info("position created", "cdp_id", id, "owner", owner, "collateral", collateral)
	return cdp, nil
}

// Mint adds amount of debt to a position. The solvency check and the
// mutation use the single price passed in. It returns the new debt total.
func (l *Ledger) Mint(ctx context.Context, id uint64, caller string, amount, priceCents uint64) (uint64, error) {
	if amount == 0 {
		return 0, model.Errorf(model.KindInvalidAmount, "mint amount must be positive").ForCDP(id)
	}
	if amount < l.cfg.MinMintAmount {
		return 0, model.Errorf(model.KindInvalidAmount, "mint amount below minimum").
			Bounds(amount, l.cfg.MinMintAmount).ForCDP(id)
	}
	if priceCents == 0 {
		return 0, model.Errorf(model.KindPriceUnavailable, "no price supplied").ForCDP(id)
	}

	e, err := l.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cdp := e.cdp
	if err := checkOwner(cdp, caller); err != nil {
		return 0, err
	}
	if cdp.Status != model.StatusActive {
		return 0, model.StatusError(id, cdp.Status)
	}

	available := ratio.MaxMintable(cdp.CollateralAmount, cdp.MintedAmount, priceCents, l.cfg.MaxCollateralRatioBps)
	if amount > available {
		return 0, model.Errorf(model.KindInsufficientCollateral, "mint exceeds capacity at %d cents", priceCents).
			Bounds(amount, available).ForCDP(id)
	}

	delta := model.TotalsDelta{MintedAdded: amount}
	if err := l.reserve(cdp.MintedAmount, delta); err != nil {
		return 0, err
	}

	cdp.MintedAmount += amount
	cdp.LastUpdated = l.stamp()
	ev := l.event(cdp, model.EventMinted, caller, amount, priceCents)

	if err := l.commit(ctx, &cdp, delta, ev); err != nil {
		l.release(delta)
		return 0, err
	}
	e.cdp = cdp
	l.settle(delta, model.StatusActive, model.StatusActive)

	l.logger.Info("debt minted",
		"cdp_id", id,
		"amount", amount,
		"minted", cdp.MintedAmount,
		"price_cents", priceCents,
	)
	return cdp.MintedAmount, nil
}

// Burn repays amount of a position's debt and returns what remains. It
// does not depend on the price.
func (l *Ledger) Burn(ctx context.Context, id uint64, caller string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, model.Errorf(model.KindInvalidAmount, "burn amount must be positive").ForCDP(id)
	}

	e, err := l.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cdp := e.cdp
	if err := checkOwner(cdp, caller); err != nil {
		return 0, err
	}
	if cdp.Status != model.StatusActive {
		return 0, model.StatusError(id, cdp.Status)
	}
	if amount > cdp.MintedAmount {
		return 0, model.Errorf(model.KindInvalidAmount, "burn exceeds outstanding debt").
			Bounds(amount, cdp.MintedAmount).ForCDP(id)
	}

	delta := model.TotalsDelta{MintedRemoved: amount}
	cdp.MintedAmount -= amount
	cdp.LastUpdated = l.stamp()
	ev := l.event(cdp, model.EventBurned, caller, amount, 0)

	if err := l.commit(ctx, &cdp, delta, ev); err != nil {
		return 0, err
	}
	e.cdp = cdp
	l.settle(delta, model.StatusActive, model.StatusActive)

	l.logger.Info("debt burned", "cdp_id", id, "amount", amount, "minted", cdp.MintedAmount)
	return cdp.MintedAmount, nil
}

// Close repays the full debt and releases all collateral. repay must cover
// the outstanding debt. It returns the released collateral and the debt
// actually repaid, which is less than repay when repay exceeds the debt.
func (l *Ledger) Close(ctx context.Context, id uint64, caller string, repay uint64) (released, repaid uint64, err error) {
	e, err := l.entry(id)
	if err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cdp := e.cdp
	if err := checkOwner(cdp, caller); err != nil {
		return 0, 0, err
	}
	if cdp.Status != model.StatusActive {
		return 0, 0, model.StatusError(id, cdp.Status)
	}
	if repay < cdp.MintedAmount {
		return 0, 0, model.Errorf(model.KindInvalidAmount, "repayment does not cover debt").
			Bounds(repay, cdp.MintedAmount).ForCDP(id)
	}

	released = cdp.CollateralAmount
	repaid = cdp.MintedAmount
	delta := model.TotalsDelta{CollateralRemoved: released, MintedRemoved: repaid}

	cdp.CollateralAmount = 0
	cdp.MintedAmount = 0
	cdp.Status = model.StatusClosed
	cdp.LastUpdated = l.stamp()
	ev := l.event(cdp, model.EventClosed, caller, repaid, 0)

	if err := l.commit(ctx, &cdp, delta, ev); err != nil {
		return 0, 0, err
	}
	e.cdp = cdp
	l.settle(delta, model.StatusActive, model.StatusClosed)

	l.logger.Info("position closed", "cdp_id", id, "repaid", repaid, "released", released)
	return released, repaid, nil
}

// ApplyLiquidation liquidates a position at priceCents. Eligibility is
// re-verified under the position's lock; the call fails with
// CDPNotLiquidatable if the position is no longer active, no longer below
// the threshold, or its debt differs from expectedDebt.
func (l *Ledger) ApplyLiquidation(ctx context.Context, id uint64, liquidator string, priceCents, expectedDebt uint64) (model.LiquidationOutcome, error) {
	if liquidator == "" {
		return model.LiquidationOutcome{}, model.Errorf(model.KindUnauthorized, "liquidator is required").ForCDP(id)
	}
	if priceCents == 0 {
		return model.LiquidationOutcome{}, model.Errorf(model.KindPriceUnavailable, "no price supplied").ForCDP(id)
	}

	e, err := l.entry(id)
	if err != nil {
		return model.LiquidationOutcome{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cdp := e.cdp
	if cdp.Status != model.StatusActive {
		return model.LiquidationOutcome{}, model.Errorf(model.KindCDPNotLiquidatable, "position is %s", cdp.Status).ForCDP(id)
	}
	if cdp.MintedAmount != expectedDebt {
		return model.LiquidationOutcome{}, model.Errorf(model.KindCDPNotLiquidatable, "debt changed").
			Bounds(expectedDebt, cdp.MintedAmount).ForCDP(id)
	}
	threshold := l.cfg.LiquidationThresholdBps
	if !ratio.IsLiquidatable(cdp.CollateralAmount, cdp.MintedAmount, priceCents, threshold) {
		r := ratio.CollateralRatioBps(cdp.CollateralAmount, cdp.MintedAmount, priceCents)
		return model.LiquidationOutcome{}, model.Errorf(model.KindCDPNotLiquidatable, "ratio at or above threshold").
			Bounds(r, threshold).ForCDP(id)
	}

	ownerShare, reward := ratio.LiquidationSplit(cdp.CollateralAmount, l.cfg.LiquidationPenaltyBps)
	out := model.LiquidationOutcome{
		CDPID:       id,
		Owner:       cdp.Owner,
		Liquidator:  liquidator,
		Reward:      reward,
		OwnerShare:  ownerShare,
		BurnedDebt:  cdp.MintedAmount,
		PriceCents:  priceCents,
		OwnerPayout: cdp.PayoutAddress,
	}
	delta := model.TotalsDelta{CollateralRemoved: cdp.CollateralAmount, MintedRemoved: cdp.MintedAmount}

	cdp.CollateralAmount = 0
	cdp.MintedAmount = 0
	cdp.Status = model.StatusLiquidated
	cdp.LastUpdated = l.stamp()
	ev := l.event(cdp, model.EventLiquidated, liquidator, out.BurnedDebt, priceCents)

	if err := l.commit(ctx, &cdp, delta, ev); err != nil {
		return model.LiquidationOutcome{}, err
	}
	e.cdp = cdp
	l.settle(delta, model.StatusActive, model.StatusLiquidated)

	l.logger.Info("position liquidated",
		"cdp_id", id,
		"liquidator", liquidator,
		"price_cents", priceCents,
		"debt", out.BurnedDebt,
		"reward", reward,
		"owner_share", ownerShare,
	)
	return out, nil
}

// --- Reads ---

// Get returns a snapshot of one position.
func (l *Ledger) Get(id uint64) (model.CDP, error) {
	e, err := l.entry(id)
	if err != nil {
		return model.CDP{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cdp, nil
}

// ByOwner returns every position of owner in creation order, terminal
// ones included. An unknown owner has no positions.
func (l *Ledger) ByOwner(owner string) []model.CDP {
	l.mu.RLock()
	ids := append([]uint64(nil), l.byOwner[owner]...)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, l.cdps[id])
	}
	l.mu.RUnlock()

	out := make([]model.CDP, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.cdp)
		e.mu.Unlock()
	}
	return out
}

// Active returns a snapshot of every active position in id order. Each
// element is internally consistent; the set as a whole is not a single
// point-in-time view.
func (l *Ledger) Active() []model.CDP {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.cdps))
	for _, e := range l.cdps {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]model.CDP, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.cdp.Status == model.StatusActive {
			out = append(out, e.cdp)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Totals returns the committed system totals.
func (l *Ledger) Totals() model.Totals {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	return l.totals
}

// DebtHeadroom returns how much more debt the system ceiling admits after
// committed and reserved debt, with ok=false when no ceiling is set.
func (l *Ledger) DebtHeadroom() (uint64, bool) {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	return l.limiter.DebtHeadroom(l.totals.TotalMinted + l.reserved.TotalMinted)
}

// Stats returns position counts and totals.
func (l *Ledger) Stats() Stats {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	s := Stats{
		Active:     l.counts[model.StatusActive],
		Liquidated: l.counts[model.StatusLiquidated],
		Closed:     l.counts[model.StatusClosed],
		Totals:     l.totals,
	}
	s.Positions = s.Active + s.Liquidated + s.Closed
	return s
}

// Events returns the audit trail of one position.
func (l *Ledger) Events(ctx context.Context, id uint64) ([]model.LedgerEvent, error) {
	if _, err := l.entry(id); err != nil {
		return nil, err
	}
	return l.store.ListEvents(ctx, id)
}

// --- Internals ---

func (l *Ledger) entry(id uint64) (*entry, error) {
	l.mu.RLock()
	e, ok := l.cdps[id]
	l.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.KindCDPNotFound, "no such position").ForCDP(id)
	}
	return e, nil
}

func checkOwner(cdp model.CDP, caller string) error {
	if caller == "" || caller != cdp.Owner {
		return model.Errorf(model.KindUnauthorized, "caller does not own position").ForCDP(cdp.ID)
	}
	return nil
}

func (l *Ledger) event(cdp model.CDP, typ model.EventType, actor string, amount, priceCents uint64) *model.LedgerEvent {
	return &model.LedgerEvent{
		ID:              uuid.New().String(),
		CDPID:           cdp.ID,
		Type:            typ,
		Actor:           actor,
		Amount:          amount,
		CollateralAfter: cdp.CollateralAmount,
		MintedAfter:     cdp.MintedAmount,
		PriceCents:      priceCents,
		Timestamp:       cdp.LastUpdated,
	}
}

func (l *Ledger) commit(ctx context.Context, cdp *model.CDP, delta model.TotalsDelta, ev *model.LedgerEvent) error {
	ctx, cancel := context.WithTimeout(ctx, l.commitTimeout)
	defer cancel()
	if err := l.store.CommitCDP(ctx, cdp, delta, ev); err != nil {
		l.logger.Error("ledger commit failed", "cdp_id", cdp.ID, "event", ev.Type, "err", err)
		return err
	}
	return nil
}

// reserve checks the additions in delta against the ceilings, counting
// committed totals plus other in-flight reservations, and reserves them.
func (l *Ledger) reserve(positionDebt uint64, delta model.TotalsDelta) error {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()

	if delta.CollateralAdded > 0 {
		held := l.totals.TotalCollateral + l.reserved.TotalCollateral
		if err := l.limiter.CheckDeposit(held, delta.CollateralAdded); err != nil {
			return err
		}
	}
	if delta.MintedAdded > 0 {
		outstanding := l.totals.TotalMinted + l.reserved.TotalMinted
		if err := l.limiter.CheckMint(positionDebt, outstanding, delta.MintedAdded); err != nil {
			return err
		}
	}
	l.reserved.TotalCollateral += delta.CollateralAdded
	l.reserved.TotalMinted += delta.MintedAdded
	return nil
}

func (l *Ledger) release(delta model.TotalsDelta) {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	l.reserved.TotalCollateral -= delta.CollateralAdded
	l.reserved.TotalMinted -= delta.MintedAdded
}

// settle moves a committed delta from the reservations into the totals and
// records a status transition. An empty from means a new position.
func (l *Ledger) settle(delta model.TotalsDelta, from, to model.Status) {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	l.reserved.TotalCollateral -= delta.CollateralAdded
	l.reserved.TotalMinted -= delta.MintedAdded
	l.totals = l.totals.Apply(delta)
	if from != to {
		if from != "" {
			l.counts[from]--
		}
		l.counts[to]++
	}
	metrics.SetTotals(l.totals, l.counts[model.StatusActive])
}
