package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bollar/cdp-engine/internal/btcaddr"
	"github.com/bollar/cdp-engine/internal/events"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/liquidation"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/protocol"
	"github.com/bollar/cdp-engine/internal/ratio"
	"github.com/bollar/cdp-engine/internal/settlement"
	"github.com/bollar/cdp-engine/internal/store"
)

const (
	oneBTC     = 100_000_000
	price65k   = 6_500_000
	ownerAddr  = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	keeperAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	operator   = "ops"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recorder) Publish(m events.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

type testEnv struct {
	svc       *protocol.Service
	ledger    *ledger.Ledger
	feed      *pricefeed.Feed
	clock     *clock
	verifier  *settlement.StaticVerifier
	tokens    *settlement.MemoryTokens
	transfers *settlement.MemoryTransfers
	events    *recorder
}

func newTestEnv(t *testing.T, paused ...protocol.Operation) *testEnv {
	t.Helper()
	return newTestEnvWith(t, model.DefaultSystemConfig(), paused...)
}

func newTestEnvWith(t *testing.T, sys model.SystemConfig, paused ...protocol.Operation) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	feed := pricefeed.New(pricefeed.DefaultConfig(), nil, st, nil)
	feed.SetClock(clk.Now)

	env := &testEnv{
		ledger:    ledger.New(sys, st, nil),
		feed:      feed,
		clock:     clk,
		verifier:  settlement.NewStaticVerifier(),
		tokens:    settlement.NewMemoryTokens(),
		transfers: settlement.NewMemoryTransfers(),
		events:    &recorder{},
	}
	cfg := settlement.DefaultConfig()
	cfg.RetryRate = 0
	settler := settlement.New(cfg, env.verifier, env.transfers, env.tokens, st, nil)

	net := btcaddr.Mainnet
	engine := liquidation.NewEngine(env.ledger, feed, settler, env.events, &net, nil)
	engine.SetClock(clk.Now)

	env.svc = protocol.New(protocol.Config{Network: net, Paused: paused, Operators: []string{operator}}, env.ledger, feed, engine, settler, env.events, nil)
	feed.OnUpdate(env.svc.PriceHook())
	return env
}

func (env *testEnv) setPrice(t *testing.T, cents uint64) {
	t.Helper()
	s := model.PriceSample{PriceCents: cents, ObservedAt: env.clock.Now(), Confidence: 95, Source: "test"}
	if err := env.feed.Submit(context.Background(), s); err != nil {
		t.Fatalf("submit price %d: %v", cents, err)
	}
}

func (env *testEnv) open(t *testing.T, owner, txid string) model.CDP {
	t.Helper()
	env.verifier.Set(txid, 0, oneBTC, settlement.DepositConfirmed)
	cdp, err := env.svc.CreatePosition(context.Background(), protocol.CreateRequest{
		Owner:            owner,
		CollateralAmount: oneBTC,
		Deposit:          settlement.DepositRef{TxID: txid},
		PayoutAddress:    ownerAddr,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return cdp
}

// --- CreatePosition ---

func TestCreatePosition(t *testing.T) {
	env := newTestEnv(t)
	cdp := env.open(t, "alice", "tx1")

	if cdp.ID != 1 || cdp.Owner != "alice" || cdp.CollateralAmount != oneBTC || cdp.PayoutAddress != ownerAddr {
		t.Errorf("unexpected position %+v", cdp)
	}
	if got := env.events.types(); len(got) != 1 || got[0] != events.TypePositionCreated {
		t.Errorf("expected a created event, got %v", got)
	}
}

func TestCreatePosition_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.verifier.Set("confirmed", 0, oneBTC, settlement.DepositConfirmed)
	env.verifier.Set("pending", 0, 0, settlement.DepositPending)
	env.verifier.Set("invalid", 0, 0, settlement.DepositInvalid)
	env.verifier.Set("short", 0, oneBTC-1, settlement.DepositConfirmed)

	cfg := model.DefaultSystemConfig()
	valid := protocol.CreateRequest{
		Owner:            "alice",
		CollateralAmount: oneBTC,
		Deposit:          settlement.DepositRef{TxID: "confirmed"},
		PayoutAddress:    ownerAddr,
	}
	with := func(mut func(*protocol.CreateRequest)) protocol.CreateRequest {
		r := valid
		mut(&r)
		return r
	}

	tests := []struct {
		name string
		req  protocol.CreateRequest
		want error
	}{
		{"no owner", with(func(r *protocol.CreateRequest) { r.Owner = "" }), model.ErrUnauthorized},
		{"below minimum", with(func(r *protocol.CreateRequest) { r.CollateralAmount = cfg.MinCollateralAmount - 1 }), model.ErrInvalidAmount},
		{"above maximum", with(func(r *protocol.CreateRequest) { r.CollateralAmount = cfg.MaxCollateralAmount + 1 }), model.ErrInvalidAmount},
		{"no payout address", with(func(r *protocol.CreateRequest) { r.PayoutAddress = "" }), model.ErrInvalidAddress},
		{"testnet payout address", with(func(r *protocol.CreateRequest) { r.PayoutAddress = "tb1qw508d6qejxtdg4c3cdfy6wxgex9q3t4hfmnuw5" }), model.ErrInvalidAddress},
		{"no deposit", with(func(r *protocol.CreateRequest) { r.Deposit = settlement.DepositRef{} }), model.ErrInvalidDeposit},
		{"pending deposit", with(func(r *protocol.CreateRequest) { r.Deposit.TxID = "pending" }), model.ErrDepositPending},
		{"invalid deposit", with(func(r *protocol.CreateRequest) { r.Deposit.TxID = "invalid" }), model.ErrInvalidDeposit},
		{"amount mismatch", with(func(r *protocol.CreateRequest) { r.Deposit.TxID = "short" }), model.ErrInvalidDeposit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreatePosition(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if stats := env.ledger.Stats(); stats.Positions != 0 {
		t.Errorf("rejected creates must not add positions, got %+v", stats)
	}

	// A deposit backs at most one position.
	if _, err := env.svc.CreatePosition(ctx, valid); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.CreatePosition(ctx, valid); !errors.Is(err, model.ErrInvalidDeposit) {
		t.Errorf("reused deposit should be rejected, got %v", err)
	}
}

func TestCreatePosition_BoundaryAmounts(t *testing.T) {
	env := newTestEnv(t)
	cfg := model.DefaultSystemConfig()
	for i, amount := range []uint64{cfg.MinCollateralAmount, cfg.MaxCollateralAmount} {
		txid := []string{"min", "max"}[i]
		env.verifier.Set(txid, 0, amount, settlement.DepositConfirmed)
		_, err := env.svc.CreatePosition(context.Background(), protocol.CreateRequest{
			Owner:            "alice",
			CollateralAmount: amount,
			Deposit:          settlement.DepositRef{TxID: txid},
			PayoutAddress:    ownerAddr,
		})
		if err != nil {
			t.Errorf("collateral %d should be accepted: %v", amount, err)
		}
	}
}

// --- Mint / Burn / Close ---

func TestMint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")

	res, err := env.svc.Mint(ctx, cdp.ID, "alice", 5_850_000)
	if err != nil {
		t.Fatalf("mint at capacity: %v", err)
	}
	if res.MintedTotal != 5_850_000 || !res.Tokens.Settled {
		t.Errorf("unexpected result %+v", res)
	}
	if env.tokens.Balance("alice") != 5_850_000 {
		t.Errorf("tokens not issued, balance %d", env.tokens.Balance("alice"))
	}

	_, err = env.svc.Mint(ctx, cdp.ID, "alice", 1_000)
	var e *model.Error
	if !errors.As(err, &e) || e.Kind != model.KindInsufficientCollateral || e.Limit != 0 {
		t.Errorf("expected insufficient collateral with no headroom, got %v", err)
	}
}

func TestMint_AuthorizationCheckedBeforePrice(t *testing.T) {
	env := newTestEnv(t)
	cdp := env.open(t, "alice", "tx1")

	// No price has ever been accepted.
	if _, err := env.svc.Mint(context.Background(), cdp.ID, "mallory", 1_000); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
	if _, err := env.svc.Mint(context.Background(), cdp.ID, "alice", 1_000); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected price unavailable, got %v", err)
	}
	if env.tokens.Balance("alice") != 0 {
		t.Error("no tokens should be issued")
	}
}

func TestMint_BlockedByExpiredPrice(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")

	env.clock.Advance(20 * time.Minute)
	if _, err := env.svc.Mint(context.Background(), cdp.ID, "alice", 1_000); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected price unavailable, got %v", err)
	}
}

func TestBurnAndCloseIgnoreOracle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	if _, err := env.svc.Mint(ctx, cdp.ID, "alice", 2_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	env.clock.Advance(time.Hour) // price now unavailable

	burned, err := env.svc.Burn(ctx, cdp.ID, "alice", 500_000)
	if err != nil {
		t.Fatalf("burn without price: %v", err)
	}
	if burned.RemainingDebt != 1_500_000 {
		t.Errorf("expected 1,500,000 remaining, got %d", burned.RemainingDebt)
	}

	closed, err := env.svc.ClosePosition(ctx, cdp.ID, "alice", 1_500_000)
	if err != nil {
		t.Fatalf("close without price: %v", err)
	}
	if closed.ReleasedCollateral != oneBTC || !closed.Payout.Settled {
		t.Errorf("unexpected close %+v", closed)
	}
	if env.transfers.Sent(ownerAddr) != oneBTC {
		t.Errorf("collateral not paid out, sent %d", env.transfers.Sent(ownerAddr))
	}
	if env.tokens.Balance("alice") != 0 {
		t.Errorf("all tokens should be burned, balance %d", env.tokens.Balance("alice"))
	}
}

func TestRoundTrip_CreateMintBurnClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")

	if _, err := env.svc.Mint(ctx, cdp.ID, "alice", 3_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := env.svc.Burn(ctx, cdp.ID, "alice", 3_000_000); err != nil {
		t.Fatalf("burn: %v", err)
	}
	res, err := env.svc.ClosePosition(ctx, cdp.ID, "alice", 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.ReleasedCollateral != oneBTC || res.Repaid != 0 {
		t.Errorf("unexpected close %+v", res)
	}
	got, _ := env.ledger.Get(cdp.ID)
	if got.MintedAmount != 0 || got.Status != model.StatusClosed {
		t.Errorf("unexpected final position %+v", got)
	}
	if tot := env.ledger.Totals(); tot != (model.Totals{}) {
		t.Errorf("expected zero totals, got %+v", tot)
	}

	history, err := env.svc.History(ctx, cdp.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []model.EventType{model.EventCreated, model.EventMinted, model.EventBurned, model.EventClosed}
	if len(history) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), history)
	}
	for i, ev := range history {
		if ev.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}
}

func TestClose_CollectsOnlyDebt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	env.svc.Mint(ctx, cdp.ID, "alice", 1_000_000)
	env.tokens.Credit("alice", 500_000)

	res, err := env.svc.ClosePosition(ctx, cdp.ID, "alice", 1_500_000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Repaid != 1_000_000 || res.Refund != nil {
		t.Errorf("unexpected close %+v", res)
	}
	if env.tokens.Balance("alice") != 500_000 {
		t.Errorf("only the debt should be burned, balance %d", env.tokens.Balance("alice"))
	}
}

func TestBurn_TokenFailureLeavesDebt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	env.svc.Mint(ctx, cdp.ID, "alice", 1_000_000)
	env.tokens.SetFailing(true)

	if _, err := env.svc.Burn(ctx, cdp.ID, "alice", 1_000_000); !errors.Is(err, model.ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if got, _ := env.ledger.Get(cdp.ID); got.MintedAmount != 1_000_000 {
		t.Errorf("debt should be unchanged, got %d", got.MintedAmount)
	}
}

func TestMutations_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	env.svc.Mint(ctx, cdp.ID, "alice", 1_000_000)

	if _, err := env.svc.Burn(ctx, cdp.ID, "alice", 1_000_001); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("burn above debt: %v", err)
	}
	if _, err := env.svc.Burn(ctx, cdp.ID, "bob", 1); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("burn by non-owner: %v", err)
	}
	if _, err := env.svc.ClosePosition(ctx, cdp.ID, "alice", 999_999); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("short close: %v", err)
	}
	if _, err := env.svc.Mint(ctx, 42, "alice", 1_000); !errors.Is(err, model.ErrCDPNotFound) {
		t.Errorf("mint unknown: %v", err)
	}
	if env.tokens.Balance("alice") != 1_000_000 {
		t.Errorf("rejections must not touch tokens, balance %d", env.tokens.Balance("alice"))
	}
}

// --- Liquidation ---

func TestLiquidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	env.svc.Mint(ctx, cdp.ID, "alice", 5_000_000)
	env.tokens.Credit("keeper", 5_000_000)

	if _, err := env.svc.Liquidate(ctx, cdp.ID, "keeper", keeperAddr); !errors.Is(err, model.ErrCDPNotLiquidatable) {
		t.Fatalf("healthy position: expected not liquidatable, got %v", err)
	}

	env.clock.Advance(time.Minute)
	env.setPrice(t, 4_000_000)

	list, err := env.svc.ListLiquidatable(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one candidate, got %+v (%v)", list, err)
	}

	res, err := env.svc.Liquidate(ctx, cdp.ID, "keeper", keeperAddr)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.Outcome.Reward != 5_000_000 || res.Outcome.OwnerShare != 95_000_000 {
		t.Errorf("unexpected split %+v", res.Outcome)
	}
	if env.transfers.Sent(keeperAddr) != 5_000_000 || env.transfers.Sent(ownerAddr) != 95_000_000 {
		t.Errorf("unexpected payouts %+v", env.transfers.Transfers())
	}
	if _, err := env.svc.Mint(ctx, cdp.ID, "alice", 1_000); !errors.Is(err, model.ErrCDPAlreadyLiquidated) {
		t.Errorf("mint on liquidated position: %v", err)
	}
}

func TestLiquidateBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	a := env.open(t, "alice", "tx1")
	b := env.open(t, "bob", "tx2")
	env.svc.Mint(ctx, a.ID, "alice", 5_000_000)
	env.svc.Mint(ctx, b.ID, "bob", 1_000_000)
	env.tokens.Credit("keeper", 5_000_000)

	env.clock.Advance(time.Minute)
	env.setPrice(t, 4_000_000)

	report, err := env.svc.LiquidateBatch(ctx, []uint64{a.ID, b.ID}, "keeper", keeperAddr, model.PriceSample{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if _, err := env.svc.LiquidateBatch(ctx, nil, "keeper", keeperAddr, model.PriceSample{}); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("empty batch: %v", err)
	}
}

// --- Pause guard ---

func TestPause(t *testing.T) {
	env := newTestEnv(t, protocol.OpCreate)
	ctx := context.Background()
	env.verifier.Set("tx1", 0, oneBTC, settlement.DepositConfirmed)
	req := protocol.CreateRequest{Owner: "alice", CollateralAmount: oneBTC, Deposit: settlement.DepositRef{TxID: "tx1"}, PayoutAddress: ownerAddr}

	if _, err := env.svc.CreatePosition(ctx, req); !errors.Is(err, model.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := env.svc.SetPaused("", protocol.OpCreate, false); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("anonymous resume: expected unauthorized, got %v", err)
	}
	if err := env.svc.SetPaused("mallory", protocol.OpCreate, false); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("non-operator resume: expected unauthorized, got %v", err)
	}
	if got := env.svc.Paused(); len(got) != 1 || got[0] != protocol.OpCreate {
		t.Fatalf("rejected resume changed the paused set: %v", got)
	}
	if err := env.svc.SetPaused(operator, protocol.OpCreate, false); err != nil {
		t.Fatalf("operator resume: %v", err)
	}
	env.setPrice(t, price65k)
	cdp, err := env.svc.CreatePosition(ctx, req)
	if err != nil {
		t.Fatalf("create after resume: %v", err)
	}
	env.svc.Mint(ctx, cdp.ID, "alice", 1_000_000)

	env.svc.SetPaused(operator, protocol.OpMint, true)
	env.svc.SetPaused(operator, protocol.OpLiquidate, true)
	if err := env.svc.SetPaused(operator, "burn", true); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("burn cannot be paused, got %v", err)
	}

	if _, err := env.svc.Mint(ctx, cdp.ID, "alice", 1_000); !errors.Is(err, model.ErrPaused) {
		t.Errorf("mint: expected paused, got %v", err)
	}
	if _, err := env.svc.Liquidate(ctx, cdp.ID, "keeper", keeperAddr); !errors.Is(err, model.ErrPaused) {
		t.Errorf("liquidate: expected paused, got %v", err)
	}
	if _, err := env.svc.Burn(ctx, cdp.ID, "alice", 1_000_000); err != nil {
		t.Errorf("burn must never be paused: %v", err)
	}
	if _, err := env.svc.ClosePosition(ctx, cdp.ID, "alice", 0); err != nil {
		t.Errorf("close must never be paused: %v", err)
	}

	got := env.svc.Paused()
	if len(got) != 2 || got[0] != protocol.OpMint || got[1] != protocol.OpLiquidate {
		t.Errorf("unexpected paused set %v", got)
	}
}

// --- Reads ---

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cdp := env.open(t, "alice", "tx1")

	p, err := env.svc.GetPosition(ctx, cdp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Valued || p.CollateralBTC != "1.00000000" {
		t.Errorf("position without a price should not be valued: %+v", p)
	}

	env.setPrice(t, price65k)
	env.svc.Mint(ctx, cdp.ID, "alice", 5_000_000)

	p, _ = env.svc.GetPosition(ctx, cdp.ID)
	if !p.Valued || p.RatioBps == nil || *p.RatioBps != 13_000 || p.MaxMintable != 850_000 || p.CollateralValueCents != price65k {
		t.Errorf("unexpected valuation %+v", p)
	}
	if p.LiquidationPriceCents != 4_250_000 || p.Health != ratio.Healthy || p.MintedUSD != "50000.00" {
		t.Errorf("unexpected valuation %+v", p)
	}

	if _, err := env.svc.GetPosition(ctx, 99); !errors.Is(err, model.ErrCDPNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGetPosition_NoDebtOmitsRatio(t *testing.T) {
	env := newTestEnv(t)
	cdp := env.open(t, "alice", "tx1")
	env.setPrice(t, price65k)

	p, err := env.svc.GetPosition(context.Background(), cdp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RatioBps != nil || p.Health != ratio.Healthy {
		t.Errorf("debt-free position: ratio %v health %s", p.RatioBps, p.Health)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["ratio_bps"]; ok {
		t.Errorf("ratio_bps should be omitted, got %s", raw)
	}
}

func TestGetPosition_MaxMintableCappedBySystemCeiling(t *testing.T) {
	sys := model.DefaultSystemConfig()
	sys.MaxSystemDebt = 2_000_000
	env := newTestEnvWith(t, sys)
	ctx := context.Background()
	a := env.open(t, "alice", "tx1")
	b := env.open(t, "bob", "tx2")
	env.setPrice(t, price65k)
	if _, err := env.svc.Mint(ctx, a.ID, "alice", 1_500_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	p, _ := env.svc.GetPosition(ctx, b.ID)
	if p.MaxMintable != 500_000 {
		t.Errorf("expected max mintable capped at 500,000, got %d", p.MaxMintable)
	}
	if _, err := env.svc.Mint(ctx, b.ID, "bob", p.MaxMintable); err != nil {
		t.Errorf("minting the advertised maximum: %v", err)
	}
}

func TestGetPositionsByOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, "alice", "tx1")
	env.open(t, "bob", "tx2")
	c := env.open(t, "alice", "tx3")
	env.svc.ClosePosition(ctx, a.ID, "alice", 0)

	list, err := env.svc.GetPositionsByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != c.ID {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Health != ratio.Closed {
		t.Errorf("closed position should report closed, got %s", list[0].Health)
	}
	if list, _ := env.svc.GetPositionsByOwner(ctx, "nobody"); len(list) != 0 {
		t.Errorf("expected empty list, got %+v", list)
	}
}

func TestClosePreview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPrice(t, price65k)
	cdp := env.open(t, "alice", "tx1")
	env.svc.Mint(ctx, cdp.ID, "alice", 1_234_567)

	p, err := env.svc.ClosePreview(ctx, cdp.ID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.RequiredRepayment != 1_234_567 || p.ReleasedCollateral != oneBTC || p.RepaymentUSD != "12345.67" {
		t.Errorf("unexpected preview %+v", p)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rep := env.svc.Health(ctx)
	if rep.Risk != ratio.RiskCritical || rep.Score != 0 {
		t.Errorf("no price should report critical, got %+v", rep)
	}

	env.setPrice(t, price65k)
	a := env.open(t, "alice", "tx1")
	env.open(t, "bob", "tx2")
	env.svc.Mint(ctx, a.ID, "alice", 3_250_000)

	rep = env.svc.Health(ctx)
	// 2 BTC at $65,000 backing $32,500: 25% utilization, 400% ratio.
	if rep.UtilizationBps != 2_500 || rep.SystemRatioBps != 40_000 {
		t.Errorf("unexpected ratios %+v", rep)
	}
	if rep.Risk != ratio.RiskLow || rep.Score != ratio.MaxHealthScore {
		t.Errorf("expected low risk, got %s/%d", rep.Risk, rep.Score)
	}
	if rep.Stats.Active != 2 || rep.PriceState != "fresh" {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestPrice(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Price(context.Background()); err == nil {
		t.Error("expected an error before any price")
	}
	env.setPrice(t, 6_500_012)
	p, err := env.svc.Price(context.Background())
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if p.PriceUSD != "65000.12" || p.State != "fresh" || p.Source != "test" {
		t.Errorf("unexpected price %+v", p)
	}

	var sawPrice bool
	for _, typ := range env.events.types() {
		if typ == events.TypePriceUpdated {
			sawPrice = true
		}
	}
	if !sawPrice {
		t.Error("accepted price should be published")
	}
}

func TestDeferredPayoutIsAnnounced(t *testing.T) {
	env := newTestEnv(t)
	cdp := env.open(t, "alice", "tx1")
	env.transfers.SetFailing(true)

	res, err := env.svc.ClosePosition(context.Background(), cdp.ID, "alice", 0)
	if err != nil {
		t.Fatalf("close must commit even if the payout is deferred: %v", err)
	}
	if res.Payout.Settled {
		t.Error("payout should be deferred")
	}
	var parked bool
	for _, typ := range env.events.types() {
		if typ == events.TypeSettlementParked {
			parked = true
		}
	}
	if !parked {
		t.Errorf("expected a deferred settlement event, got %v", env.events.types())
	}
}
