package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bollar/cdp-engine/internal/api"
	"github.com/bollar/cdp-engine/internal/btcaddr"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/liquidation"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/protocol"
	"github.com/bollar/cdp-engine/internal/settlement"
	"github.com/bollar/cdp-engine/internal/store"
)

const (
	oneBTC    = 100_000_000
	ownerAddr = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	operator  = "ops"
	submitter = "oracle-1"
)

type testEnv struct {
	router   chi.Router
	feed     *pricefeed.Feed
	verifier *settlement.StaticVerifier
	tokens   *settlement.MemoryTokens
}

// newTestEnv wires the full stack on an in-memory store behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, submitter)
}

func newTestEnvWith(t *testing.T, submitters ...string) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	feed := pricefeed.New(pricefeed.DefaultConfig(), nil, st, nil)
	l := ledger.New(model.DefaultSystemConfig(), st, nil)

	verifier := settlement.NewStaticVerifier()
	tokens := settlement.NewMemoryTokens()
	cfg := settlement.DefaultConfig()
	cfg.RetryRate = 0
	settler := settlement.New(cfg, verifier, settlement.NewMemoryTransfers(), tokens, st, nil)

	net := btcaddr.Mainnet
	engine := liquidation.NewEngine(l, feed, settler, nil, &net, nil)
	svc := protocol.New(protocol.Config{Network: net, Operators: []string{operator}}, l, feed, engine, settler, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(svc, feed, submitters).Routes)
	return &testEnv{router: r, feed: feed, verifier: verifier, tokens: tokens}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) setPrice(t *testing.T, cents uint64) {
	t.Helper()
	s := model.PriceSample{PriceCents: cents, ObservedAt: time.Now(), Confidence: 99}
	if err := env.feed.Submit(context.Background(), s); err != nil {
		t.Fatalf("submit price: %v", err)
	}
}

func (env *testEnv) createPosition(t *testing.T, owner, txid string) model.CDP {
	t.Helper()
	env.verifier.Set(txid, 0, oneBTC, settlement.DepositConfirmed)
	w := env.do(t, "POST", "/api/v1/positions", protocol.CreateRequest{
		Owner:            owner,
		CollateralAmount: oneBTC,
		Deposit:          settlement.DepositRef{TxID: txid},
		PayoutAddress:    ownerAddr,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var cdp model.CDP
	json.NewDecoder(w.Body).Decode(&cdp)
	return cdp
}

type errorEnvelope struct {
	Error model.Error `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.Error {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

// --- Tests ---

func TestCreateAndGetPosition(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, 6_500_000)
	cdp := env.createPosition(t, "alice", "tx1")

	w := env.do(t, "GET", "/api/v1/positions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p protocol.Position
	json.NewDecoder(w.Body).Decode(&p)
	if p.ID != cdp.ID || p.Owner != "alice" || p.CollateralValueCents != 6_500_000 || p.MaxMintable != 5_850_000 {
		t.Errorf("unexpected position %+v", p)
	}
	if p.RatioBps != nil {
		t.Errorf("debt-free position should carry no ratio, got %d", *p.RatioBps)
	}

	env.do(t, "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 5_000_000})
	w = env.do(t, "GET", "/api/v1/positions/1", nil)
	p = protocol.Position{}
	json.NewDecoder(w.Body).Decode(&p)
	if p.RatioBps == nil || *p.RatioBps != 13_000 {
		t.Errorf("expected ratio 13000, got %v", p.RatioBps)
	}
}

func TestMintBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, 6_500_000)
	env.createPosition(t, "alice", "tx1")

	w := env.do(t, "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 5_850_001})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeError(t, w)
	if e.Kind != model.KindInsufficientCollateral || e.Requested != 5_850_001 || e.Limit != 5_850_000 || e.CDPID != 1 {
		t.Errorf("unexpected error body %+v", e)
	}

	w = env.do(t, "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 5_850_000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res protocol.MintResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.MintedTotal != 5_850_000 {
		t.Errorf("unexpected mint result %+v", res)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.createPosition(t, "alice", "tx1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   model.Kind
	}{
		{"unknown position", "GET", "/api/v1/positions/99", nil, http.StatusNotFound, model.KindCDPNotFound},
		{"bad id", "GET", "/api/v1/positions/abc", nil, http.StatusNotFound, model.KindCDPNotFound},
		{"not owner", "POST", "/api/v1/positions/1/burn", api.AmountRequest{Caller: "bob", Amount: 1}, http.StatusForbidden, model.KindUnauthorized},
		{"no price for mint", "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 1_000}, http.StatusServiceUnavailable, model.KindPriceUnavailable},
		{"no price at all", "GET", "/api/v1/price", nil, http.StatusServiceUnavailable, model.KindPriceUnavailable},
		{"burn exceeds debt", "POST", "/api/v1/positions/1/burn", api.AmountRequest{Caller: "alice", Amount: 1}, http.StatusBadRequest, model.KindInvalidAmount},
		{"pending deposit", "POST", "/api/v1/positions", protocol.CreateRequest{
			Owner: "bob", CollateralAmount: oneBTC, Deposit: settlement.DepositRef{TxID: "unseen"}, PayoutAddress: ownerAddr,
		}, http.StatusUnprocessableEntity, model.KindDepositPending},
		{"burn cannot be paused", "POST", "/api/v1/system/pause", api.PauseRequest{Operator: operator, Operation: "burn", Paused: true}, http.StatusBadRequest, model.KindInvalidRequest},
		{"pause without operator", "POST", "/api/v1/system/pause", api.PauseRequest{Operation: protocol.OpMint, Paused: true}, http.StatusForbidden, model.KindUnauthorized},
		{"pause by non-operator", "POST", "/api/v1/system/pause", api.PauseRequest{Operator: "alice", Operation: protocol.OpMint, Paused: true}, http.StatusForbidden, model.KindUnauthorized},
		{"price from unlisted submitter", "POST", "/api/v1/price", api.PriceRequest{Submitter: "mallory", PriceSample: model.PriceSample{PriceCents: 100, ObservedAt: time.Now(), Confidence: 99}}, http.StatusForbidden, model.KindUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if e := decodeError(t, w); e.Kind != tt.kind {
				t.Errorf("expected kind %s, got %+v", tt.kind, e)
			}
		})
	}
}

func TestInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/positions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestLiquidationFlow(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, 6_500_000)
	env.createPosition(t, "alice", "tx1")
	env.do(t, "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 5_000_000})
	env.tokens.Credit("keeper", 5_000_000)

	env.setPrice(t, 4_000_000)

	w := env.do(t, "GET", "/api/v1/liquidations/candidates", nil)
	var candidates []model.LiquidationCandidate
	json.NewDecoder(w.Body).Decode(&candidates)
	if len(candidates) != 1 || candidates[0].RatioBps != 8_000 {
		t.Fatalf("unexpected candidates %+v", candidates)
	}

	w = env.do(t, "POST", "/api/v1/positions/1/liquidate", api.LiquidateRequest{
		Liquidator:    "keeper",
		PayoutAddress: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res liquidation.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Outcome.Reward != 5_000_000 || res.Outcome.OwnerShare != 95_000_000 {
		t.Errorf("unexpected result %+v", res)
	}

	w = env.do(t, "POST", "/api/v1/positions/1/liquidate", api.LiquidateRequest{
		Liquidator:    "keeper",
		PayoutAddress: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("second liquidation: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/positions/1/history", nil)
	var history []model.LedgerEvent
	json.NewDecoder(w.Body).Decode(&history)
	if len(history) != 3 || history[2].Type != model.EventLiquidated {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestSubmitPriceAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/price", api.PriceRequest{Submitter: submitter, PriceSample: model.PriceSample{PriceCents: 6_500_000, ObservedAt: time.Now(), Confidence: 90}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p protocol.PriceView
	json.NewDecoder(w.Body).Decode(&p)
	if p.PriceUSD != "65000.00" || p.State != "fresh" {
		t.Errorf("unexpected price %+v", p)
	}

	w = env.do(t, "POST", "/api/v1/price", api.PriceRequest{Submitter: submitter, PriceSample: model.PriceSample{PriceCents: 13_000_001, ObservedAt: time.Now(), Confidence: 90}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("large jump: expected 503, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != model.KindPriceManipulationSuspected {
		t.Errorf("unexpected error %+v", e)
	}

	env.createPosition(t, "alice", "tx1")
	w = env.do(t, "GET", "/api/v1/system/health", nil)
	var rep protocol.HealthReport
	json.NewDecoder(w.Body).Decode(&rep)
	if rep.Stats.Active != 1 || rep.PriceCents != 6_500_000 {
		t.Errorf("unexpected health %+v", rep)
	}
}

func TestOwnerPositionsAndPause(t *testing.T) {
	env := newTestEnv(t)
	env.createPosition(t, "alice", "tx1")
	env.createPosition(t, "alice", "tx2")
	env.createPosition(t, "bob", "tx3")

	w := env.do(t, "GET", "/api/v1/owners/alice/positions", nil)
	var list []protocol.Position
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 2 {
		t.Errorf("expected 2 positions, got %+v", list)
	}

	w = env.do(t, "POST", "/api/v1/system/pause", api.PauseRequest{Operator: operator, Operation: protocol.OpCreate, Paused: true})
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	env.verifier.Set("tx4", 0, oneBTC, settlement.DepositConfirmed)
	w = env.do(t, "POST", "/api/v1/positions", protocol.CreateRequest{
		Owner: "carol", CollateralAmount: oneBTC, Deposit: settlement.DepositRef{TxID: "tx4"}, PayoutAddress: ownerAddr,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("paused create: expected 503, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/positions/1/close-preview", nil)
	var preview protocol.ClosePreview
	json.NewDecoder(w.Body).Decode(&preview)
	if preview.ReleasedCollateral != oneBTC || preview.RequiredRepayment != 0 {
		t.Errorf("unexpected preview %+v", preview)
	}

	w = env.do(t, "POST", "/api/v1/positions/1/close", api.CloseRequest{Caller: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitPrice_UnlistedSubmitterCannotMovePrice(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, 6_500_000)
	env.createPosition(t, "alice", "tx1")
	env.do(t, "POST", "/api/v1/positions/1/mint", api.AmountRequest{Caller: "alice", Amount: 5_000_000})

	// A push that would put the position under water.
	for _, who := range []string{"", "mallory"} {
		w := env.do(t, "POST", "/api/v1/price", api.PriceRequest{
			Submitter:   who,
			PriceSample: model.PriceSample{PriceCents: 4_000_000, ObservedAt: time.Now(), Confidence: 99},
		})
		if w.Code != http.StatusForbidden {
			t.Fatalf("submitter %q: expected 403, got %d: %s", who, w.Code, w.Body.String())
		}
	}

	w := env.do(t, "GET", "/api/v1/price", nil)
	var p protocol.PriceView
	json.NewDecoder(w.Body).Decode(&p)
	if p.PriceCents != 6_500_000 {
		t.Errorf("price moved to %d", p.PriceCents)
	}
	w = env.do(t, "GET", "/api/v1/liquidations/candidates", nil)
	var candidates []model.LiquidationCandidate
	json.NewDecoder(w.Body).Decode(&candidates)
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %+v", candidates)
	}
}

func TestSubmitPrice_NotMountedWithoutSubmitters(t *testing.T) {
	env := newTestEnvWith(t)
	w := env.do(t, "POST", "/api/v1/price", api.PriceRequest{
		Submitter:   submitter,
		PriceSample: model.PriceSample{PriceCents: 6_500_000, ObservedAt: time.Now(), Confidence: 99},
	})
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestPause_RejectedOperatorLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/system/pause", api.PauseRequest{Operator: "mallory", Operation: protocol.OpCreate, Paused: true})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	env.createPosition(t, "alice", "tx1")

	w = env.do(t, "GET", "/api/v1/system/health", nil)
	var rep protocol.HealthReport
	json.NewDecoder(w.Body).Decode(&rep)
	if len(rep.Paused) != 0 {
		t.Errorf("expected nothing paused, got %v", rep.Paused)
	}
}
