// Package api exposes the protocol over HTTP.
//
// Caller identity is taken from the request as given. Authenticating it is
// the job of the gateway in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/protocol"
)

// PriceSubmitter accepts pushed price samples.
type PriceSubmitter interface {
	Submit(ctx context.Context, sample model.PriceSample) error
}

// Handler serves the /api/v1 routes.
type Handler struct {
	svc        *protocol.Service
	prices     PriceSubmitter
	submitters map[string]bool
}

// NewHandler creates a handler. Pushed price updates are accepted only
// from the listed submitters; with prices nil or no submitters the
// endpoint is not mounted.
func NewHandler(svc *protocol.Service, prices PriceSubmitter, submitters []string) *Handler {
	h := &Handler{svc: svc, prices: prices, submitters: make(map[string]bool, len(submitters))}
	for _, id := range submitters {
		if id != "" {
			h.submitters[id] = true
		}
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/positions", h.CreatePosition)
	r.Get("/positions/{cdpID}", h.GetPosition)
	r.Get("/positions/{cdpID}/history", h.GetHistory)
	r.Get("/positions/{cdpID}/close-preview", h.GetClosePreview)
	r.Post("/positions/{cdpID}/mint", h.Mint)
	r.Post("/positions/{cdpID}/burn", h.Burn)
	r.Post("/positions/{cdpID}/close", h.Close)
	r.Post("/positions/{cdpID}/liquidate", h.Liquidate)
	r.Get("/owners/{owner}/positions", h.ListByOwner)

	r.Get("/liquidations/candidates", h.ListLiquidatable)
	r.Post("/liquidations/batch", h.LiquidateBatch)

	r.Get("/price", h.GetPrice)
	if h.prices != nil && len(h.submitters) > 0 {
		r.Post("/price", h.SubmitPrice)
	}

	r.Get("/system/health", h.GetHealth)
	r.Post("/system/pause", h.SetPaused)
}

// --- Request types ---

// AmountRequest is the body of mint and burn.
type AmountRequest struct {
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
}

// CloseRequest is the body of close.
type CloseRequest struct {
	Caller      string `json:"caller"`
	RepayAmount uint64 `json:"repay_amount"`
}

// LiquidateRequest is the body of a single liquidation.
type LiquidateRequest struct {
	Liquidator    string `json:"liquidator"`
	PayoutAddress string `json:"payout_address"`
}

// BatchRequest is the body of a batch liquidation. Price is the sample the
// liquidator decided on; omitted means the current price.
type BatchRequest struct {
	Liquidator    string             `json:"liquidator"`
	PayoutAddress string             `json:"payout_address"`
	CDPIDs        []uint64           `json:"cdp_ids"`
	Price         *model.PriceSample `json:"price,omitempty"`
}

// PriceRequest pushes one price sample.
type PriceRequest struct {
	Submitter string `json:"submitter"`
	model.PriceSample
}

// PauseRequest toggles one operation.
type PauseRequest struct {
	Operator  string             `json:"operator"`
	Operation protocol.Operation `json:"operation"`
	Paused    bool               `json:"paused"`
}

// --- Positions ---

// CreatePosition handles POST /api/v1/positions
func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	cdp, err := h.svc.CreatePosition(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cdp)
}

// GetPosition handles GET /api/v1/positions/{cdpID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPosition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHistory handles GET /api/v1/positions/{cdpID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	events, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.LedgerEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetClosePreview handles GET /api/v1/positions/{cdpID}/close-preview
func (h *Handler) GetClosePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.ClosePreview(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Mint handles POST /api/v1/positions/{cdpID}/mint
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Mint(r.Context(), id, req.Caller, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Burn handles POST /api/v1/positions/{cdpID}/burn
func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Burn(r.Context(), id, req.Caller, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Close handles POST /api/v1/positions/{cdpID}/close
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.ClosePosition(r.Context(), id, req.Caller, req.RepayAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Liquidate handles POST /api/v1/positions/{cdpID}/liquidate
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	id, ok := cdpID(w, r)
	if !ok {
		return
	}
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Liquidate(r.Context(), id, req.Liquidator, req.PayoutAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListByOwner handles GET /api/v1/owners/{owner}/positions
func (h *Handler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.GetPositionsByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Liquidations ---

// ListLiquidatable handles GET /api/v1/liquidations/candidates
func (h *Handler) ListLiquidatable(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListLiquidatable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.LiquidationCandidate{}
	}
	writeJSON(w, http.StatusOK, list)
}

// LiquidateBatch handles POST /api/v1/liquidations/batch
func (h *Handler) LiquidateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	var sample model.PriceSample
	if req.Price != nil {
		sample = *req.Price
	}
	report, err := h.svc.LiquidateBatch(r.Context(), req.CDPIDs, req.Liquidator, req.PayoutAddress, sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Price and system ---

// GetPrice handles GET /api/v1/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Price(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SubmitPrice handles POST /api/v1/price
func (h *Handler) SubmitPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.submitters[req.Submitter] {
		slog.Warn("price push rejected", "submitter", req.Submitter)
		writeError(w, model.Errorf(model.KindUnauthorized, "%q may not submit prices", req.Submitter))
		return
	}
	sample := req.PriceSample
	if sample.Source == "" {
		sample.Source = req.Submitter
	}
	if err := h.prices.Submit(r.Context(), sample); err != nil {
		writeError(w, err)
		return
	}
	h.GetPrice(w, r)
}

// GetHealth handles GET /api/v1/system/health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

// SetPaused handles POST /api/v1/system/pause
func (h *Handler) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetPaused(req.Operator, req.Operation, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": h.svc.Paused()})
}

// --- helpers ---

func cdpID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "cdpID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, model.Errorf(model.KindCDPNotFound, "invalid position id"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, model.Errorf(model.KindInvalidRequest, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error *model.Error `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		if errors.Is(err, pricefeed.ErrNoSample) {
			me = &model.Error{Kind: model.KindPriceUnavailable, Detail: err.Error()}
		} else {
			slog.Error("unexpected error", "err", err)
			me = &model.Error{Kind: model.KindInternal, Detail: "internal error"}
		}
	}
	writeJSON(w, StatusFor(me.Kind), errorBody{Error: me})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k model.Kind) int {
	switch k {
	case model.KindCDPNotFound:
		return http.StatusNotFound
	case model.KindPaused:
		return http.StatusServiceUnavailable
	case model.KindInternal:
		return http.StatusInternalServerError
	case model.KindSettlementFailed:
		return http.StatusBadGateway
	}
	switch k.Category() {
	case model.CategoryInput:
		return http.StatusBadRequest
	case model.CategoryAuthorization:
		return http.StatusForbidden
	case model.CategoryState:
		return http.StatusConflict
	case model.CategorySolvency:
		return http.StatusUnprocessableEntity
	case model.CategoryOracle:
		return http.StatusServiceUnavailable
	case model.CategorySettlement:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}
