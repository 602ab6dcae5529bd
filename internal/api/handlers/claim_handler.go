package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/instoredealz/claim-service/internal/api/middleware"
	"github.com/instoredealz/claim-service/internal/service"
)

const maxBodyBytes = 1 << 16

// ClaimWorkflow is the subset of service.ClaimService the handlers drive.
type ClaimWorkflow interface {
	Claim(ctx context.Context, dealID, userID int64) (service.ClaimResult, error)
	Verify(ctx context.Context, code string, vendorID int64) (service.VerifyResult, error)
	VerifyWithPIN(ctx context.Context, code string, userID int64, pin string) (service.VerifyResult, error)
	Complete(ctx context.Context, code string, vendorID int64, billAmount, actualDiscount decimal.Decimal) (service.CompleteResult, error)
	SetDealPIN(ctx context.Context, dealID, vendorID int64, pin string) (time.Time, error)
	GenerateDealPIN(ctx context.Context, dealID, vendorID int64) (service.GeneratedPIN, error)
}

// --- Request / Response DTOs ---

type PINRequest struct {
	PIN string `json:"pin"`
}

type CompleteRequest struct {
	BillAmount     decimal.Decimal `json:"bill_amount"`
	ActualDiscount decimal.Decimal `json:"actual_discount"`
}

type SetPINResponse struct {
	DealID       int64     `json:"deal_id"`
	PINExpiresAt time.Time `json:"pin_expires_at"`
}

// --- Handler struct & constructor ---

type ClaimHandler struct {
	svc    ClaimWorkflow
	logger *slog.Logger
}

func NewClaimHandler(svc ClaimWorkflow, logger *slog.Logger) *ClaimHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimHandler{svc: svc, logger: logger}
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func dealIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "dealID"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "deal id must be a positive integer")
		return 0, false
	}
	return id, true
}

func identity(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "missing identity"})
	}
	return id, ok
}

// --- Handlers ---

// CreateClaim handles POST /deals/{dealID}/claims
func (h *ClaimHandler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	dealID, ok := dealIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Claim(r.Context(), dealID, caller.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// VerifyPIN handles POST /claims/{code}/verify-pin
func (h *ClaimHandler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req PINRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.svc.VerifyWithPIN(r.Context(), chi.URLParam(r, "code"), caller.UserID, req.PIN)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyClaim handles POST /vendor/claims/{code}/verify
func (h *ClaimHandler) VerifyClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Verify(r.Context(), chi.URLParam(r, "code"), caller.VendorID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CompleteClaim handles POST /vendor/claims/{code}/complete
func (h *ClaimHandler) CompleteClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.svc.Complete(r.Context(), chi.URLParam(r, "code"), caller.VendorID, req.BillAmount, req.ActualDiscount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetDealPIN handles PUT /vendor/deals/{dealID}/pin
func (h *ClaimHandler) SetDealPIN(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	dealID, ok := dealIDParam(w, r)
	if !ok {
		return
	}
	var req PINRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expiresAt, err := h.svc.SetDealPIN(r.Context(), dealID, caller.VendorID, req.PIN)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, SetPINResponse{DealID: dealID, PINExpiresAt: expiresAt})
}

// GenerateDealPIN handles POST /vendor/deals/{dealID}/pin/generate
func (h *ClaimHandler) GenerateDealPIN(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	dealID, ok := dealIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GenerateDealPIN(r.Context(), dealID, caller.VendorID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
