/**
 * @description
 * HTTP handlers for the pledge-service. Trigger handlers run the batch
 * procedures and always answer 200 with their result payload unless the whole
 * invocation fails; user handlers drive the pledge lifecycle.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/app"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/internal/store"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

// PledgeService is the service surface the handlers need. *app.Service satisfies it.
type PledgeService interface {
	ExpireOverdueOffers(ctx context.Context) (*domain.ExpiryResult, error)
	ReconcileOnchainPledges(ctx context.Context, limit, offset int) (*domain.DriftReport, error)
	SettleOverdueNoResponse(ctx context.Context) (*domain.SettlementRunResult, error)
	SettleLegacyOffchain(ctx context.Context) (*domain.SettlementRunResult, error)
	CreateOffer(ctx context.Context, sponsorID uuid.UUID, req domain.CreatePledgeRequest) (*domain.Pledge, error)
	AcceptOffer(ctx context.Context, pledgeID, ownerID uuid.UUID, link *domain.EscrowLink) (*domain.Pledge, error)
	CancelOffer(ctx context.Context, pledgeID, sponsorID uuid.UUID) (*domain.Pledge, error)
	ApprovePledge(ctx context.Context, pledgeID, sponsorID uuid.UUID, sponsorWallet string, req app.ApprovePledgeRequest) (*domain.SponsorApprovalResult, error)
}

// PledgeHandlers holds the dependencies for the pledge handlers.
type PledgeHandlers struct {
	service PledgeService
}

// NewPledgeHandlers creates a new PledgeHandlers.
func NewPledgeHandlers(service PledgeService) *PledgeHandlers {
	return &PledgeHandlers{service: service}
}

type acceptPledgePayload struct {
	OnchainPledgeID       *string `json:"onchain_pledge_id,omitempty"`
	EscrowContractAddress *string `json:"escrow_contract_address,omitempty"`
	EscrowTokenAddress    *string `json:"escrow_token_address,omitempty"`
	EscrowAmountRaw       *string `json:"escrow_amount_raw,omitempty"`
}

func (p acceptPledgePayload) link() *domain.EscrowLink {
	if p.OnchainPledgeID == nil || strings.TrimSpace(*p.OnchainPledgeID) == "" {
		return nil
	}
	return &domain.EscrowLink{
		OnchainPledgeID:       strings.TrimSpace(*p.OnchainPledgeID),
		EscrowContractAddress: p.EscrowContractAddress,
		EscrowTokenAddress:    p.EscrowTokenAddress,
		EscrowAmountRaw:       p.EscrowAmountRaw,
	}
}

type postCommitErrorResponse struct {
	Error          string `json:"error"`
	SettlementTx   string `json:"settlement_tx"`
	OnchainSettled bool   `json:"onchain_settled"`
}

// mapPledgeError translates service errors into an HTTP status and message.
func mapPledgeError(err error) (int, string) {
	var cfgErr *app.ConfigError
	if errors.As(err, &cfgErr) {
		return http.StatusInternalServerError, cfgErr.Error()
	}

	switch {
	case errors.Is(err, store.ErrPledgeNotFound):
		return http.StatusNotFound, "Pledge not found."
	case errors.Is(err, store.ErrGoalNotFound):
		return http.StatusNotFound, "Goal not found."
	case errors.Is(err, domain.ErrNotPledgeSponsor), errors.Is(err, domain.ErrNotGoalOwner):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, app.ErrSettlementInProgress),
		errors.Is(err, app.ErrPledgeStateChanged),
		errors.Is(err, domain.ErrPledgeAlreadySettled),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidDeadline),
		errors.Is(err, domain.ErrInvalidThreshold),
		errors.Is(err, domain.ErrSelfSponsorship),
		errors.Is(err, domain.ErrGoalAlreadyCompleted),
		errors.Is(err, domain.ErrPledgeNotOffered),
		errors.Is(err, domain.ErrPledgeNotAccepted),
		errors.Is(err, domain.ErrOfferExpired),
		errors.Is(err, domain.ErrGoalNotCompleted),
		errors.Is(err, domain.ErrReviewWindowOpen),
		errors.Is(err, domain.ErrDeadlineNotReached),
		errors.Is(err, domain.ErrOnchainEscrowRequired),
		errors.Is(err, domain.ErrOnchainEscrowPresent),
		errors.Is(err, domain.ErrGoalMismatch),
		errors.Is(err, domain.ErrInvalidOnchainPledge),
		errors.Is(err, domain.ErrInvalidEscrowAmount),
		errors.Is(err, domain.ErrInvalidEscrowAddress),
		errors.Is(err, domain.ErrEscrowLinkMismatch),
		errors.Is(err, domain.ErrOnchainEscrowInactive),
		errors.Is(err, app.ErrSignedTxRequired),
		errors.Is(err, app.ErrInvalidSignedTx),
		errors.Is(err, escrowclient.ErrSponsorTxMismatch),
		errors.Is(err, escrowclient.ErrSponsorSenderInvalid),
		errors.Is(err, escrowclient.ErrSponsorWalletMissing):
		return http.StatusBadRequest, err.Error()
	}

	if app.IsOnchainRejection(err) {
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "Could not process pledge request."
}

func (h *PledgeHandlers) respondError(w http.ResponseWriter, flow string, err error) {
	var postErr *app.PostCommitPersistenceError
	if errors.As(err, &postErr) {
		log.Printf("level=error component=api flow=%s msg=\"post-commit persistence failure\" pledge_id=%s settlement_tx=%s err=%v", flow, postErr.PledgeID, postErr.SettlementTx, postErr.Err)
		writeJSON(w, http.StatusInternalServerError, postCommitErrorResponse{
			Error:          "Settlement confirmed on-chain but could not be saved. Verify with the transaction hash before retrying.",
			SettlementTx:   postErr.SettlementTx,
			OnchainSettled: true,
		})
		return
	}

	var pendingErr *escrowclient.UnconfirmedTxError
	if errors.As(err, &pendingErr) {
		log.Printf("level=warn component=api flow=%s msg=\"settlement submitted but unconfirmed\" settlement_tx=%s err=%v", flow, pendingErr.TxHash, pendingErr.Err)
		writeJSON(w, http.StatusGatewayTimeout, postCommitErrorResponse{
			Error:        "Settlement was submitted but not confirmed. Check the transaction hash before retrying.",
			SettlementTx: pendingErr.TxHash,
		})
		return
	}

	status, message := mapPledgeError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api flow=%s msg=\"request failed\" status=%d err=%v", flow, status, err)
	}
	writeError(w, status, message)
}

// ExpireOverdueHandler runs the offer expiry sweep.
func (h *PledgeHandlers) ExpireOverdueHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ExpireOverdueOffers(r.Context())
	if err != nil {
		h.respondError(w, "expire_overdue", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReconcileHandler runs the drift reconciler over one page of chain-linked pledges.
func (h *PledgeHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	report, err := h.service.ReconcileOnchainPledges(r.Context(), limit, offset)
	if err != nil {
		h.respondError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SettleOverdueHandler runs the no-response settlement executor.
func (h *PledgeHandlers) SettleOverdueHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SettleOverdueNoResponse(r.Context())
	if err != nil {
		h.respondError(w, "settle_overdue", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SettleLegacyHandler runs the off-chain settlement sweep for legacy pledges.
func (h *PledgeHandlers) SettleLegacyHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SettleLegacyOffchain(r.Context())
	if err != nil {
		h.respondError(w, "settle_legacy", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *PledgeHandlers) CreatePledgeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req domain.CreatePledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := uuid.Parse(strings.TrimSpace(req.GoalID)); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid goal id")
		return
	}

	pledge, err := h.service.CreateOffer(r.Context(), userID, req)
	if err != nil {
		h.respondError(w, "create_offer", err)
		return
	}
	writeJSON(w, http.StatusCreated, pledge)
}

func (h *PledgeHandlers) AcceptPledgeHandler(w http.ResponseWriter, r *http.Request) {
	userID, pledgeID, ok := authenticatedPledgeRequest(w, r)
	if !ok {
		return
	}

	var payload acceptPledgePayload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	pledge, err := h.service.AcceptOffer(r.Context(), pledgeID, userID, payload.link())
	if err != nil {
		h.respondError(w, "accept_offer", err)
		return
	}
	writeJSON(w, http.StatusOK, pledge)
}

func (h *PledgeHandlers) CancelPledgeHandler(w http.ResponseWriter, r *http.Request) {
	userID, pledgeID, ok := authenticatedPledgeRequest(w, r)
	if !ok {
		return
	}

	pledge, err := h.service.CancelOffer(r.Context(), pledgeID, userID)
	if err != nil {
		h.respondError(w, "cancel_offer", err)
		return
	}
	writeJSON(w, http.StatusOK, pledge)
}

func (h *PledgeHandlers) ApprovePledgeHandler(w http.ResponseWriter, r *http.Request) {
	userID, pledgeID, ok := authenticatedPledgeRequest(w, r)
	if !ok {
		return
	}

	var req app.ApprovePledgeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.service.ApprovePledge(r.Context(), pledgeID, userID, GetWalletAddress(r.Context()), req)
	if err != nil {
		h.respondError(w, "sponsor_approval", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func authenticatedPledgeRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	pledgeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pledge id")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, pledgeID, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
