package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/imagefy/internal/entitlement"
)

type EntitlementHandler struct {
	svc    *entitlement.Service
	logger *slog.Logger
}

func NewEntitlementHandler(svc *entitlement.Service, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{svc: svc, logger: logger}
}

type emailRequest struct {
	Email string `json:"email" validate:"required"`
}

type redeemRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type portalRequest struct {
	Email     string `json:"email" validate:"required"`
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
}

// CheckProStatus always answers 200; anything unexpected reads as not pro.
func (h *EntitlementHandler) CheckProStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, entitlement.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Query(r.Context(), req.Email))
}

func (h *EntitlementHandler) VerifySecretCode(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Email and code are required",
		})
		return
	}

	err := h.svc.RedeemCode(context.WithoutCancel(r.Context()), req.Email, req.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"isPro":   true,
			"message": "Lifetime Pro access activated",
		})
	case errors.Is(err, entitlement.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "A valid email and code are required",
		})
	case errors.Is(err, entitlement.ErrInvalidCode):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Invalid code",
		})
	default:
		h.logger.Error("redeem code", "email", req.Email, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Could not activate access. Please try again.",
		})
	}
}

func (h *EntitlementHandler) GetSessionEmail(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	email, err := h.svc.SessionEmail(r.Context(), req.SessionID)
	switch {
	case errors.Is(err, entitlement.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, "Invalid session ID")
		return
	case err != nil:
		h.logger.Error("get session email", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not retrieve session")
		return
	}

	var out *string
	if email != "" {
		out = &email
	}
	writeJSON(w, http.StatusOK, map[string]*string{"email": out})
}

func (h *EntitlementHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	periodEnd, err := h.svc.RequestCancellation(context.WithoutCancel(r.Context()), req.Email)
	if err != nil {
		status, msg := h.overrideError(err, "cancel subscription", req.Email)
		writeJSON(w, status, map[string]any{"success": false, "error": msg})
		return
	}

	resp := map[string]any{
		"success": true,
		"message": "Your subscription will be cancelled at the end of the current billing period",
	}
	if !periodEnd.IsZero() {
		resp["periodEnd"] = periodEnd.UTC().Format(time.RFC3339)
		resp["accessUntil"] = periodEnd.UTC().Format("January 2, 2006")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *EntitlementHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	url, err := h.svc.CreatePortalSession(r.Context(), req.Email, req.ReturnURL)
	if err != nil {
		status, msg := h.overrideError(err, "create portal session", req.Email)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *EntitlementHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.svc.UserInfo(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("user info", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not load user info")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// overrideError maps service errors on the mutating paths to a status and a
// message that is safe to show.
func (h *EntitlementHandler) overrideError(err error, op, email string) (int, string) {
	switch {
	case errors.Is(err, entitlement.ErrInvalidRequest):
		return http.StatusBadRequest, "Email is required"
	case errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, entitlement.ErrLifetimeAccess):
		return http.StatusBadRequest, "Lifetime access has no subscription to manage"
	case errors.Is(err, entitlement.ErrNoSubscription):
		return http.StatusBadRequest, "No active subscription found"
	case errors.Is(err, entitlement.ErrNoCustomer):
		return http.StatusBadRequest, "No billing account found"
	}
	h.logger.Error(op, "email", email, "error", err)
	return http.StatusInternalServerError, "Payment processor request failed. Please try again."
}
