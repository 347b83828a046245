package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/imagefy/internal/reconcile"
)

// maxWebhookBytes bounds an event payload. Larger bodies are refused with 413
// rather than cut short, which would only fail signature verification.
const maxWebhookBytes = 512 << 10

type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type EventHandler interface {
	Handle(ctx context.Context, ev stripe.Event, payload []byte) reconcile.Outcome
}

type WebhookHandler struct {
	verifier EventVerifier
	events   EventHandler
	logger   *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, events EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, logger: logger}
}

// HandleStripeWebhook verifies the signature and applies the event. Anything
// past verification is acknowledged with 200 so Stripe does not redeliver.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.logger.Warn("webhook body too large", "limit", maxErr.Limit, "remote", r.RemoteAddr)
			writeError(w, http.StatusRequestEntityTooLarge, "Webhook Error: body exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "Webhook Error: could not read body")
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	outcome := h.events.Handle(context.WithoutCancel(r.Context()), event, body)
	h.logger.Debug("webhook processed", "event_id", event.ID, "type", event.Type, "outcome", outcome)

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
