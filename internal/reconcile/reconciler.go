package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/imagefy/internal/metrics"
	"github.com/dukerupert/imagefy/internal/model"
)

var (
	ErrUnresolvedEmail = errors.New("no email for billing event")
	errLookup          = errors.New("customer lookup failed")
	errStore           = errors.New("entitlement write failed")
)

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeNoRecord    Outcome = "no_record"
	OutcomeStale       Outcome = "stale"
	OutcomeDeadLetter  Outcome = "dead_letter"
	OutcomeUnprocessed Outcome = "unprocessed"
)

type Store interface {
	GetByEmail(ctx context.Context, email string) (*model.Entitlement, error)
	Upsert(ctx context.Context, email string, p model.EntitlementPatch) error
	Update(ctx context.Context, email string, p model.EntitlementPatch) (bool, error)
}

type CustomerResolver interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

type DeadLetters interface {
	Record(ctx context.Context, f model.WebhookFailure) error
	Pending(ctx context.Context, maxAttempts, limit int) ([]model.WebhookFailure, error)
	CountPending(ctx context.Context, maxAttempts int) (int, error)
	MarkResolved(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id, lastError string) error
}

// Alerter is told about events that used up their replay attempts.
type Alerter interface {
	SendDeadLetterAlert(ctx context.Context, f model.WebhookFailure) error
}

// Notifier hears about records that changed.
type Notifier interface {
	EntitlementChanged(email, source string)
}

// Reconciler applies verified billing events to entitlement records.
type Reconciler struct {
	store       Store
	customers   CustomerResolver
	deadLetters DeadLetters
	alerter     Alerter
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

func New(store Store, customers CustomerResolver, deadLetters DeadLetters, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:       store,
		customers:   customers,
		deadLetters: deadLetters,
		logger:      logger,
		now:         time.Now,
	}
}

// SetAlerter enables operator alerts for exhausted dead letters.
func (r *Reconciler) SetAlerter(a Alerter) {
	r.alerter = a
}

func (r *Reconciler) SetNotifier(n Notifier) {
	r.notifier = n
}

// Handle applies ev and never fails: errors are logged and the event is
// parked in the dead-letter table so the sender can still be acknowledged.
// payload is the raw event body kept for replay.
func (r *Reconciler) Handle(ctx context.Context, ev stripe.Event, payload []byte) Outcome {
	kind := KindOf(string(ev.Type))
	outcome, err := r.process(ctx, ev)
	if err != nil {
		r.logger.Error("billing event not applied",
			"event_id", ev.ID, "type", ev.Type, "error", err)
		outcome = r.deadLetter(ctx, ev, payload, err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	return outcome
}

func (r *Reconciler) process(ctx context.Context, raw stripe.Event) (Outcome, error) {
	ev, err := Normalize(raw)
	if err != nil {
		return OutcomeUnprocessed, err
	}
	if ev.Kind == KindIgnored {
		r.logger.Debug("unhandled billing event", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}

	email, err := r.resolveEmail(ctx, ev)
	if err != nil {
		return OutcomeUnprocessed, err
	}

	current, err := r.store.GetByEmail(ctx, email)
	if err != nil {
		return OutcomeUnprocessed, fmt.Errorf("%w: %w", errStore, err)
	}
	if Stale(ev, current) {
		r.logger.Warn("billing event older than record, skipped",
			"event_id", ev.ID, "kind", ev.Kind, "email", email,
			"created", ev.Created, "last_event_at", *current.LastEventAt)
		return OutcomeStale, nil
	}

	m := Plan(ev, current, r.now())
	switch m.Op {
	case OpNone:
		r.logger.Info("billing event left record unchanged",
			"event_id", ev.ID, "kind", ev.Kind, "email", email)
		return OutcomeApplied, nil

	case OpUpsert:
		if err := r.store.Upsert(ctx, email, m.Patch); err != nil {
			return OutcomeUnprocessed, fmt.Errorf("%w: %w", errStore, err)
		}

	case OpUpdate:
		ok, err := r.store.Update(ctx, email, m.Patch)
		if err != nil {
			return OutcomeUnprocessed, fmt.Errorf("%w: %w", errStore, err)
		}
		if !ok {
			r.logger.Warn("billing event for unknown user",
				"event_id", ev.ID, "kind", ev.Kind, "email", email)
			return OutcomeNoRecord, nil
		}
	}

	r.logger.Info("billing event applied",
		"event_id", ev.ID, "kind", ev.Kind, "email", email, "op", m.Op.String())
	if r.notifier != nil {
		r.notifier.EntitlementChanged(email, string(ev.Kind))
	}
	return OutcomeApplied, nil
}

// resolveEmail prefers an email carried in the payload and falls back to
// looking up the customer.
func (r *Reconciler) resolveEmail(ctx context.Context, ev Event) (string, error) {
	if ev.Email != "" {
		return ev.Email, nil
	}
	if ev.CustomerID == "" || r.customers == nil {
		return "", fmt.Errorf("%w: %s %s", ErrUnresolvedEmail, ev.Type, ev.ID)
	}
	email, err := r.customers.CustomerEmail(ctx, ev.CustomerID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errLookup, err)
	}
	if email == "" {
		return "", fmt.Errorf("%w: customer %s has no email", ErrUnresolvedEmail, ev.CustomerID)
	}
	return email, nil
}

func (r *Reconciler) deadLetter(ctx context.Context, ev stripe.Event, payload []byte, cause error) Outcome {
	if r.deadLetters == nil {
		return OutcomeUnprocessed
	}
	f := model.WebhookFailure{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Reason:    failureReason(cause),
		Payload:   payload,
		LastError: cause.Error(),
	}
	if err := r.deadLetters.Record(ctx, f); err != nil {
		r.logger.Error("failed to record dead letter", "event_id", ev.ID, "error", err)
		return OutcomeUnprocessed
	}
	return OutcomeDeadLetter
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return model.ReasonMalformed
	case errors.Is(err, ErrUnresolvedEmail):
		return model.ReasonUnresolvedEmail
	case errors.Is(err, errLookup):
		return model.ReasonLookupFailed
	default:
		return model.ReasonStoreFailed
	}
}

// Replay retries up to limit parked events that have been attempted fewer
// than maxAttempts times. It returns how many were resolved.
func (r *Reconciler) Replay(ctx context.Context, limit, maxAttempts int) (int, error) {
	if r.deadLetters == nil {
		return 0, nil
	}
	pending, err := r.deadLetters.Pending(ctx, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	resolved := 0
	for _, f := range pending {
		if ctx.Err() != nil {
			break
		}
		var ev stripe.Event
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			r.logger.Warn("dead letter payload unreadable", "id", f.ID, "event_id", f.EventID, "error", err)
			if err := r.deadLetters.MarkAttempt(ctx, f.ID, err.Error()); err != nil {
				return resolved, err
			}
			continue
		}

		outcome, err := r.process(ctx, ev)
		if err != nil {
			r.logger.Warn("dead letter replay failed", "event_id", f.EventID, "attempts", f.Attempts+1, "error", err)
			if err := r.deadLetters.MarkAttempt(ctx, f.ID, err.Error()); err != nil {
				return resolved, err
			}
			if f.Attempts+1 >= maxAttempts {
				f.Attempts++
				f.LastError = err.Error()
				r.alertExhausted(ctx, f)
			}
			continue
		}
		if err := r.deadLetters.MarkResolved(ctx, f.ID); err != nil {
			return resolved, err
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(KindOf(string(ev.Type))), string(outcome)).Inc()
		r.logger.Info("dead letter replayed", "event_id", f.EventID, "outcome", outcome)
		resolved++
	}

	if n, err := r.deadLetters.CountPending(ctx, maxAttempts); err == nil {
		metrics.WebhookDeadLettersPending.Set(float64(n))
	}
	return resolved, nil
}

func (r *Reconciler) alertExhausted(ctx context.Context, f model.WebhookFailure) {
	r.logger.Error("dead letter gave up", "event_id", f.EventID, "type", f.EventType, "attempts", f.Attempts)
	if r.alerter == nil {
		return
	}
	if err := r.alerter.SendDeadLetterAlert(ctx, f); err != nil {
		r.logger.Error("failed to send dead letter alert", "event_id", f.EventID, "error", err)
	}
}
