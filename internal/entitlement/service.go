package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/imagefy/internal/metrics"
	"github.com/dukerupert/imagefy/internal/model"
	billing "github.com/dukerupert/imagefy/internal/stripe"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrLifetimeAccess = errors.New("lifetime access has no subscription")
	ErrNoSubscription = errors.New("no active subscription")
	ErrNoCustomer     = errors.New("no billing account")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidCode    = errors.New("invalid code")
	ErrInvalidSession = errors.New("invalid session id")
)

type Store interface {
	GetByEmail(ctx context.Context, email string) (*model.Entitlement, error)
	Upsert(ctx context.Context, email string, p model.EntitlementPatch) error
	Update(ctx context.Context, email string, p model.EntitlementPatch) (bool, error)
}

// Processor is the part of the payment processor the user-initiated paths call.
type Processor interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (time.Time, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CheckoutSessionEmail(ctx context.Context, sessionID string) (string, error)
}

type Status struct {
	IsPro              bool   `json:"isPro"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`
	Method             string `json:"method,omitempty"`
}

type Info struct {
	Found              bool       `json:"found"`
	IsPro              *bool      `json:"isPro,omitempty"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	Method             string     `json:"method,omitempty"`
	SubscriptionStatus string     `json:"subscriptionStatus,omitempty"`
	LifetimeAccess     *bool      `json:"lifetimeAccess,omitempty"`
}

// Notifier hears about records changed outside the billing event stream.
type Notifier interface {
	EntitlementChanged(email, source string)
}

// Service reads entitlements and implements the write paths that bypass the
// billing event stream.
type Service struct {
	store     Store
	processor Processor
	codes     CodeSet
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, processor Processor, codes CodeSet, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		processor: processor,
		codes:     codes,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) notify(email, source string) {
	if s.notifier != nil {
		s.notifier.EntitlementChanged(email, source)
	}
}

// Query never fails: a missing email, missing record or lookup error all
// read as not pro.
func (s *Service) Query(ctx context.Context, email string) Status {
	if email == "" {
		return Status{}
	}
	e, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		s.logger.Error("pro status lookup failed", "email", email, "error", err)
		return Status{}
	}
	if e == nil {
		return Status{}
	}
	return Status{IsPro: e.IsPro, SubscriptionStatus: e.Status(), Method: string(e.Method)}
}

// RedeemCode grants lifetime access when code is in the configured set.
// A wrong code returns ErrInvalidCode and writes nothing.
func (s *Service) RedeemCode(ctx context.Context, email, code string) error {
	if email == "" || code == "" || !plausibleEmail(email) {
		metrics.CodeRedemptionsTotal.WithLabelValues("invalid").Inc()
		return ErrInvalidRequest
	}
	if !s.codes.Contains(code) {
		metrics.CodeRedemptionsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("invalid secret code attempt", "email", email)
		return ErrInvalidCode
	}

	now := s.now().UTC()
	err := s.store.Upsert(ctx, email, model.EntitlementPatch{
		IsPro:          model.Ptr(true),
		Method:         model.Ptr(model.MethodSecretCode),
		LifetimeAccess: model.Ptr(true),
		ActivatedAt:    &now,
		CodeUsedAt:     &now,
	})
	if err != nil {
		metrics.CodeRedemptionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("grant lifetime access: %w", err)
	}

	metrics.CodeRedemptionsTotal.WithLabelValues("granted").Inc()
	s.logger.Info("secret code redeemed", "email", email)
	s.notify(email, string(model.MethodSecretCode))
	return nil
}

// RequestCancellation schedules the user's subscription to end with the
// current billing period and returns when access ends.
func (s *Service) RequestCancellation(ctx context.Context, email string) (time.Time, error) {
	e, err := s.lookup(ctx, email)
	if err != nil {
		return time.Time{}, err
	}
	if e.Method == model.MethodSecretCode {
		return time.Time{}, ErrLifetimeAccess
	}
	if e.SubscriptionID == nil || *e.SubscriptionID == "" {
		return time.Time{}, ErrNoSubscription
	}

	periodEnd, err := s.processor.CancelAtPeriodEnd(ctx, *e.SubscriptionID)
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel subscription: %w", err)
	}

	now := s.now().UTC()
	_, err = s.store.Update(ctx, email, model.EntitlementPatch{
		SubscriptionStatus: model.Ptr(model.StatusCancelling),
		CancelRequestedAt:  &now,
	})
	if err != nil {
		// The processor already accepted the cancellation; the
		// subscription.updated webhook brings the record in line.
		s.logger.Error("failed to mark subscription cancelling", "email", email, "error", err)
	} else {
		s.notify(email, "cancel_requested")
	}

	s.logger.Info("subscription cancellation requested",
		"email", email, "subscription_id", *e.SubscriptionID, "period_end", periodEnd)
	return periodEnd, nil
}

// CreatePortalSession returns a hosted billing portal URL for the user.
func (s *Service) CreatePortalSession(ctx context.Context, email, returnURL string) (string, error) {
	e, err := s.lookup(ctx, email)
	if err != nil {
		return "", err
	}
	if e.Method == model.MethodSecretCode {
		return "", ErrLifetimeAccess
	}
	if e.StripeCustomerID == nil || *e.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	url, err := s.processor.CreateBillingPortalSession(ctx, *e.StripeCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return url, nil
}

// SessionEmail resolves a checkout session id into the email the customer
// entered. A session without an email yields "".
func (s *Service) SessionEmail(ctx context.Context, sessionID string) (string, error) {
	if !strings.HasPrefix(sessionID, "cs_") {
		return "", ErrInvalidSession
	}
	email, err := s.processor.CheckoutSessionEmail(ctx, sessionID)
	if errors.Is(err, billing.ErrNotFound) {
		return "", ErrInvalidSession
	}
	if err != nil {
		return "", fmt.Errorf("resolve checkout session: %w", err)
	}
	return email, nil
}

func (s *Service) UserInfo(ctx context.Context, email string) (Info, error) {
	if email == "" {
		return Info{}, ErrInvalidRequest
	}
	e, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return Info{}, fmt.Errorf("get user info: %w", err)
	}
	if e == nil {
		return Info{Found: false}, nil
	}
	return Info{
		Found:              true,
		IsPro:              model.Ptr(e.IsPro),
		ActivatedAt:        e.ActivatedAt,
		Method:             string(e.Method),
		SubscriptionStatus: e.Status(),
		LifetimeAccess:     model.Ptr(e.LifetimeAccess),
	}, nil
}

func (s *Service) lookup(ctx context.Context, email string) (*model.Entitlement, error) {
	if email == "" {
		return nil, ErrInvalidRequest
	}
	e, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// plausibleEmail is a minimal shape check, not validation.
func plausibleEmail(email string) bool {
	return strings.Contains(email, "@") && strings.Contains(email, ".")
}
