package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/imagefy/internal/metrics"
)

type Config struct {
	SecretKey       string
	WebhookSecret   string
	PortalReturnURL string
	// Timeout bounds each individual API call.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for retryable failures.
	MaxRetries uint64
	RetryBase  time.Duration
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// CustomerEmail looks up the email on a Stripe customer. Deleted customers
// resolve to "".
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	var cust *stripe.Customer
	err := c.call(ctx, "customer.get", func(ctx context.Context) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		var err error
		cust, err = customer.Get(customerID, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get stripe customer %s: %w", customerID, err)
	}
	if cust.Deleted {
		return "", nil
	}
	return cust.Email, nil
}

// CancelAtPeriodEnd flags the subscription to end with its current billing
// period and returns when access ends.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (time.Time, error) {
	var sub *stripe.Subscription
	err := c.call(ctx, "subscription.update", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		var err error
		sub, err = subscription.Update(subscriptionID, params)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel stripe subscription %s: %w", subscriptionID, err)
	}
	return PeriodEnd(sub), nil
}

// CreateBillingPortalSession creates a Stripe billing portal session and returns the URL.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if returnURL == "" {
		returnURL = c.cfg.PortalReturnURL
	}
	var sess *stripe.BillingPortalSession
	err := c.call(ctx, "billing_portal.session.create", func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx
		var err error
		sess, err = portalsession.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// CheckoutSessionEmail returns the customer email captured by a checkout
// session, or "" if the session has none.
func (c *Client) CheckoutSessionEmail(ctx context.Context, sessionID string) (string, error) {
	var sess *stripe.CheckoutSession
	err := c.call(ctx, "checkout.session.get", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		var err error
		sess, err = checksession.Get(sessionID, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email, nil
	}
	return sess.CustomerEmail, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// PeriodEnd returns when a subscription's paid access ends: the explicit
// cancel_at if set, otherwise the latest item period end.
func PeriodEnd(sub *stripe.Subscription) time.Time {
	if sub == nil {
		return time.Time{}
	}
	if sub.CancelAt > 0 {
		return time.Unix(sub.CancelAt, 0).UTC()
	}
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// call runs fn with a per-attempt timeout, retrying retryable failures with
// exponential backoff.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	status := "ok"
	switch {
	case err == nil:
	case isNotFound(err):
		status = "not_found"
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		status = "error"
	}
	metrics.StripeRequestsTotal.WithLabelValues(op, status).Inc()
	return err
}
