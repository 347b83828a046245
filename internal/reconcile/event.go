package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Kind is the normalized billing event type.
type Kind string

const (
	KindCheckoutCompleted   Kind = "checkout_completed"
	KindInvoicePaid         Kind = "invoice_paid"
	KindInvoiceFailed       Kind = "invoice_failed"
	KindSubscriptionUpdated Kind = "subscription_updated"
	KindSubscriptionDeleted Kind = "subscription_deleted"
	KindIgnored             Kind = "ignored"
)

var ErrMalformed = errors.New("malformed event payload")

// Event is the part of a Stripe event the reconciler acts on.
type Event struct {
	ID   string
	Type string
	Kind Kind
	// Email is set when the payload itself names the customer email.
	Email          string
	CustomerID     string
	SubscriptionID string
	// Status is the Stripe subscription status for subscription events.
	Status string
	// Created is when Stripe generated the event; zero if the payload
	// omits it.
	Created time.Time
}

// KindOf maps a Stripe event type onto a Kind.
func KindOf(eventType string) Kind {
	switch eventType {
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "invoice.paid", "invoice.payment_succeeded":
		return KindInvoicePaid
	case "invoice.payment_failed":
		return KindInvoiceFailed
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	default:
		return KindIgnored
	}
}

// Normalize decodes the payload of a verified Stripe event.
func Normalize(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type), Kind: KindOf(string(ev.Type))}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}
	if out.Kind == KindIgnored {
		return out, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: %s has no data object", ErrMalformed, ev.Type)
	}

	switch out.Kind {
	case KindCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return out, fmt.Errorf("%w: checkout session: %v", ErrMalformed, err)
		}
		out.Email = sess.CustomerEmail
		if out.Email == "" && sess.CustomerDetails != nil {
			out.Email = sess.CustomerDetails.Email
		}
		if sess.Customer != nil {
			out.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			out.SubscriptionID = sess.Subscription.ID
		}

	case KindInvoicePaid, KindInvoiceFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &invoice); err != nil {
			return out, fmt.Errorf("%w: invoice: %v", ErrMalformed, err)
		}
		if invoice.Customer != nil {
			out.CustomerID = invoice.Customer.ID
		} else {
			out.Email = invoice.CustomerEmail
		}
		out.SubscriptionID = subscriptionIDFromInvoice(invoice)

	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("%w: subscription: %v", ErrMalformed, err)
		}
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
		out.SubscriptionID = sub.ID
		out.Status = string(sub.Status)
	}

	return out, nil
}

func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
