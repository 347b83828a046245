package model

import "time"

// Method records which mechanism produced the current grant.
type Method string

const (
	MethodUnset      Method = ""
	MethodStripe     Method = "stripe"
	MethodSecretCode Method = "secret_code"
)

// Subscription statuses stored on an entitlement. Stripe's own lifecycle
// values (active, trialing, past_due, ...) are stored verbatim; cancelled and
// cancelling are written by this service.
const (
	StatusActive     = "active"
	StatusTrialing   = "trialing"
	StatusPastDue    = "past_due"
	StatusCancelled  = "cancelled"
	StatusCancelling = "cancelling"
)

// Entitlement is the per-email access record.
type Entitlement struct {
	Email              string     `json:"email"`
	IsPro              bool       `json:"isPro"`
	Method             Method     `json:"method,omitempty"`
	SubscriptionStatus *string    `json:"subscriptionStatus,omitempty"`
	StripeCustomerID   *string    `json:"stripeCustomerId,omitempty"`
	SubscriptionID     *string    `json:"subscriptionId,omitempty"`
	LifetimeAccess     bool       `json:"lifetimeAccess"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	LastPayment        *time.Time `json:"lastPayment,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancelRequestedAt  *time.Time `json:"cancelRequestedAt,omitempty"`
	CodeUsedAt         *time.Time `json:"codeUsedAt,omitempty"`
	LastEventAt        *time.Time `json:"lastEventAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Status returns the subscription status or "" when unset.
func (e *Entitlement) Status() string {
	if e.SubscriptionStatus == nil {
		return ""
	}
	return *e.SubscriptionStatus
}

// EntitlementPatch is a partial update. Nil fields are left untouched.
// ClearStripeRefs nulls the customer and subscription references.
// LastEventAt is the creation time of the newest billing event applied.
type EntitlementPatch struct {
	IsPro              *bool
	Method             *Method
	SubscriptionStatus *string
	StripeCustomerID   *string
	SubscriptionID     *string
	LifetimeAccess     *bool
	ActivatedAt        *time.Time
	LastPayment        *time.Time
	CancelledAt        *time.Time
	CancelRequestedAt  *time.Time
	CodeUsedAt         *time.Time
	LastEventAt        *time.Time
	ClearStripeRefs    bool
}

// Empty reports whether the patch would change nothing.
func (p EntitlementPatch) Empty() bool {
	return p == EntitlementPatch{}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
