package reconcile

import (
	"time"

	"github.com/dukerupert/imagefy/internal/model"
)

// Op says how a mutation is written.
type Op int

const (
	// OpNone writes nothing.
	OpNone Op = iota
	// OpUpsert creates the record if needed.
	OpUpsert
	// OpUpdate only touches an existing record.
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpUpdate:
		return "update"
	default:
		return "none"
	}
}

// Mutation is the write a single event produces.
type Mutation struct {
	Op    Op
	Patch model.EntitlementPatch
}

// Plan computes the write for ev given the current record (nil when none
// exists). It has no side effects.
//
// A secret_code grant outranks every subscription signal: no billing event
// turns isPro off for such a record. An event created before the newest one
// already applied to the record writes nothing.
func Plan(ev Event, current *model.Entitlement, now time.Time) Mutation {
	if Stale(ev, current) {
		return Mutation{Op: OpNone}
	}
	m := plan(ev, current, now.UTC())
	if m.Op != OpNone && !ev.Created.IsZero() {
		m.Patch.LastEventAt = &ev.Created
	}
	return m
}

// Stale reports whether current already reflects a billing event newer than
// ev. Events without a creation time are never stale.
func Stale(ev Event, current *model.Entitlement) bool {
	if current == nil || current.LastEventAt == nil || ev.Created.IsZero() {
		return false
	}
	return ev.Created.Before(*current.LastEventAt)
}

func plan(ev Event, current *model.Entitlement, now time.Time) Mutation {
	lifetime := current != nil && current.Method == model.MethodSecretCode

	switch ev.Kind {
	case KindCheckoutCompleted:
		p := model.EntitlementPatch{
			IsPro:       model.Ptr(true),
			Method:      model.Ptr(model.MethodStripe),
			ActivatedAt: &now,
		}
		if ev.CustomerID != "" {
			p.StripeCustomerID = model.Ptr(ev.CustomerID)
		}
		if ev.SubscriptionID != "" {
			p.SubscriptionID = model.Ptr(ev.SubscriptionID)
		}
		return Mutation{Op: OpUpsert, Patch: p}

	case KindInvoicePaid:
		return Mutation{Op: OpUpsert, Patch: model.EntitlementPatch{
			IsPro:       model.Ptr(true),
			Method:      model.Ptr(model.MethodStripe),
			LastPayment: &now,
		}}

	case KindInvoiceFailed:
		if lifetime {
			return Mutation{Op: OpNone}
		}
		return Mutation{Op: OpUpdate, Patch: model.EntitlementPatch{
			SubscriptionStatus: model.Ptr(model.StatusPastDue),
		}}

	case KindSubscriptionUpdated:
		p := model.EntitlementPatch{SubscriptionStatus: model.Ptr(ev.Status)}
		isPro := ev.Status == model.StatusActive || ev.Status == model.StatusTrialing
		if isPro || !lifetime {
			p.IsPro = model.Ptr(isPro)
		}
		return Mutation{Op: OpUpdate, Patch: p}

	case KindSubscriptionDeleted:
		if lifetime {
			return Mutation{Op: OpUpdate, Patch: model.EntitlementPatch{
				SubscriptionStatus: model.Ptr(model.StatusCancelled),
				CancelledAt:        &now,
				ClearStripeRefs:    true,
			}}
		}
		return Mutation{Op: OpUpdate, Patch: model.EntitlementPatch{
			IsPro:              model.Ptr(false),
			SubscriptionStatus: model.Ptr(model.StatusCancelled),
			CancelledAt:        &now,
		}}
	}

	return Mutation{Op: OpNone}
}
