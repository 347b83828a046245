package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/model"
	"github.com/dukerupert/imagefy/internal/store"
)

type fakeCustomers struct {
	emails map[string]string
	err    error
	calls  int
}

func (f *fakeCustomers) CustomerEmail(_ context.Context, id string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.emails[id], nil
}

type testEnv struct {
	rec         *Reconciler
	store       *store.EntitlementStore
	deadLetters *store.WebhookFailureStore
	customers   *fakeCustomers
}

func setupReconcilerTest(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		store:       store.NewEntitlementStore(db, time.Second),
		deadLetters: store.NewWebhookFailureStore(db, time.Second),
		customers:   &fakeCustomers{emails: map[string]string{"cus_1": "alice@example.com"}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.rec = New(env.store, env.customers, env.deadLetters, logger)
	env.rec.now = func() time.Time { return testNow }
	return env
}

// event builds a stripe.Event the same way webhook verification does.
func event(t *testing.T, id, typ, object string) (stripe.Event, []byte) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, typ, object))
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev, payload
}

func (env *testEnv) handle(t *testing.T, id, typ, object string) Outcome {
	t.Helper()
	ev, payload := event(t, id, typ, object)
	return env.rec.Handle(context.Background(), ev, payload)
}

func (env *testEnv) get(t *testing.T, email string) *model.Entitlement {
	t.Helper()
	e, err := env.store.GetByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return e
}

const (
	checkoutObj   = `{"id":"cs_1","object":"checkout.session","customer":"cus_1","subscription":"sub_1","customer_email":"alice@example.com"}`
	invoiceObj    = `{"id":"in_1","object":"invoice","customer":"cus_1"}`
	subActiveObj  = `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active"}`
	subPastDueObj = `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"past_due"}`
	subDeletedObj = `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}`
)

func TestHandleCheckoutCreatesRecord(t *testing.T) {
	env := setupReconcilerTest(t)

	if got := env.handle(t, "evt_1", "checkout.session.completed", checkoutObj); got != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", got)
	}
	e := env.get(t, "alice@example.com")
	if e == nil || !e.IsPro || e.Method != model.MethodStripe {
		t.Fatalf("entitlement = %+v, want stripe pro", e)
	}
	if e.StripeCustomerID == nil || *e.StripeCustomerID != "cus_1" {
		t.Errorf("customer id = %v, want cus_1", e.StripeCustomerID)
	}
	if e.SubscriptionID == nil || *e.SubscriptionID != "sub_1" {
		t.Errorf("subscription id = %v, want sub_1", e.SubscriptionID)
	}
	if env.customers.calls != 0 {
		t.Errorf("customer lookups = %d, want 0 when payload has an email", env.customers.calls)
	}
}

func TestHandleCheckoutIsIdempotent(t *testing.T) {
	env := setupReconcilerTest(t)

	env.handle(t, "evt_1", "checkout.session.completed", checkoutObj)
	first := env.get(t, "alice@example.com")
	env.handle(t, "evt_1", "checkout.session.completed", checkoutObj)
	second := env.get(t, "alice@example.com")

	if first.IsPro != second.IsPro || first.Method != second.Method ||
		*first.StripeCustomerID != *second.StripeCustomerID || *first.SubscriptionID != *second.SubscriptionID {
		t.Errorf("redelivery changed record: %+v vs %+v", first, second)
	}
	total, _, err := env.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestHandleInvoiceResolvesCustomer(t *testing.T) {
	env := setupReconcilerTest(t)

	if got := env.handle(t, "evt_2", "invoice.payment_succeeded", invoiceObj); got != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", got)
	}
	e := env.get(t, "alice@example.com")
	if e == nil || !e.IsPro || e.LastPayment == nil {
		t.Fatalf("entitlement = %+v, want pro with last payment", e)
	}
	if env.customers.calls != 1 {
		t.Errorf("customer lookups = %d, want 1", env.customers.calls)
	}
}

func TestHandleSubscriptionUpdatedWithoutRecord(t *testing.T) {
	env := setupReconcilerTest(t)

	if got := env.handle(t, "evt_3", "customer.subscription.updated", subActiveObj); got != OutcomeNoRecord {
		t.Errorf("outcome = %q, want no_record", got)
	}
	if e := env.get(t, "alice@example.com"); e != nil {
		t.Errorf("update-only event created a record: %+v", e)
	}
}

func TestHandleStripeLifecycle(t *testing.T) {
	env := setupReconcilerTest(t)

	env.handle(t, "evt_1", "checkout.session.completed", checkoutObj)
	env.handle(t, "evt_2", "invoice.paid", invoiceObj)
	if e := env.get(t, "alice@example.com"); !e.IsPro {
		t.Fatal("expected pro after payment")
	}

	env.handle(t, "evt_3", "customer.subscription.updated", subPastDueObj)
	e := env.get(t, "alice@example.com")
	if e.IsPro || e.Status() != model.StatusPastDue {
		t.Errorf("after past_due: isPro=%v status=%q", e.IsPro, e.Status())
	}

	env.handle(t, "evt_4", "customer.subscription.updated", subActiveObj)
	if e := env.get(t, "alice@example.com"); !e.IsPro {
		t.Error("expected pro after reactivation")
	}

	env.handle(t, "evt_5", "customer.subscription.deleted", subDeletedObj)
	e = env.get(t, "alice@example.com")
	if e.IsPro {
		t.Error("expected isPro false after deletion")
	}
	if e.Status() != model.StatusCancelled || e.CancelledAt == nil {
		t.Errorf("status = %q cancelledAt = %v, want cancelled with timestamp", e.Status(), e.CancelledAt)
	}
}

func TestHandleSecretCodeOutranksBilling(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()

	err := env.store.Upsert(ctx, "alice@example.com", model.EntitlementPatch{
		IsPro:            model.Ptr(true),
		Method:           model.Ptr(model.MethodSecretCode),
		LifetimeAccess:   model.Ptr(true),
		StripeCustomerID: model.Ptr("cus_1"),
		SubscriptionID:   model.Ptr("sub_1"),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	env.handle(t, "evt_1", "customer.subscription.updated", subPastDueObj)
	env.handle(t, "evt_2", "invoice.payment_failed", invoiceObj)
	env.handle(t, "evt_3", "customer.subscription.deleted", subDeletedObj)

	e := env.get(t, "alice@example.com")
	if !e.IsPro || e.Method != model.MethodSecretCode || !e.LifetimeAccess {
		t.Fatalf("entitlement = %+v, want lifetime pro", e)
	}
	if e.StripeCustomerID != nil || e.SubscriptionID != nil {
		t.Errorf("stripe refs = %v/%v, want cleared", e.StripeCustomerID, e.SubscriptionID)
	}
	if e.Status() != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", e.Status())
	}
}

func TestHandleIgnoredEvent(t *testing.T) {
	env := setupReconcilerTest(t)

	if got := env.handle(t, "evt_1", "customer.created", `{"id":"cus_1","object":"customer"}`); got != OutcomeIgnored {
		t.Errorf("outcome = %q, want ignored", got)
	}
	if env.customers.calls != 0 {
		t.Error("ignored events should not trigger lookups")
	}
}

func TestHandleUnresolvedEmailIsDeadLettered(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()

	obj := `{"id":"in_9","object":"invoice","customer":"cus_unknown"}`
	if got := env.handle(t, "evt_9", "invoice.paid", obj); got != OutcomeDeadLetter {
		t.Fatalf("outcome = %q, want dead_letter", got)
	}

	f, err := env.deadLetters.GetByEventID(ctx, "evt_9")
	if err != nil {
		t.Fatalf("get failure: %v", err)
	}
	if f == nil {
		t.Fatal("expected dead letter row")
	}
	if f.Reason != model.ReasonUnresolvedEmail {
		t.Errorf("reason = %q, want %q", f.Reason, model.ReasonUnresolvedEmail)
	}
	if f.EventType != "invoice.paid" {
		t.Errorf("event type = %q, want invoice.paid", f.EventType)
	}
}

func TestHandleLookupFailureIsDeadLettered(t *testing.T) {
	env := setupReconcilerTest(t)
	env.customers.err = errors.New("stripe unavailable")

	if got := env.handle(t, "evt_1", "invoice.paid", invoiceObj); got != OutcomeDeadLetter {
		t.Fatalf("outcome = %q, want dead_letter", got)
	}
	f, err := env.deadLetters.GetByEventID(context.Background(), "evt_1")
	if err != nil || f == nil {
		t.Fatalf("get failure: %v, %v", f, err)
	}
	if f.Reason != model.ReasonLookupFailed {
		t.Errorf("reason = %q, want %q", f.Reason, model.ReasonLookupFailed)
	}
}

func TestReplayResolvesAfterRecovery(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()
	env.customers.err = errors.New("stripe unavailable")

	env.handle(t, "evt_1", "invoice.paid", invoiceObj)

	n, err := env.rec.Replay(ctx, 10, 5)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Errorf("resolved = %d, want 0 while lookups fail", n)
	}
	f, _ := env.deadLetters.GetByEventID(ctx, "evt_1")
	if f.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", f.Attempts)
	}

	env.customers.err = nil
	n, err = env.rec.Replay(ctx, 10, 5)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}
	if e := env.get(t, "alice@example.com"); e == nil || !e.IsPro {
		t.Errorf("entitlement = %+v, want pro after replay", e)
	}
	pending, err := env.deadLetters.CountPending(ctx, 5)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestReplayStopsAtMaxAttempts(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()
	env.customers.err = errors.New("stripe unavailable")

	env.handle(t, "evt_1", "invoice.paid", invoiceObj)
	for i := 0; i < 5; i++ {
		if _, err := env.rec.Replay(ctx, 10, 3); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	f, _ := env.deadLetters.GetByEventID(ctx, "evt_1")
	if f.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", f.Attempts)
	}
}

type recordingAlerter struct {
	alerts []model.WebhookFailure
}

func (a *recordingAlerter) SendDeadLetterAlert(_ context.Context, f model.WebhookFailure) error {
	a.alerts = append(a.alerts, f)
	return nil
}

func TestReplayAlertsWhenExhausted(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()
	alerter := &recordingAlerter{}
	env.rec.SetAlerter(alerter)
	env.customers.err = errors.New("stripe unavailable")

	env.handle(t, "evt_1", "invoice.paid", invoiceObj)

	env.rec.Replay(ctx, 10, 3)
	if len(alerter.alerts) != 0 {
		t.Fatalf("alerted after attempt 2 of 3")
	}
	env.rec.Replay(ctx, 10, 3)
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerter.alerts))
	}
	if a := alerter.alerts[0]; a.EventID != "evt_1" || a.Attempts != 3 {
		t.Errorf("alert = %+v", a)
	}

	env.rec.Replay(ctx, 10, 3)
	if len(alerter.alerts) != 1 {
		t.Errorf("alerts = %d, want exactly 1", len(alerter.alerts))
	}
}

type recordingNotifier struct{ changes []string }

func (n *recordingNotifier) EntitlementChanged(email, source string) {
	n.changes = append(n.changes, email+" "+source)
}

func TestHandleNotifiesOnWrite(t *testing.T) {
	env := setupReconcilerTest(t)
	n := &recordingNotifier{}
	env.rec.SetNotifier(n)

	env.handle(t, "evt_1", "checkout.session.completed", checkoutObj)
	env.handle(t, "evt_2", "customer.subscription.updated", `{"id":"sub_9","object":"subscription","customer":"cus_unknown","status":"active"}`)
	env.handle(t, "evt_3", "charge.refunded", `{"id":"ch_1","object":"charge"}`)

	if len(n.changes) != 1 || n.changes[0] != "alice@example.com checkout_completed" {
		t.Errorf("changes = %q, want only the checkout write", n.changes)
	}
}

// handleAt delivers an event carrying a Stripe creation time.
func (env *testEnv) handleAt(t *testing.T, id, typ, object string, created int64) Outcome {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, typ, created, object))
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return env.rec.Handle(context.Background(), ev, payload)
}

func TestReplayDoesNotResurrectDeletedSubscription(t *testing.T) {
	env := setupReconcilerTest(t)
	ctx := context.Background()

	if got := env.handleAt(t, "evt_1", "checkout.session.completed", checkoutObj, 1748772000); got != OutcomeApplied {
		t.Fatalf("checkout outcome = %q", got)
	}

	env.customers.err = errors.New("stripe unavailable")
	if got := env.handleAt(t, "evt_2", "customer.subscription.updated", subActiveObj, 1748772100); got != OutcomeDeadLetter {
		t.Fatalf("updated outcome = %q, want dead_letter", got)
	}

	env.customers.err = nil
	if got := env.handleAt(t, "evt_3", "customer.subscription.deleted", subDeletedObj, 1748772200); got != OutcomeApplied {
		t.Fatalf("deleted outcome = %q", got)
	}
	if e := env.get(t, "alice@example.com"); e == nil || e.IsPro {
		t.Fatalf("entitlement = %+v, want isPro false after deletion", e)
	}

	n, err := env.rec.Replay(ctx, 10, 5)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}

	e := env.get(t, "alice@example.com")
	if e.IsPro {
		t.Error("replayed older event restored pro access")
	}
	if e.Status() != model.StatusCancelled {
		t.Errorf("status = %q, want %q", e.Status(), model.StatusCancelled)
	}
	if e.LastEventAt == nil || e.LastEventAt.Unix() != 1748772200 {
		t.Errorf("lastEventAt = %v, want the deletion time", e.LastEventAt)
	}
}
