package entitlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/model"
	"github.com/dukerupert/imagefy/internal/store"
	billing "github.com/dukerupert/imagefy/internal/stripe"
)

type fakeProcessor struct {
	periodEnd    time.Time
	portalURL    string
	sessionEmail string
	err          error

	cancelCalls  int
	portalCalls  int
	sessionCalls int
	lastSubID    string
	lastCustomer string
}

func (f *fakeProcessor) CancelAtPeriodEnd(_ context.Context, subID string) (time.Time, error) {
	f.cancelCalls++
	f.lastSubID = subID
	return f.periodEnd, f.err
}

func (f *fakeProcessor) CreateBillingPortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.portalCalls++
	f.lastCustomer = customerID
	return f.portalURL, f.err
}

func (f *fakeProcessor) CheckoutSessionEmail(_ context.Context, _ string) (string, error) {
	f.sessionCalls++
	return f.sessionEmail, f.err
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupServiceTest(t *testing.T) (*Service, *store.EntitlementStore, *fakeProcessor) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewEntitlementStore(db, time.Second)
	proc := &fakeProcessor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, proc, NewCodeSet([]string{"IMAGEFY2025PRO", "launchweek"}), logger)
	svc.now = func() time.Time { return testNow }
	return svc, st, proc
}

func seed(t *testing.T, st *store.EntitlementStore, email string, p model.EntitlementPatch) {
	t.Helper()
	if err := st.Upsert(context.Background(), email, p); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
}

func stripeUser() model.EntitlementPatch {
	return model.EntitlementPatch{
		IsPro:              model.Ptr(true),
		Method:             model.Ptr(model.MethodStripe),
		SubscriptionStatus: model.Ptr(model.StatusActive),
		StripeCustomerID:   model.Ptr("cus_1"),
		SubscriptionID:     model.Ptr("sub_1"),
	}
}

func codeUser() model.EntitlementPatch {
	return model.EntitlementPatch{
		IsPro:          model.Ptr(true),
		Method:         model.Ptr(model.MethodSecretCode),
		LifetimeAccess: model.Ptr(true),
	}
}

func TestQuery(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	seed(t, st, "alice@example.com", stripeUser())

	got := svc.Query(context.Background(), "alice@example.com")
	want := Status{IsPro: true, SubscriptionStatus: "active", Method: "stripe"}
	if got != want {
		t.Errorf("Query = %+v, want %+v", got, want)
	}

	if got := svc.Query(context.Background(), "nobody@example.com"); got.IsPro {
		t.Error("expected isPro false for unknown email")
	}
	if got := svc.Query(context.Background(), ""); got != (Status{}) {
		t.Errorf("Query(\"\") = %+v, want zero", got)
	}
}

// failingStore fails every call, as a store with its database gone would.
type failingStore struct{ err error }

func (f failingStore) GetByEmail(context.Context, string) (*model.Entitlement, error) {
	return nil, f.err
}

func (f failingStore) Upsert(context.Context, string, model.EntitlementPatch) error {
	return f.err
}

func (f failingStore) Update(context.Context, string, model.EntitlementPatch) (bool, error) {
	return false, f.err
}

func TestQueryLookupErrorIsNotPro(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	svc := NewService(failingStore{err: errors.New("database is locked")}, &fakeProcessor{}, NewCodeSet(nil), logger)

	if got := svc.Query(context.Background(), "alice@example.com"); got != (Status{}) {
		t.Errorf("Query = %+v, want zero status", got)
	}
	if !strings.Contains(logs.String(), "pro status lookup failed") || !strings.Contains(logs.String(), "database is locked") {
		t.Errorf("lookup error not logged: %q", logs.String())
	}
}

func TestRedeemCodeNormalizesAndCreates(t *testing.T) {
	svc, st, _ := setupServiceTest(t)

	if err := svc.RedeemCode(context.Background(), "new@example.com", " imagefy2025pro "); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	e, err := st.GetByEmail(context.Background(), "new@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil || !e.IsPro || e.Method != model.MethodSecretCode || !e.LifetimeAccess {
		t.Fatalf("entitlement = %+v, want lifetime pro", e)
	}
	if e.CodeUsedAt == nil || !e.CodeUsedAt.Equal(testNow) {
		t.Errorf("codeUsedAt = %v, want %v", e.CodeUsedAt, testNow)
	}
}

func TestRedeemCodeWrongCodeNeverWrites(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := svc.RedeemCode(ctx, "guess@example.com", fmt.Sprintf("GUESS%d", i))
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCode", i, err)
		}
	}
	total, _, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
}

func TestRedeemCodeValidatesInput(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	tests := []struct {
		name  string
		email string
		code  string
	}{
		{"missing email", "", "IMAGEFY2025PRO"},
		{"missing code", "a@example.com", ""},
		{"no at", "example.com", "IMAGEFY2025PRO"},
		{"no dot", "a@example", "IMAGEFY2025PRO"},
	}
	for _, tt := range tests {
		if err := svc.RedeemCode(context.Background(), tt.email, tt.code); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", tt.name, err)
		}
	}
}

func TestRedeemCodeOverridesStripe(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	seed(t, st, "alice@example.com", stripeUser())

	if err := svc.RedeemCode(context.Background(), "alice@example.com", "launchweek"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	e, _ := st.GetByEmail(context.Background(), "alice@example.com")
	if e.Method != model.MethodSecretCode || !e.LifetimeAccess {
		t.Errorf("method = %q lifetime = %v, want secret_code lifetime", e.Method, e.LifetimeAccess)
	}
}

func TestRequestCancellation(t *testing.T) {
	svc, st, proc := setupServiceTest(t)
	seed(t, st, "alice@example.com", stripeUser())
	proc.periodEnd = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	end, err := svc.RequestCancellation(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !end.Equal(proc.periodEnd) {
		t.Errorf("period end = %v, want %v", end, proc.periodEnd)
	}
	if proc.lastSubID != "sub_1" {
		t.Errorf("cancelled %q, want sub_1", proc.lastSubID)
	}

	e, _ := st.GetByEmail(context.Background(), "alice@example.com")
	if e.Status() != model.StatusCancelling {
		t.Errorf("status = %q, want cancelling", e.Status())
	}
	if !e.IsPro {
		t.Error("access should remain until period end")
	}
	if e.CancelRequestedAt == nil {
		t.Error("expected cancelRequestedAt")
	}
}

func TestRequestCancellationSecretCodeSkipsProcessor(t *testing.T) {
	svc, st, proc := setupServiceTest(t)
	seed(t, st, "code@example.com", codeUser())

	_, err := svc.RequestCancellation(context.Background(), "code@example.com")
	if !errors.Is(err, ErrLifetimeAccess) {
		t.Errorf("err = %v, want ErrLifetimeAccess", err)
	}
	if proc.cancelCalls != 0 {
		t.Errorf("processor calls = %d, want 0", proc.cancelCalls)
	}
}

func TestRequestCancellationRejections(t *testing.T) {
	svc, st, proc := setupServiceTest(t)
	seed(t, st, "nosub@example.com", model.EntitlementPatch{IsPro: model.Ptr(true), Method: model.Ptr(model.MethodStripe)})

	if _, err := svc.RequestCancellation(context.Background(), "ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.RequestCancellation(context.Background(), "nosub@example.com"); !errors.Is(err, ErrNoSubscription) {
		t.Errorf("no subscription: err = %v, want ErrNoSubscription", err)
	}
	if _, err := svc.RequestCancellation(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty: err = %v, want ErrInvalidRequest", err)
	}
	if proc.cancelCalls != 0 {
		t.Errorf("processor calls = %d, want 0", proc.cancelCalls)
	}
}

func TestRequestCancellationProcessorFailure(t *testing.T) {
	svc, st, proc := setupServiceTest(t)
	seed(t, st, "alice@example.com", stripeUser())
	proc.err = errors.New("stripe down")

	_, err := svc.RequestCancellation(context.Background(), "alice@example.com")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sentinel := range []error{ErrNotFound, ErrLifetimeAccess, ErrNoSubscription, ErrInvalidRequest} {
		if errors.Is(err, sentinel) {
			t.Errorf("processor failure matched %v", sentinel)
		}
	}
	e, _ := st.GetByEmail(context.Background(), "alice@example.com")
	if e.Status() != model.StatusActive {
		t.Errorf("status = %q, want unchanged active", e.Status())
	}
}

func TestCreatePortalSession(t *testing.T) {
	svc, st, proc := setupServiceTest(t)
	seed(t, st, "alice@example.com", stripeUser())
	seed(t, st, "code@example.com", codeUser())
	seed(t, st, "nocus@example.com", model.EntitlementPatch{Method: model.Ptr(model.MethodStripe)})
	proc.portalURL = "https://billing.stripe.com/p/session/test"

	url, err := svc.CreatePortalSession(context.Background(), "alice@example.com", "")
	if err != nil {
		t.Fatalf("portal: %v", err)
	}
	if url != proc.portalURL {
		t.Errorf("url = %q, want %q", url, proc.portalURL)
	}
	if proc.lastCustomer != "cus_1" {
		t.Errorf("customer = %q, want cus_1", proc.lastCustomer)
	}

	if _, err := svc.CreatePortalSession(context.Background(), "code@example.com", ""); !errors.Is(err, ErrLifetimeAccess) {
		t.Errorf("code user: err = %v, want ErrLifetimeAccess", err)
	}
	if _, err := svc.CreatePortalSession(context.Background(), "nocus@example.com", ""); !errors.Is(err, ErrNoCustomer) {
		t.Errorf("no customer: err = %v, want ErrNoCustomer", err)
	}
	if proc.portalCalls != 1 {
		t.Errorf("portal calls = %d, want 1", proc.portalCalls)
	}
}

func TestSessionEmail(t *testing.T) {
	svc, _, proc := setupServiceTest(t)
	proc.sessionEmail = "alice@example.com"

	email, err := svc.SessionEmail(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("session email: %v", err)
	}
	if email != "alice@example.com" {
		t.Errorf("email = %q, want alice@example.com", email)
	}

	if _, err := svc.SessionEmail(context.Background(), "bogus"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("bad prefix: err = %v, want ErrInvalidSession", err)
	}
	if proc.sessionCalls != 1 {
		t.Errorf("session calls = %d, want 1", proc.sessionCalls)
	}

	proc.err = fmt.Errorf("get checkout session: %w", billing.ErrNotFound)
	if _, err := svc.SessionEmail(context.Background(), "cs_missing"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("missing: err = %v, want ErrInvalidSession", err)
	}
}

func TestUserInfo(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	seed(t, st, "code@example.com", codeUser())

	info, err := svc.UserInfo(context.Background(), "code@example.com")
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if !info.Found || info.IsPro == nil || !*info.IsPro || info.LifetimeAccess == nil || !*info.LifetimeAccess {
		t.Errorf("info = %+v, want found lifetime pro", info)
	}
	if info.Method != "secret_code" {
		t.Errorf("method = %q, want secret_code", info.Method)
	}

	info, err = svc.UserInfo(context.Background(), "ghost@example.com")
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if info.Found || info.IsPro != nil {
		t.Errorf("info = %+v, want not found", info)
	}
}

func TestCodeSet(t *testing.T) {
	set := NewCodeSet([]string{" imagefy2025pro", "", "  "})
	if set.Len() != 1 {
		t.Errorf("len = %d, want 1", set.Len())
	}
	if !set.Contains("IMAGEFY2025PRO\n") {
		t.Error("expected normalized match")
	}
	if set.Contains("") {
		t.Error("empty code must not match")
	}
}

type recordingNotifier struct{ changes []string }

func (n *recordingNotifier) EntitlementChanged(email, source string) {
	n.changes = append(n.changes, email+" "+source)
}

func TestRedeemCodeNotifies(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	ctx := context.Background()

	if err := svc.RedeemCode(ctx, "a@example.com", "WRONG"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if err := svc.RedeemCode(ctx, "a@example.com", "IMAGEFY2025PRO"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if len(n.changes) != 1 || n.changes[0] != "a@example.com secret_code" {
		t.Errorf("changes = %q, want one secret_code change", n.changes)
	}
}
