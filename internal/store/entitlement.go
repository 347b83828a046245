package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/model"
)

const defaultTimeout = 5 * time.Second

// EntitlementStore persists entitlement records keyed by email. Each method is
// a single statement, so every individual write is atomic; callers that read
// and then write are not.
type EntitlementStore struct {
	db      *database.DB
	timeout time.Duration
}

func NewEntitlementStore(db *database.DB, timeout time.Duration) *EntitlementStore {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &EntitlementStore{db: db, timeout: timeout}
}

func scanEntitlement(scanner interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var e model.Entitlement
	var method string
	var status, customerID, subscriptionID sql.NullString
	var activatedAt, lastPayment, cancelledAt, cancelRequestedAt, codeUsedAt, lastEventAt sql.NullTime
	err := scanner.Scan(
		&e.Email, &e.IsPro, &method, &status, &customerID, &subscriptionID, &e.LifetimeAccess,
		&activatedAt, &lastPayment, &cancelledAt, &cancelRequestedAt, &codeUsedAt, &lastEventAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Method = model.Method(method)
	e.SubscriptionStatus = nullString(status)
	e.StripeCustomerID = nullString(customerID)
	e.SubscriptionID = nullString(subscriptionID)
	e.ActivatedAt = nullTime(activatedAt)
	e.LastPayment = nullTime(lastPayment)
	e.CancelledAt = nullTime(cancelledAt)
	e.CancelRequestedAt = nullTime(cancelRequestedAt)
	e.CodeUsedAt = nullTime(codeUsedAt)
	e.LastEventAt = nullTime(lastEventAt)
	return &e, nil
}

const entitlementCols = `email, is_pro, method, subscription_status, stripe_customer_id, subscription_id, lifetime_access,
	activated_at, last_payment, cancelled_at, cancel_requested_at, code_used_at, last_event_at, created_at, updated_at`

// GetByEmail returns the record for email, or nil if there is none.
func (s *EntitlementStore) GetByEmail(ctx context.Context, email string) (*model.Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+entitlementCols+` FROM entitlements WHERE email = ?`), email)
	e, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement by email: %w", err)
	}
	return e, nil
}

// Upsert creates the record for email or applies the patch to the existing one.
func (s *EntitlementStore) Upsert(ctx context.Context, email string, p model.EntitlementPatch) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sets := patchAssignments(p)

	cols := []string{"email"}
	marks := []string{"?"}
	args := []any{email}
	updates := make([]string, 0, len(sets)+3)
	for _, a := range sets {
		cols = append(cols, a.col)
		marks = append(marks, "?")
		args = append(args, a.val)
		updates = append(updates, a.col+" = excluded."+a.col)
	}
	if p.ClearStripeRefs {
		updates = append(updates, "stripe_customer_id = NULL", "subscription_id = NULL")
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")

	query := `INSERT INTO entitlements (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)
		ON CONFLICT (email) DO UPDATE SET ` + strings.Join(updates, ", ")

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

// Update applies the patch to an existing record. It reports false, with no
// error, when no record matches email.
func (s *EntitlementStore) Update(ctx context.Context, email string, p model.EntitlementPatch) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sets := patchAssignments(p)

	updates := make([]string, 0, len(sets)+3)
	args := make([]any, 0, len(sets)+1)
	for _, a := range sets {
		updates = append(updates, a.col+" = ?")
		args = append(args, a.val)
	}
	if p.ClearStripeRefs {
		updates = append(updates, "stripe_customer_id = NULL", "subscription_id = NULL")
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, email)

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE entitlements SET `+strings.Join(updates, ", ")+` WHERE email = ?`),
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update entitlement: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored records, split by pro flag.
func (s *EntitlementStore) Count(ctx context.Context) (total, pro int, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_pro THEN 1 ELSE 0 END), 0) FROM entitlements`)
	if err := row.Scan(&total, &pro); err != nil {
		return 0, 0, fmt.Errorf("count entitlements: %w", err)
	}
	return total, pro, nil
}

type assignment struct {
	col string
	val any
}

func patchAssignments(p model.EntitlementPatch) []assignment {
	var out []assignment
	if p.IsPro != nil {
		out = append(out, assignment{"is_pro", *p.IsPro})
	}
	if p.Method != nil {
		out = append(out, assignment{"method", string(*p.Method)})
	}
	if p.SubscriptionStatus != nil {
		out = append(out, assignment{"subscription_status", *p.SubscriptionStatus})
	}
	if p.StripeCustomerID != nil && !p.ClearStripeRefs {
		out = append(out, assignment{"stripe_customer_id", *p.StripeCustomerID})
	}
	if p.SubscriptionID != nil && !p.ClearStripeRefs {
		out = append(out, assignment{"subscription_id", *p.SubscriptionID})
	}
	if p.LifetimeAccess != nil {
		out = append(out, assignment{"lifetime_access", *p.LifetimeAccess})
	}
	if p.ActivatedAt != nil {
		out = append(out, assignment{"activated_at", p.ActivatedAt.UTC()})
	}
	if p.LastPayment != nil {
		out = append(out, assignment{"last_payment", p.LastPayment.UTC()})
	}
	if p.CancelledAt != nil {
		out = append(out, assignment{"cancelled_at", p.CancelledAt.UTC()})
	}
	if p.CancelRequestedAt != nil {
		out = append(out, assignment{"cancel_requested_at", p.CancelRequestedAt.UTC()})
	}
	if p.CodeUsedAt != nil {
		out = append(out, assignment{"code_used_at", p.CodeUsedAt.UTC()})
	}
	if p.LastEventAt != nil {
		out = append(out, assignment{"last_event_at", p.LastEventAt.UTC()})
	}
	return out
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}
