package model

import "time"

// Dead-letter reasons.
const (
	ReasonMalformed       = "malformed"
	ReasonUnresolvedEmail = "unresolved_email"
	ReasonLookupFailed    = "lookup_failed"
	ReasonStoreFailed     = "store_failed"
)

// WebhookFailure is a billing event that was acknowledged but could not be
// applied. It is kept for replay.
type WebhookFailure struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	Reason     string     `json:"reason"`
	Payload    []byte     `json:"-"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}
