package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/dukerupert/imagefy/internal/model"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	toEmail     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIURL(url string) Option {
	return func(cl *Client) {
		cl.apiURL = url
	}
}

// NewClient returns a Postmark client that sends operator alerts from
// fromEmail to toEmail.
func NewClient(serverToken, fromEmail, toEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		toEmail:     toEmail,
		apiURL:      defaultAPIURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the token and both addresses are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != "" && c.toEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendDeadLetterAlert tells the operator that a billing event has used up its
// replay attempts and needs manual attention.
func (c *Client) SendDeadLetterAlert(ctx context.Context, f model.WebhookFailure) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured")
	}

	subject := fmt.Sprintf("Billing event %s could not be applied", f.EventID)
	textBody := fmt.Sprintf(
		"A Stripe event was acknowledged but never applied to an entitlement.\n\n"+
			"Event: %s\nType: %s\nReason: %s\nAttempts: %d\nLast error: %s\nFirst seen: %s\n\n"+
			"Check the webhook_failures table and apply the change manually.",
		f.EventID, f.EventType, f.Reason, f.Attempts, f.LastError, f.CreatedAt.UTC().Format(time.RFC3339),
	)
	htmlBody := fmt.Sprintf(
		`<p>A Stripe event was acknowledged but never applied to an entitlement.</p>`+
			`<ul><li>Event: %s</li><li>Type: %s</li><li>Reason: %s</li><li>Attempts: %d</li><li>Last error: %s</li></ul>`+
			`<p>Check the <code>webhook_failures</code> table and apply the change manually.</p>`,
		html.EscapeString(f.EventID), html.EscapeString(f.EventType), html.EscapeString(f.Reason),
		f.Attempts, html.EscapeString(f.LastError),
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       c.toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "dead-letter",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}
	return nil
}
