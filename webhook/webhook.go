// Package webhook delivers findings to receivers registered through the API.
//
// Each registered webhook becomes a dispatch sink named "webhook:<id>", so
// automatic delivery inherits the dispatcher's once-per-finding records,
// retries and rate limits. Every HTTP attempt is also kept as a Delivery.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/teranos/leakhunter/finding"
)

// Headers sent with every delivery
const (
	HeaderEvent       = "X-LeakHunter-Event"
	HeaderFingerprint = "X-LeakHunter-Fingerprint"
	HeaderSignature   = "X-LeakHunter-Signature"
)

// SinkPrefix prefixes the dispatch sink name of every webhook
const SinkPrefix = "webhook:"

// Filters narrow the findings a webhook receives. Empty fields match everything.
type Filters struct {
	Platform string   `json:"platform,omitempty"`
	Severity string   `json:"severity,omitempty"` // exact level, not a threshold
	Labels   []string `json:"labels,omitempty"`   // rule names; any one matches
}

// Match reports whether f passes every set filter
func (fl Filters) Match(f finding.Finding) bool {
	if fl.Platform != "" && !strings.EqualFold(fl.Platform, f.Platform) {
		return false
	}
	if fl.Severity != "" && !strings.EqualFold(fl.Severity, f.Severity.String()) {
		return false
	}
	if len(fl.Labels) > 0 {
		for _, l := range fl.Labels {
			if l == f.Rule {
				return true
			}
		}
		return false
	}
	return true
}

// Webhook is a registered receiver
type Webhook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Filters   Filters   `json:"filters"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Signed reports whether deliveries carry an HMAC signature
func (w Webhook) Signed() bool { return w.Secret != "" }

// SinkName is the dispatch sink name for w
func (w Webhook) SinkName() string { return SinkPrefix + w.ID }

// Delivery outcomes
const (
	DeliverySent   = "sent"   // 2xx
	DeliveryFailed = "failed" // non-2xx
	DeliveryError  = "error"  // no response
)

// Delivery records one HTTP attempt
type Delivery struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	FindingID  string    `json:"finding_id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists webhooks and their deliveries
type Store interface {
	Create(ctx context.Context, w Webhook) error
	Get(ctx context.Context, id string) (Webhook, error)
	// List returns webhooks newest first
	List(ctx context.Context) ([]Webhook, error)
	// Delete removes the webhook; its deliveries are kept
	Delete(ctx context.Context, id string) error
	AddDelivery(ctx context.Context, d Delivery) error
	// ListDeliveries returns the newest deliveries for one webhook
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
}

// Sign returns the X-LeakHunter-Signature value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
