// Package dispatch hands admitted findings to ticketing systems.
//
// Every (finding, sink) pair has one Record. A pair already Sent is never
// sent again, so re-invoking dispatch after a restart is safe.
package dispatch

import (
	"context"
	"fmt"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
)

// TicketRef identifies the ticket a sink created
type TicketRef struct {
	Sink string `json:"sink"`
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
}

// TicketSink creates one ticket per finding
type TicketSink interface {
	Name() string
	// Create returns a *Error to classify failures; unclassified errors are
	// treated as transient.
	Create(ctx context.Context, f finding.Finding) (TicketRef, error)
}

// Error is a classified sink failure
type Error struct {
	Sink      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("dispatch to %s (%s): %v", e.Sink, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable
func Transient(sink string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Sink: sink, Transient: true, Err: err}
}

// Permanent wraps err as not worth retrying
func Permanent(sink string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Sink: sink, Err: err}
}

// IsTransient reports whether err should be retried. Cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	return !errors.Is(err, context.Canceled)
}

// SinkFunc adapts a function to TicketSink
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, f finding.Finding) (TicketRef, error)
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Create(ctx context.Context, f finding.Finding) (TicketRef, error) {
	return s.Fn(ctx, f)
}
