package noop

import (
	"context"
	"sync/atomic"

	"greentrace/pkg/errors"
)

// Tracker drops every event. It counts captures so tests can assert that
// failures were reported without a Sentry DSN.
type Tracker struct {
	errors   atomic.Int64
	messages atomic.Int64
}

var _ errors.Tracker = (*Tracker)(nil)

// New creates a tracker
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) CaptureError(_ context.Context, _ error, _ map[string]string) error {
	t.errors.Add(1)
	return nil
}

func (t *Tracker) CaptureMessage(_ context.Context, _ string, _ errors.Level, _ map[string]string) error {
	t.messages.Add(1)
	return nil
}

func (t *Tracker) AddBreadcrumb(context.Context, string, string, errors.Level, map[string]interface{}) {}

func (t *Tracker) Flush(context.Context) error { return nil }

// Captured returns how many errors and messages were dropped
func (t *Tracker) Captured() (errs, messages int64) {
	return t.errors.Load(), t.messages.Load()
}
