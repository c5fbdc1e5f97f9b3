package audit

import "context"

// Logger records audit events. Recording must never fail the operation being
// audited; callers log and continue on error.
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// Searcher lists recorded events. Implemented by DBLogger; loggers that only
// forward events elsewhere need not implement it.
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
}

// NopLogger discards events. Used in tests and when auditing is disabled.
type NopLogger struct{}

// Log discards the event.
func (NopLogger) Log(_ context.Context, _ *Event) error {
	return nil
}
