// Package events composes the best-effort publishers the Query Service
// and Build Manager drive into a single sink.
package events

import "context"

// Publisher is the narrow interface both internal/query and
// internal/build define locally for their own event sink.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Fanout publishes to every configured Publisher, ignoring nil entries
// so callers can wire it up regardless of which sinks are configured.
// A failure on one sink does not stop delivery to the others; the first
// error encountered is returned after every sink has been tried.
type Fanout struct {
	sinks []Publisher
}

// NewFanout builds a Fanout over sinks, skipping any nil entries.
func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish delivers data to every sink. It is itself best-effort: both
// the Query Service and Build Manager already treat publish failures as
// non-fatal, so Fanout's job is only to make sure one slow or broken
// sink can't shadow the others.
func (f *Fanout) Publish(ctx context.Context, subject string, data []byte) error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, subject, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
