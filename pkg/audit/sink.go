package audit

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
)

// Sink persists a batch. Implementations must not retain events after
// WriteBatch returns.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) WriteBatch(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	Logger logr.Logger
}

var _ Sink = LogSink{}

func (s LogSink) WriteBatch(_ context.Context, events []Event) error {
	logger := s.Logger
	if logger.GetSink() == nil {
		return nil
	}
	for _, event := range events {
		logger.Info("audit",
			"id", event.ID,
			"action", event.Action,
			"principal_id", event.PrincipalID,
			"resource", event.Resource,
			"outcome", event.Outcome,
			"ip", event.IP,
			"timestamp", event.Timestamp,
			"metadata", event.Metadata,
		)
	}
	return nil
}

// MultiSink writes every batch to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.WriteBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
