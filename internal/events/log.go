package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher logs events instead of delivering them.
// Use in development or when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher backed by the given logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event and returns nil.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info("domain event (log only)",
		zap.String("type", ev.Type),
		zap.String("subject_id", ev.SubjectID),
		zap.String("action", ev.Action),
		zap.String("actor_id", ev.ActorID),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}
