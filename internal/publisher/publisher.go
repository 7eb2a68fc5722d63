// Package publisher fans archived events out to one or more transports.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

// Keyed payloads carry a partition key that transports may use for ordering.
type Keyed interface {
	EventKey() string
}

// KeyOf returns the payload's event key, or "" when it has none.
func KeyOf(payload any) string {
	if k, ok := payload.(Keyed); ok {
		return k.EventKey()
	}
	return ""
}

// Fanout publishes every event to all of its targets. The first target is
// primary: its failure fails the publish. Failures of the others are logged.
type Fanout struct {
	targets []archiver.Publisher
	logger  *zap.Logger
}

// NewFanout builds a Fanout over the non-nil targets.
func NewFanout(logger *zap.Logger, targets ...archiver.Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Publish sends payload to every target and returns the primary's message ID.
func (f *Fanout) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if len(f.targets) == 0 {
		return "", errors.New("no publishers configured")
	}
	id, err := f.targets[0].Publish(ctx, topic, payload)
	if err != nil {
		return "", fmt.Errorf("primary publish: %w", err)
	}
	for _, t := range f.targets[1:] {
		if _, err := t.Publish(ctx, topic, payload); err != nil {
			f.logger.Warn("secondary publish failed",
				zap.String("topic", topic),
				zap.String("publisher", fmt.Sprintf("%T", t)),
				zap.Error(err),
			)
		}
	}
	return id, nil
}
