package relay

import (
	"context"
	"log/slog"
)

// LogBus is a Bus that writes every entry to a structured logger instead
// of a real message bus. Useful for local runs and smoke tests of the
// relay pipeline.
type LogBus struct {
	Log *slog.Logger
}

// Publish implements Bus.
func (b *LogBus) Publish(ctx context.Context, bus string, entries []Entry) error {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	for _, e := range entries {
		log.Info("publish",
			"bus", bus,
			"id", e.ID,
			"source", e.Source,
			"detailType", e.DetailType,
			"detail", string(e.Detail),
		)
	}
	return nil
}
