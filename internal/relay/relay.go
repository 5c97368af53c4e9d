// Package relay tails the store's change feed and republishes newly
// written outbound records onto a message bus.
//
// Delivery is at-least-once: the feed cursor only advances after a
// publish succeeds, so a crash between publish and acknowledgment replays
// the batch. Consumers must therefore tolerate duplicates; the store side
// guarantees each outbound record is written exactly once, and the relay
// guarantees each written record is published at least once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/facet/internal/backend"
)

// cursorName keys this relay's position in the checkpoint store.
const cursorName = "outbound-relay"

// maxPublishBackoff caps the delay between publish retries.
const maxPublishBackoff = 30 * time.Second

// Entry is one published message: the outbound record's payload stripped
// of its envelope, plus routing metadata.
type Entry struct {
	// ID is a fresh UUIDv7 per publish attempt batch, for tracing.
	ID string `json:"id"`

	// Source is the configured event-source identifier.
	Source string `json:"source"`

	// DetailType is the outbound record's event type.
	DetailType string `json:"detailType"`

	// Detail is the outbound record's payload, verbatim.
	Detail json.RawMessage `json:"detail"`
}

// Bus publishes entries to the configured target bus. Publish must be
// atomic per call from the relay's point of view: an error means the
// whole batch will be retried.
type Bus interface {
	Publish(ctx context.Context, bus string, entries []Entry) error
}

// Feed is the change-feed source. The sqlite backend implements it.
type Feed interface {
	ReadFeed(ctx context.Context, after int64, limit int) ([]backend.FeedRecord, error)
}

// Checkpoint persists the relay's feed position. The sqlite backend
// implements it.
type Checkpoint interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, pos int64) error
}

// Source bundles the feed and checkpoint halves of a change-feed source.
type Source interface {
	Feed
	Checkpoint
}

// Relay is the change-feed consumer. Create with New, drive with Run.
type Relay struct {
	cfg  Config
	src  Source
	bus  Bus
	log  *slog.Logger
	wait func(ctx context.Context, d time.Duration) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		r.log = log
	}
}

// New creates a relay over the given source and bus.
func New(cfg Config, src Source, bus Bus, opts ...Option) (*Relay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:  cfg,
		src:  src,
		bus:  bus,
		log:  slog.Default(),
		wait: sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run polls the feed until ctx is canceled. It returns ctx.Err() on
// shutdown and any non-retryable source error immediately.
func (r *Relay) Run(ctx context.Context) error {
	pos, err := r.src.LoadCursor(ctx, cursorName)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	r.log.Info("relay started", "source", r.cfg.EventSource, "bus", r.cfg.TargetBus, "position", pos)

	for {
		next, err := r.Drain(ctx, pos)
		if err != nil {
			return err
		}
		if next == pos {
			if err := r.wait(ctx, r.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		pos = next
	}
}

// Drain consumes one batch starting after pos and returns the new
// position. A return equal to pos means the feed is caught up. Exposed
// separately from Run so callers can drive the relay one step at a time.
func (r *Relay) Drain(ctx context.Context, pos int64) (int64, error) {
	batch, err := r.src.ReadFeed(ctx, pos, r.cfg.BatchSize)
	if err != nil {
		return pos, fmt.Errorf("relay: read feed: %w", err)
	}
	if len(batch) == 0 {
		return pos, nil
	}

	var entries []Entry
	for _, fr := range batch {
		if !shouldRelay(fr) {
			continue
		}
		entries = append(entries, Entry{
			ID:         uuid.Must(uuid.NewV7()).String(),
			Source:     r.cfg.EventSource,
			DetailType: fr.Record.Type,
			Detail:     fr.Record.Item,
		})
	}

	if len(entries) > 0 {
		if err := r.publishWithRetry(ctx, entries); err != nil {
			return pos, err
		}
	}

	// Acknowledge only after publish succeeded; crashing before this line
	// replays the batch, which is the at-least-once contract.
	last := batch[len(batch)-1].Position
	if err := r.src.SaveCursor(ctx, cursorName, last); err != nil {
		return pos, fmt.Errorf("relay: save cursor: %w", err)
	}
	r.log.Debug("batch relayed", "records", len(batch), "published", len(entries), "position", last)
	return last, nil
}

// shouldRelay filters the feed down to publishable outbound records: the
// discriminant key must classify as outbound and the record must carry a
// non-empty type and payload.
func shouldRelay(fr backend.FeedRecord) bool {
	r := fr.Record
	return r.IsOutbound() && r.Type != "" && len(r.Item) > 0
}

func (r *Relay) publishWithRetry(ctx context.Context, entries []Entry) error {
	backoff := time.Second
	for {
		err := r.bus.Publish(ctx, r.cfg.TargetBus, entries)
		if err == nil {
			return nil
		}
		r.log.Warn("publish failed, retrying", "error", err, "entries", len(entries), "backoff", backoff)
		if werr := r.wait(ctx, backoff); werr != nil {
			return werr
		}
		backoff *= 2
		if backoff > maxPublishBackoff {
			backoff = maxPublishBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
