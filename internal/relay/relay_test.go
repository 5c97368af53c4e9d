package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/facet/internal/backend"
	"github.com/roach88/facet/internal/record"
)

var testTime = time.UnixMilli(1700000000000).UTC()

type fakeSource struct {
	feed    []backend.FeedRecord
	cursors map[string]int64
}

func newFakeSource(recs ...record.Record) *fakeSource {
	s := &fakeSource{cursors: make(map[string]int64)}
	for i, r := range recs {
		s.feed = append(s.feed, backend.FeedRecord{Position: int64(i + 1), Record: r})
	}
	return s
}

func (s *fakeSource) ReadFeed(ctx context.Context, after int64, limit int) ([]backend.FeedRecord, error) {
	var out []backend.FeedRecord
	for _, fr := range s.feed {
		if fr.Position > after && len(out) < limit {
			out = append(out, fr)
		}
	}
	return out, nil
}

func (s *fakeSource) LoadCursor(ctx context.Context, name string) (int64, error) {
	return s.cursors[name], nil
}

func (s *fakeSource) SaveCursor(ctx context.Context, name string, pos int64) error {
	s.cursors[name] = pos
	return nil
}

type captureBus struct {
	batches  [][]Entry
	busNames []string
	failures int
}

func (b *captureBus) Publish(ctx context.Context, bus string, entries []Entry) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("bus unavailable")
	}
	b.batches = append(b.batches, entries)
	b.busNames = append(b.busNames, bus)
	return nil
}

func testConfig() Config {
	return Config{
		EventSource:  "facet.store",
		TargetBus:    "events",
		BatchSize:    100,
		PollInterval: time.Second,
	}
}

func newTestRelay(t *testing.T, src Source, bus Bus) *Relay {
	t.Helper()
	r, err := New(testConfig(), src, bus)
	require.NoError(t, err)
	r.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestDrain_FiltersToOutbound(t *testing.T) {
	src := newFakeSource(
		record.NewState("account", "alice", 2, json.RawMessage(`{"balance":-100}`), testTime),
		record.NewInbound("account", "alice", 1, "deposited", json.RawMessage(`{"amount":200}`), testTime),
		record.NewOutbound("account", "alice", 2, 0, "overdrawn", json.RawMessage(`{"balance":-100}`), testTime),
		record.NewIndex("account", "owner", "x", 2, json.RawMessage(`{"balance":-100}`), testTime),
	)
	bus := &captureBus{}
	r := newTestRelay(t, src, bus)

	pos, err := r.Drain(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos, "cursor advances past filtered records too")

	require.Len(t, bus.batches, 1)
	entries := bus.batches[0]
	require.Len(t, entries, 1)
	assert.Equal(t, "facet.store", entries[0].Source)
	assert.Equal(t, "overdrawn", entries[0].DetailType)
	assert.JSONEq(t, `{"balance":-100}`, string(entries[0].Detail))
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "events", bus.busNames[0])
}

func TestDrain_SkipsEmptyTypeOrPayload(t *testing.T) {
	missingPayload := record.NewOutbound("account", "alice", 1, 0, "overdrawn", nil, testTime)
	missingType := record.NewOutbound("account", "alice", 1, 1, "", json.RawMessage(`{}`), testTime)
	ok := record.NewOutbound("account", "alice", 1, 2, "overdrawn", json.RawMessage(`{}`), testTime)

	src := newFakeSource(missingPayload, missingType, ok)
	bus := &captureBus{}
	r := newTestRelay(t, src, bus)

	_, err := r.Drain(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, bus.batches, 1)
	assert.Len(t, bus.batches[0], 1)
}

func TestDrain_CaughtUp(t *testing.T) {
	src := newFakeSource()
	bus := &captureBus{}
	r := newTestRelay(t, src, bus)

	pos, err := r.Drain(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	assert.Empty(t, bus.batches)
}

func TestDrain_CursorOnlyAfterPublish(t *testing.T) {
	src := newFakeSource(
		record.NewOutbound("account", "alice", 1, 0, "overdrawn", json.RawMessage(`{}`), testTime),
	)
	bus := &captureBus{failures: 2}
	r := newTestRelay(t, src, bus)

	// Two failed attempts, then success; the published batch is the same
	// one, and the cursor lands only once.
	pos, err := r.Drain(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
	assert.Len(t, bus.batches, 1)
	assert.Equal(t, int64(1), src.cursors[cursorName])
}

func TestDrain_ResumesFromCursor(t *testing.T) {
	src := newFakeSource(
		record.NewOutbound("account", "alice", 1, 0, "first", json.RawMessage(`{}`), testTime),
		record.NewOutbound("account", "alice", 2, 0, "second", json.RawMessage(`{}`), testTime),
	)
	bus := &captureBus{}
	r := newTestRelay(t, src, bus)

	pos, err := r.Drain(context.Background(), 0)
	require.NoError(t, err)

	// A new drain from the saved position republishes nothing.
	pos, err = r.Drain(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	require.Len(t, bus.batches, 1)
	assert.Len(t, bus.batches[0], 2)
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := newFakeSource()
	bus := &captureBus{}
	r := newTestRelay(t, src, bus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.wait = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.EventSource = ""
	_, err := New(cfg, newFakeSource(), &captureBus{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.TargetBus = ""
	_, err = New(cfg, newFakeSource(), &captureBus{})
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	t.Setenv("FACET_EVENT_SOURCE", "facet.store")
	t.Setenv("FACET_TARGET_BUS", "events")

	cfg, err := ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, "facet.store", cfg.EventSource)
	assert.Equal(t, "events", cfg.TargetBus)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.PollInterval)
}

func TestParseConfig_MissingRequired(t *testing.T) {
	t.Setenv("FACET_EVENT_SOURCE", "facet.store")
	t.Setenv("FACET_TARGET_BUS", "")

	_, err := ParseConfig()
	assert.Error(t, err)
}
