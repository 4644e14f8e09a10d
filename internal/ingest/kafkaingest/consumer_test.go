package kafkaingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/tracker"
)

var day = time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 64)}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

// committedOffset returns the highest committed offset of partition, or -1.
func (f *fakeReader) committedOffset(partition int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(-1)
	for _, m := range f.committed {
		if m.Partition == partition && m.Offset > off {
			off = m.Offset
		}
	}
	return off
}

func (f *fakeReader) send(t *testing.T, partition int, offset int64, v any) {
	t.Helper()
	var value []byte
	switch v := v.(type) {
	case string:
		value = []byte(v)
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		value = b
	}
	f.msgs <- kafka.Message{Partition: partition, Offset: offset, Value: value}
}

func newTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(day.Add(18 * time.Hour)).MustWait(context.Background())
	s := tracker.DefaultSettings()
	s.SkewWindow = 0
	return tracker.New(ledger.NewMemStore(), s,
		tracker.WithClock(clock),
		tracker.WithIDGenerator(engine.NewSequenceGenerator("s")))
}

func event(src string, hour, min int) normalize.RawEvent {
	return normalize.RawEvent{
		SubjectID: "alice",
		Source:    src,
		Timestamp: day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute),
		OriginID:  "laptop",
	}
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		require.NoError(t, <-done)
	}
}

func TestConsumer_ReordersAndCommits(t *testing.T) {
	tr := newTracker(t)
	reader := newFakeReader()
	c := New(reader, tr, WithReorder(time.Minute, 16), WithIdleFlush(20*time.Millisecond))
	stop := runConsumer(t, c)

	// The logout arrives first; the reorder window puts the login ahead.
	reader.send(t, 0, 0, event("USER_LOGOUT", 9, 30))
	reader.send(t, 0, 1, event("USER_LOGIN", 9, 0))

	require.Eventually(t, func() bool { return reader.committedOffset(0) == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	sessions, err := tr.ListSessions(context.Background(), ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ir.StateClosed, sessions[0].State)
	assert.Equal(t, 30*time.Minute, sessions[0].Duration())
}

func TestConsumer_SkipsInvalidMessages(t *testing.T) {
	tr := newTracker(t)
	reader := newFakeReader()
	c := New(reader, tr, WithReorder(0, 0), WithIdleFlush(20*time.Millisecond))
	stop := runConsumer(t, c)

	reader.send(t, 0, 0, "not json")
	reader.send(t, 0, 1, event("USER_SLEEP", 9, 0))
	reader.send(t, 0, 2, event("USER_LOGIN", 9, 0))

	require.Eventually(t, func() bool { return reader.committedOffset(0) == 2 }, 5*time.Second, 5*time.Millisecond)
	stop()

	sessions, err := tr.ListSessions(context.Background(), ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsOpen())
}

// flakyApplier fails the first n Apply calls with STORE_UNAVAILABLE.
type flakyApplier struct {
	*tracker.Tracker
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyApplier) Apply(ctx context.Context, ev ir.PresenceEvent) (tracker.IngestResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return tracker.IngestResult{}, ir.NewStoreUnavailable("commit", errors.New("database is locked"))
	}
	return f.Tracker.Apply(ctx, ev)
}

func TestConsumer_RetriesStoreFailures(t *testing.T) {
	applier := &flakyApplier{Tracker: newTracker(t), failures: 2}
	reader := newFakeReader()
	c := New(reader, applier,
		WithReorder(0, 0),
		WithIdleFlush(20*time.Millisecond),
		WithRetryBackoff(time.Millisecond))
	stop := runConsumer(t, c)

	reader.send(t, 0, 0, event("USER_LOGIN", 9, 0))

	require.Eventually(t, func() bool { return reader.committedOffset(0) == 0 }, 5*time.Second, 5*time.Millisecond)
	stop()

	applier.mu.Lock()
	assert.Equal(t, 3, applier.calls)
	applier.mu.Unlock()
}

func TestConsumer_DoesNotCommitPastHeldEvents(t *testing.T) {
	tr := newTracker(t)
	reader := newFakeReader()
	// An hour-long window and no idle flush keep the login held.
	c := New(reader, tr, WithReorder(time.Hour, 16), WithIdleFlush(time.Hour))
	stop := runConsumer(t, c)

	reader.send(t, 0, 0, event("USER_LOGIN", 9, 0))
	reader.send(t, 0, 1, "garbage")
	reader.send(t, 1, 0, "garbage")

	require.Eventually(t, func() bool { return reader.committedOffset(1) == 0 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int64(-1), reader.committedOffset(0), "offset 1 waits for the held offset 0")
}

func TestOffsets_Ready(t *testing.T) {
	o := newOffsets()
	a := o.add(kafka.Message{Partition: 0, Offset: 10})
	b := o.add(kafka.Message{Partition: 0, Offset: 11})
	c := o.add(kafka.Message{Partition: 1, Offset: 3})

	assert.Empty(t, o.ready())

	b.done = true
	c.done = true
	got := o.ready()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Partition)

	a.done = true
	got = o.ready()
	require.Len(t, got, 1)
	assert.Equal(t, int64(11), got[0].Offset)
	assert.Zero(t, o.pendingCount())
}

func TestNewReader_Validates(t *testing.T) {
	_, err := NewReader(ReaderConfig{Topic: "t", GroupID: "g"})
	assert.Error(t, err)
	_, err = NewReader(ReaderConfig{Brokers: []string{"k:9092"}, GroupID: "g"})
	assert.Error(t, err)
	_, err = NewReader(ReaderConfig{Brokers: []string{"k:9092"}, Topic: "t"})
	assert.Error(t, err)
}
