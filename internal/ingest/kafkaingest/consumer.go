// Package kafkaingest feeds presence events from a Kafka topic into the
// tracker.
//
// Messages carry one JSON presence event each. Events pass through a
// reorder window before they are applied, and an offset is committed only
// once every earlier message of its partition has been applied or skipped.
package kafkaingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/segmentio/kafka-go"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/tracker"
)

const (
	DefaultReorderWindow = 2 * time.Second
	DefaultReorderMax    = 1024
	DefaultIdleFlush     = time.Second
	DefaultRetryBackoff  = 500 * time.Millisecond
	maxRetryBackoff      = 30 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Applier normalizes and applies events. Implemented by tracker.Tracker.
type Applier interface {
	Normalize(raw normalize.RawEvent) (ir.PresenceEvent, error)
	Apply(ctx context.Context, ev ir.PresenceEvent) (tracker.IngestResult, error)
}

// Recorder observes consumer progress. Implemented by metrics.Metrics.
type Recorder interface {
	MessageConsumed(result string)
	ReorderBuffered(n int)
}

// ReaderConfig configures NewReader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a consumer-group reader that starts from the earliest
// uncommitted offset.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	}), nil
}

// Consumer moves messages from a reader into an Applier.
type Consumer struct {
	reader   MessageReader
	applier  Applier
	reorder  *engine.Reorderer
	offsets  *offsets
	held     map[int64]*pending
	idle     time.Duration
	backoff  time.Duration
	clock    quartz.Clock
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithReorder sets the reorder window and the maximum number of held events.
func WithReorder(window time.Duration, maxSize int) Option {
	return func(c *Consumer) { c.reorder = engine.NewReorderer(window, maxSize) }
}

// WithIdleFlush releases held events when no message arrives for d.
func WithIdleFlush(d time.Duration) Option { return func(c *Consumer) { c.idle = d } }

// WithRetryBackoff sets the first delay before re-applying an event after
// a store failure. The delay doubles up to 30s.
func WithRetryBackoff(d time.Duration) Option { return func(c *Consumer) { c.backoff = d } }

// WithClock sets the clock used for retry delays.
func WithClock(clk quartz.Clock) Option { return func(c *Consumer) { c.clock = clk } }

// WithRecorder registers a progress recorder.
func WithRecorder(r Recorder) Option { return func(c *Consumer) { c.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Consumer) { c.logger = l } }

// New creates a Consumer.
func New(r MessageReader, a Applier, opts ...Option) *Consumer {
	c := &Consumer{
		reader:  r,
		applier: a,
		reorder: engine.NewReorderer(DefaultReorderWindow, DefaultReorderMax),
		offsets: newOffsets(),
		held:    make(map[int64]*pending),
		idle:    DefaultIdleFlush,
		backoff: DefaultRetryBackoff,
		clock:   quartz.NewReal(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled, which returns nil. Events still
// held in the reorder window at shutdown are not committed and will be
// redelivered. Fetch and commit failures are returned.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started")
	defer func() {
		c.logger.Info("kafka consumer stopped", "uncommitted", c.offsets.pendingCount())
	}()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.idle)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if err := c.apply(ctx, c.reorder.Flush()); err != nil {
				return ignoreCanceled(ctx, err)
			}
		case err != nil:
			return fmt.Errorf("fetch message: %w", err)
		default:
			if err := c.handle(ctx, msg); err != nil {
				return ignoreCanceled(ctx, err)
			}
		}

		c.report()
		if err := c.commit(ctx); err != nil {
			return ignoreCanceled(ctx, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	p := c.offsets.add(msg)

	var raw normalize.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		c.skip(p, msg, "decode", err)
		return nil
	}
	ev, err := c.applier.Normalize(raw)
	if err != nil {
		c.skip(p, msg, "normalize", err)
		return nil
	}

	c.held[ev.IngestSeq] = p
	return c.apply(ctx, c.reorder.Push(ev))
}

func (c *Consumer) skip(p *pending, msg kafka.Message, stage string, err error) {
	p.done = true
	c.record("invalid")
	c.logger.Warn("skipping invalid message",
		"stage", stage,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", err,
	)
}

// apply applies released events in order, retrying store failures until
// they succeed or ctx ends.
func (c *Consumer) apply(ctx context.Context, events []ir.PresenceEvent) error {
	for _, ev := range events {
		if err := c.applyOne(ctx, ev); err != nil {
			return err
		}
		if p, ok := c.held[ev.IngestSeq]; ok {
			p.done = true
			delete(c.held, ev.IngestSeq)
		}
	}
	return nil
}

func (c *Consumer) applyOne(ctx context.Context, ev ir.PresenceEvent) error {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		res, err := c.applier.Apply(ctx, ev)
		switch {
		case err == nil:
			c.record("applied")
			if res.Anomaly != "" {
				c.logger.Debug("anomalous event from kafka", "event_id", ev.ID, "anomaly", string(res.Anomaly))
			}
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case ir.IsStoreUnavailable(err):
			c.logger.Warn("store unavailable, retrying event",
				"event_id", ev.ID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, maxRetryBackoff)
		default:
			c.record("failed")
			c.logger.Error("event rejected, skipping",
				"event_id", ev.ID,
				"key", ev.Key().String(),
				"error", err,
			)
			return nil
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.NewTimer(d, "kafkaingest", "retry")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Consumer) commit(ctx context.Context) error {
	msgs := c.offsets.ready()
	if len(msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (c *Consumer) record(result string) {
	if c.recorder != nil {
		c.recorder.MessageConsumed(result)
	}
}

func (c *Consumer) report() {
	if c.recorder != nil {
		c.recorder.ReorderBuffered(c.reorder.Len())
	}
}

func ignoreCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
