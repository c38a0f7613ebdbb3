// Package stream implements the broker-side stream consumer: glob-based
// stream discovery, consumer-group creation, blocking multi-stream reads,
// envelope extraction, and deferred acknowledgement tied to batch commit.
package stream

import (
	"context"
	"errors"
	"log"
	"path"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/anchorline/cdc-agent/pkg/batch"
	"github.com/anchorline/cdc-agent/pkg/change"
)

// ErrBrokerUnavailable wraps any error encountered talking to the broker
// that should trigger the §4.5 indefinite reconnect-with-backoff policy.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// EntryValueField is the well-known broker entry field carrying the CDC
// envelope (§6).
const EntryValueField = "value"

// Config configures stream discovery, consumer-group identity, and the
// blocking read timeout.
type Config struct {
	Pattern       string        // glob, e.g. "etrap.public.*"
	ConsumerGroup string
	ConsumerName  string
	ReadTimeout   time.Duration // idle_timeout (§4.4)
	ReconnectMin  time.Duration // defaults to 1s
	ReconnectMax  time.Duration // defaults to 30s
}

// Read is one decoded broker entry, paired with its originating stream and
// entry id so it can be acknowledged later.
type Read struct {
	StreamName string
	EntryID    string
	Event      change.Event
}

// Consumer discovers and reads CDC streams from a Redis broker using
// consumer-group semantics (XGROUP CREATE / XREADGROUP / XACK).
type Consumer struct {
	client *redis.Client
	cfg    Config
	logger *log.Logger

	knownStreams map[string]bool
}

// NewConsumer returns a Consumer bound to an already-configured Redis
// client. Stream discovery and group creation happen lazily on the first
// ReadBatch call (and again after every reconnect).
func NewConsumer(client *redis.Client, cfg Config, logger *log.Logger) *Consumer {
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[stream] ", log.LstdFlags)
	}
	return &Consumer{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		knownStreams: make(map[string]bool),
	}
}

// discover lists streams matching the configured glob and ensures the
// consumer group exists on each (idempotent: BUSYGROUP is not an error).
// Re-discovery happens on every call so newly-created tables are picked up
// without a restart.
func (c *Consumer) discover(ctx context.Context) ([]string, error) {
	var names []string
	iter := c.client.Scan(ctx, 0, c.cfg.Pattern, 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)

	for _, name := range names {
		if c.knownStreams[name] {
			continue
		}
		err := c.client.XGroupCreateMkStream(ctx, name, c.cfg.ConsumerGroup, "0").Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			// BUSYGROUP means the group already exists on this stream —
			// expected on every restart against a previously-seen stream.
			if err.Error() != "BUSYGROUP Consumer Group name already exists" {
				return nil, err
			}
		}
		c.knownStreams[name] = true
	}
	return names, nil
}

// ReadBatch blocks for up to cfg.ReadTimeout across all discovered
// streams and returns the decoded entries read, or an empty slice if the
// read timed out with nothing available. MalformedEvent entries are
// logged, acknowledged immediately (so they are not redelivered forever),
// and excluded from the returned slice — a single bad envelope must never
// stall an otherwise-healthy buffer.
func (c *Consumer) ReadBatch(ctx context.Context) ([]Read, error) {
	streams, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		time.Sleep(c.cfg.ReadTimeout)
		return nil, nil
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		Streams:  args,
		Block:    c.cfg.ReadTimeout,
		Count:    0,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Read
	for _, stream := range res {
		db, table := splitStreamName(stream.Stream)
		for _, msg := range stream.Messages {
			raw, ok := msg.Values[EntryValueField]
			var rawBytes []byte
			if ok {
				if s, isStr := raw.(string); isStr {
					rawBytes = []byte(s)
				}
			}
			ev, err := change.ParseEnvelope(stream.Stream, msg.ID, rawBytes)
			if err != nil {
				c.logger.Printf("malformed event on %s entry %s: %v", stream.Stream, msg.ID, err)
				c.client.XAck(ctx, stream.Stream, c.cfg.ConsumerGroup, msg.ID)
				continue
			}
			ev.Database, ev.Table = coalesce(ev.Database, db), coalesce(ev.Table, table)
			out = append(out, Read{StreamName: stream.Stream, EntryID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

func coalesce(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// splitStreamName splits a "<prefix>.<schema>.<table>" stream name at its
// last dot into ("<prefix>.<schema>", "<table>"). ReadBatch uses the pair
// only as a fallback for an empty source.db/source.table, which
// change.ParseEnvelope already rejects as malformed, so parsed events
// always keep the envelope's own values.
func splitStreamName(name string) (db, table string) {
	parts := path.Base(name)
	idx := -1
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == '.' {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", name
	}
	return parts[:idx], parts[idx+1:]
}

// Ack acknowledges the given entries against the consumer group. Called by
// the orchestrator only after the batch they fed has fully committed
// (object-store upload + mint).
func (c *Consumer) Ack(ctx context.Context, entries []batch.EntryRef) error {
	for _, e := range entries {
		if err := c.client.XAck(ctx, e.StreamName, c.cfg.ConsumerGroup, e.EntryID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect rebuilds the client's connection with exponential backoff
// (initial 1s, cap 30s), retrying indefinitely until ctx is cancelled or
// the ping succeeds. Re-discovery is forced on the next ReadBatch by
// clearing knownStreams.
func (c *Consumer) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0 // indefinite, per §4.5

	op := func() error {
		if err := c.client.Ping(ctx).Err(); err != nil {
			c.logger.Printf("broker ping failed, retrying: %v", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	c.knownStreams = make(map[string]bool)
	return nil
}
