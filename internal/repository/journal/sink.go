// Package journal mirrors observer messages into a capped Valkey stream and a pub/sub channel.
package journal

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/db"
	"github.com/kailas-cloud/casesync/internal/metrics"
)

// store is the consumer interface for the journal (ISP).
type store interface {
	XAdd(ctx context.Context, e db.StreamEntry) (string, error)
	Publish(ctx context.Context, channel string, msg []byte) (int64, error)
}

// Config holds journal destinations.
type Config struct {
	Stream  string
	Channel string
	MaxLen  int64
}

// Sink is an observer transport that appends every message to the journal.
// Journal failures are logged and counted but never reported to the broadcaster,
// so an unavailable store cannot get the sink dropped on write errors.
type Sink struct {
	store   store
	stream  string
	channel string
	maxLen  int64
	logger  *zap.Logger
}

// New creates a journal sink.
func New(s store, cfg Config, logger *zap.Logger) *Sink {
	return &Sink{
		store:   s,
		stream:  cfg.Stream,
		channel: cfg.Channel,
		maxLen:  cfg.MaxLen,
		logger:  logger,
	}
}

type header struct {
	Type     string `json:"type"`
	Revision int64  `json:"revision"`
}

// WriteMessage appends msg to the stream, then publishes it on the channel.
func (s *Sink) WriteMessage(ctx context.Context, msg []byte) error {
	var h header
	if err := json.Unmarshal(msg, &h); err != nil {
		s.logger.Warn("Journal skipped undecodable message", zap.Error(err))
		metrics.JournalWritesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	log := s.logger.With(zap.String("type", h.Type), zap.Int64("revision", h.Revision))

	if s.stream != "" {
		_, err := s.store.XAdd(ctx, db.StreamEntry{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Fields: map[string]string{
				"type":     h.Type,
				"revision": strconv.FormatInt(h.Revision, 10),
				"payload":  string(msg),
			},
		})
		if err != nil {
			metrics.JournalWritesTotal.WithLabelValues("error").Inc()
			log.Warn("Journal append failed", zap.String("stream", s.stream), zap.Error(err))
			return nil
		}
	}

	if s.channel != "" {
		if _, err := s.store.Publish(ctx, s.channel, msg); err != nil {
			metrics.JournalWritesTotal.WithLabelValues("error").Inc()
			log.Warn("Journal publish failed", zap.String("channel", s.channel), zap.Error(err))
			return nil
		}
	}

	metrics.JournalWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close is a no-op; the underlying store is owned by the caller.
func (s *Sink) Close() error { return nil }
