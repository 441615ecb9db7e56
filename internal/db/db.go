package db

import (
	"context"
	"time"
)

// Store is the database facade used by the event journal.
type Store interface {
	Pinger
	StreamStore
	Publisher
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StreamEntry is one append to a capped stream.
type StreamEntry struct {
	Stream string
	// MaxLen caps the stream approximately (MAXLEN ~). Zero disables trimming.
	MaxLen int64
	Fields map[string]string
}

// StreamStore appends entries to streams.
type StreamStore interface {
	XAdd(ctx context.Context, e StreamEntry) (id string, err error)
}

// Publisher sends fire-and-forget pub/sub messages.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg []byte) (receivers int64, err error)
}
