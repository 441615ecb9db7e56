package broadcast

import (
	"context"

	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
)

// Conn is an observer transport. WriteMessage delivers one encoded message;
// Close releases the transport and makes pending and future writes fail.
type Conn interface {
	WriteMessage(ctx context.Context, msg []byte) error
	Close() error
}

// SnapshotSource takes a record snapshot and runs hook with it atomically with respect to merges.
type SnapshotSource interface {
	SnapshotThen(hook func(rec caserecord.Record)) caserecord.Record
}
