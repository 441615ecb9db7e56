package ingest

import (
	"context"

	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/event"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
)

// Recognizer extracts fields from one uploaded image.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, job upload.Job) (fieldset.FieldSet, error)
}

// Store is the case record. Commit hooks run before any other merge can land.
type Store interface {
	Snapshot() caserecord.Record
	Merge(t document.Type, in fieldset.FieldSet, commit func(rec caserecord.Record)) caserecord.Record
	MergeAll(updates map[document.Type]fieldset.FieldSet, commit func(rec caserecord.Record)) caserecord.Record
}

// Publisher pushes a message to every observer without blocking.
type Publisher interface {
	Publish(msg event.Message)
}
