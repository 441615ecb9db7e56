// Package casestate owns the single in-memory case record of the process.
package casestate

import (
	"sync"

	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
)

// CommitHook observes a record view while the store is still locked.
// Hooks must not block and must not call back into the Store.
type CommitHook = func(rec caserecord.Record)

// Store is the sole mutation point of the case record. Every merge is applied
// under one mutex, so concurrent merges never interleave field by field.
type Store struct {
	mu       sync.Mutex
	revision int64
	buckets  map[document.Type]fieldset.FieldSet
}

// New creates an empty store.
func New() *Store {
	buckets := make(map[document.Type]fieldset.FieldSet, 3)
	for _, t := range document.Known() {
		buckets[t] = fieldset.FieldSet{}
	}
	return &Store{buckets: buckets}
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() caserecord.Record {
	return s.SnapshotThen(nil)
}

// SnapshotThen returns a copy of the current record and runs hook with it before
// releasing the lock, so no merge can land between the copy and the hook.
func (s *Store) SnapshotThen(hook CommitHook) caserecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.viewLocked()
	if hook != nil {
		hook(rec)
	}
	return rec
}

// Merge overlays in onto the bucket for t and returns the resulting record.
// A non-nil commit hook sees the post-merge record before any other merge can run.
func (s *Store) Merge(t document.Type, in fieldset.FieldSet, commit CommitHook) caserecord.Record {
	return s.MergeAll(map[document.Type]fieldset.FieldSet{t: in}, commit)
}

// MergeAll applies several bucket merges as one atomic step with one revision bump.
func (s *Store) MergeAll(updates map[document.Type]fieldset.FieldSet, commit CommitHook) caserecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t, in := range updates {
		dst, ok := s.buckets[t]
		if !ok {
			dst = fieldset.FieldSet{}
			s.buckets[t] = dst
		}
		fieldset.MergeInto(dst, in)
	}
	s.revision++

	rec := s.viewLocked()
	if commit != nil {
		commit(rec)
	}
	return rec
}

// Revision returns the number of merges applied so far.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) viewLocked() caserecord.Record {
	return caserecord.New(s.revision, s.buckets)
}
