// Package caserecord holds the shared aggregate of field sets across document types.
package caserecord

import (
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
)

// Record is an immutable view of the case: one FieldSet per document type plus a revision
// counter bumped on every merge. The built-in document types are always present.
type Record struct {
	revision int64
	buckets  map[document.Type]fieldset.FieldSet
}

// New builds a record from buckets. The buckets are copied.
func New(revision int64, buckets map[document.Type]fieldset.FieldSet) Record {
	r := Record{
		revision: revision,
		buckets:  make(map[document.Type]fieldset.FieldSet, len(buckets)+3),
	}
	for _, t := range document.Known() {
		r.buckets[t] = fieldset.FieldSet{}
	}
	for t, fs := range buckets {
		r.buckets[t] = fs.Clone()
	}
	return r
}

// Empty returns the record state at process start.
func Empty() Record { return New(0, nil) }

// Revision returns the number of merges applied before this view was taken.
func (r Record) Revision() int64 { return r.revision }

// Fields returns a copy of the field set stored for t (empty when absent).
func (r Record) Fields(t document.Type) fieldset.FieldSet {
	return r.buckets[t].Clone()
}

// Types returns the document types present in the record.
func (r Record) Types() []document.Type {
	out := make([]document.Type, 0, len(r.buckets))
	for t := range r.buckets {
		out = append(out, t)
	}
	return out
}

// Buckets returns a deep copy of every bucket.
func (r Record) Buckets() map[document.Type]fieldset.FieldSet {
	out := make(map[document.Type]fieldset.FieldSet, len(r.buckets))
	for t, fs := range r.buckets {
		out[t] = fs.Clone()
	}
	return out
}

// MarshalJSON encodes the record as {"<type>": {field: value}, ...}.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]fieldset.FieldSet, len(r.buckets))
	for t, fs := range r.buckets {
		if fs == nil {
			fs = fieldset.FieldSet{}
		}
		out[string(t)] = fs
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal case record: %w", err)
	}
	return b, nil
}
