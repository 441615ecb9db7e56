// Package event defines the messages pushed to case observers.
package event

import (
	"encoding/json"

	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
)

// Type is the message discriminator sent as "type".
type Type string

const (
	// InitialState carries the full record; it is the first message every observer receives.
	InitialState Type = "initial_state"
	// UpdateCompleted carries the fields recognized from one upload.
	UpdateCompleted Type = "update_completed"
	// StateCorrected carries the full record after a manual correction.
	StateCorrected Type = "state_corrected"
)

// Message is one observer notification. Revision is the record revision it reflects.
type Message struct {
	Type         Type
	Revision     int64
	DocumentType document.Type
	Fields       fieldset.FieldSet
	State        caserecord.Record
}

// NewInitialState builds the snapshot message for a new observer.
func NewInitialState(rec caserecord.Record) Message {
	return Message{Type: InitialState, Revision: rec.Revision(), State: rec}
}

// NewUpdateCompleted builds the delta message for one recognized upload.
func NewUpdateCompleted(rec caserecord.Record, t document.Type, fields fieldset.FieldSet) Message {
	return Message{Type: UpdateCompleted, Revision: rec.Revision(), DocumentType: t, Fields: fields.Clone()}
}

// NewStateCorrected builds the full-state message sent after a correction.
func NewStateCorrected(rec caserecord.Record) Message {
	return Message{Type: StateCorrected, Revision: rec.Revision(), State: rec}
}

type deltaWire struct {
	Type         Type              `json:"type"`
	Revision     int64             `json:"revision"`
	DocumentType document.Type     `json:"documentType"`
	Fields       fieldset.FieldSet `json:"fields"`
}

type stateWire struct {
	Type     Type              `json:"type"`
	Revision int64             `json:"revision"`
	State    caserecord.Record `json:"state"`
}

// MarshalJSON encodes deltas as {type, revision, documentType, fields} and
// full-state messages as {type, revision, state}.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == UpdateCompleted {
		fields := m.Fields
		if fields == nil {
			fields = fieldset.FieldSet{}
		}
		return json.Marshal(deltaWire{Type: m.Type, Revision: m.Revision, DocumentType: m.DocumentType, Fields: fields})
	}
	return json.Marshal(stateWire{Type: m.Type, Revision: m.Revision, State: m.State})
}
