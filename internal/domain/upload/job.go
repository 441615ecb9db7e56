// Package upload models a single image submitted for recognition.
package upload

import (
	"github.com/google/uuid"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/document"
)

// Job is one image plus its document type. It lives only for the duration of a
// recognition call; its only durable effect is a merge into the case record.
type Job struct {
	id           string
	image        []byte
	filename     string
	contentType  string
	documentType document.Type
}

// NewJob validates the payload and assigns a correlation ID.
func NewJob(image []byte, filename, contentType string, t document.Type) (Job, error) {
	if len(image) == 0 {
		return Job{}, domain.InvalidInput("image is empty")
	}
	if t == "" {
		return Job{}, domain.InvalidInput("document type is required")
	}
	return Job{
		id:           uuid.NewString(),
		image:        image,
		filename:     filename,
		contentType:  contentType,
		documentType: t,
	}, nil
}

// ID returns the correlation identifier.
func (j Job) ID() string { return j.id }

// Image returns the raw image bytes.
func (j Job) Image() []byte { return j.image }

// Filename returns the client-supplied file name, possibly empty.
func (j Job) Filename() string { return j.filename }

// ContentType returns the client-supplied MIME type, possibly empty.
func (j Job) ContentType() string { return j.contentType }

// DocumentType returns the resolved document type hint.
func (j Job) DocumentType() document.Type { return j.documentType }
