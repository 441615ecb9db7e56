// Package ingest drives an upload through recognition, merge and broadcast, and applies manual corrections.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/event"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
	"github.com/kailas-cloud/casesync/internal/logger"
	"github.com/kailas-cloud/casesync/internal/metrics"
)

// Upload outcomes reported in metrics.
const (
	outcomeMerged  = "merged"
	outcomeInvalid = "invalid"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

// Merge sources reported in metrics.
const (
	sourceRecognition = "recognition"
	sourceCorrection  = "correction"
)

// UploadInput is one image submission.
type UploadInput struct {
	Image       []byte
	Filename    string
	ContentType string
	// Tag is the client-supplied document type; empty selects the default type.
	Tag string
}

// Service orchestrates uploads and corrections against the case record.
type Service struct {
	resolver   *document.Resolver
	recognizer Recognizer
	store      Store
	publisher  Publisher
	logger     *zap.Logger
}

// New creates an ingestion service.
func New(resolver *document.Resolver, recognizer Recognizer, store Store, publisher Publisher, log *zap.Logger) *Service {
	return &Service{
		resolver:   resolver,
		recognizer: recognizer,
		store:      store,
		publisher:  publisher,
		logger:     log,
	}
}

// Upload recognizes the image and merges the result into the bucket for its document
// type. Recognition runs without holding the record; merge and broadcast happen as one
// step. A failed recognition leaves the record and the observers untouched.
func (s *Service) Upload(ctx context.Context, in UploadInput) (fieldset.FieldSet, error) {
	log := logger.FromContext(ctx, s.logger)

	docType, err := s.resolver.Resolve(in.Tag)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("unknown", outcomeInvalid).Inc()
		return nil, err
	}

	job, err := upload.NewJob(in.Image, in.Filename, in.ContentType, docType)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(typeLabel(docType), outcomeInvalid).Inc()
		return nil, err
	}

	log = log.With(
		zap.String("job_id", job.ID()),
		zap.String("document_type", string(docType)),
		zap.String("engine", s.recognizer.Name()),
	)
	log.Info("Upload received",
		zap.String("filename", in.Filename),
		zap.Int("bytes", len(in.Image)),
	)

	start := time.Now()
	fields, err := s.recognizer.Recognize(ctx, job)
	if err != nil {
		outcome := outcomeFailed
		if errors.Is(err, domain.ErrRecognitionTimeout) {
			outcome = outcomeTimeout
		}
		metrics.UploadsTotal.WithLabelValues(typeLabel(docType), outcome).Inc()
		log.Warn("Recognition failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return nil, fmt.Errorf("recognize %s: %w", docType, err)
	}
	log.Info("Recognition completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("fields", len(fields)),
	)

	rec := s.store.Merge(docType, fields, func(rec caserecord.Record) {
		s.publisher.Publish(event.NewUpdateCompleted(rec, docType, fields))
	})

	metrics.MergesTotal.WithLabelValues(typeLabel(docType), sourceRecognition).Inc()
	metrics.UploadsTotal.WithLabelValues(typeLabel(docType), outcomeMerged).Inc()
	log.Info("Upload merged", zap.Int64("revision", rec.Revision()))

	return fields.Clone(), nil
}

// Correct merges manually supplied fields into one or more buckets as a single
// revision and broadcasts the full record. Keys are document type tags.
func (s *Service) Correct(ctx context.Context, corrections map[string]fieldset.FieldSet) (caserecord.Record, error) {
	if len(corrections) == 0 {
		return caserecord.Record{}, domain.InvalidInput("at least one document type must be provided")
	}

	updates := make(map[document.Type]fieldset.FieldSet, len(corrections))
	for tag, fields := range corrections {
		if tag == "" {
			return caserecord.Record{}, domain.InvalidInput("document type must not be empty")
		}
		t, err := s.resolver.Resolve(tag)
		if err != nil {
			return caserecord.Record{}, err
		}
		merged, ok := updates[t]
		if !ok {
			merged = fieldset.FieldSet{}
			updates[t] = merged
		}
		fieldset.MergeInto(merged, fields)
	}

	rec := s.store.MergeAll(updates, func(rec caserecord.Record) {
		s.publisher.Publish(event.NewStateCorrected(rec))
	})

	types := make([]string, 0, len(updates))
	for t := range updates {
		metrics.MergesTotal.WithLabelValues(typeLabel(t), sourceCorrection).Inc()
		types = append(types, string(t))
	}
	sort.Strings(types)

	logger.FromContext(ctx, s.logger).Info("Correction applied",
		zap.Strings("document_types", types),
		zap.Int64("revision", rec.Revision()),
	)
	return rec, nil
}

// Snapshot returns the current case record.
func (s *Service) Snapshot() caserecord.Record {
	return s.store.Snapshot()
}

// typeLabel bounds metric label cardinality: unrecognized tags share one label.
func typeLabel(t document.Type) string {
	if t.IsKnown() {
		return t.String()
	}
	return "other"
}
