package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/event"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
	"github.com/kailas-cloud/casesync/internal/repository/casestate"
)

// --- Mocks ---

type mockRecognizer struct {
	fn func(ctx context.Context, job upload.Job) (fieldset.FieldSet, error)
}

func (m *mockRecognizer) Name() string { return "mock" }

func (m *mockRecognizer) Recognize(ctx context.Context, job upload.Job) (fieldset.FieldSet, error) {
	return m.fn(ctx, job)
}

func returning(fields fieldset.FieldSet) *mockRecognizer {
	return &mockRecognizer{fn: func(context.Context, upload.Job) (fieldset.FieldSet, error) {
		return fields.Clone(), nil
	}}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []event.Message
}

func (p *recordingPublisher) Publish(msg event.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) messages() []event.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Message(nil), p.msgs...)
}

func newResolver() *document.Resolver {
	return document.NewResolver(document.Person, map[string]string{
		"cedula":    "person",
		"propiedad": "vehicle",
		"licencia":  "license",
	})
}

func newService(rec Recognizer) (*Service, *casestate.Store, *recordingPublisher) {
	store := casestate.New()
	pub := &recordingPublisher{}
	return New(newResolver(), rec, store, pub, zap.NewNop()), store, pub
}

func image() []byte { return []byte{0xff, 0xd8, 0xff, 0xe0} }

// --- Upload ---

func TestUpload_MergesAndPublishes(t *testing.T) {
	svc, store, pub := newService(returning(fieldset.FieldSet{"placa": "ABC123", "marca": "MAZDA"}))

	fields, err := svc.Upload(context.Background(), UploadInput{Image: image(), Filename: "p.jpg", Tag: "propiedad"})
	require.NoError(t, err)
	assert.Equal(t, fieldset.FieldSet{"placa": "ABC123", "marca": "MAZDA"}, fields)

	rec := store.Snapshot()
	assert.Equal(t, int64(1), rec.Revision())
	assert.Equal(t, "ABC123", rec.Fields(document.Vehicle)["placa"])
	assert.Empty(t, rec.Fields(document.Person))

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, event.UpdateCompleted, msgs[0].Type)
	assert.Equal(t, document.Vehicle, msgs[0].DocumentType)
	assert.Equal(t, int64(1), msgs[0].Revision)
	assert.Equal(t, "MAZDA", msgs[0].Fields["marca"])
}

func TestUpload_DefaultType(t *testing.T) {
	svc, store, _ := newService(returning(fieldset.FieldSet{"nombre": "ANA"}))

	_, err := svc.Upload(context.Background(), UploadInput{Image: image()})
	require.NoError(t, err)
	assert.Equal(t, "ANA", store.Snapshot().Fields(document.Person)["nombre"])
}

func TestUpload_PassesResolvedTypeToRecognizer(t *testing.T) {
	var got document.Type
	rec := &mockRecognizer{fn: func(_ context.Context, job upload.Job) (fieldset.FieldSet, error) {
		got = job.DocumentType()
		return fieldset.FieldSet{}, nil
	}}
	svc, _, _ := newService(rec)

	_, err := svc.Upload(context.Background(), UploadInput{Image: image(), Tag: "Licencia"})
	require.NoError(t, err)
	assert.Equal(t, document.License, got)
}

func TestUpload_UnknownTagGetsOwnBucket(t *testing.T) {
	svc, store, _ := newService(returning(fieldset.FieldSet{"poliza": "123"}))

	_, err := svc.Upload(context.Background(), UploadInput{Image: image(), Tag: "soat"})
	require.NoError(t, err)
	assert.Equal(t, "123", store.Snapshot().Fields(document.Type("soat"))["poliza"])
}

func TestUpload_LaterValuesWin(t *testing.T) {
	results := []fieldset.FieldSet{
		{"nombre": "ANA", "numero": "1", "sexo": "F"},
		{"numero": "2", "sexo": ""},
	}
	call := 0
	rec := &mockRecognizer{fn: func(context.Context, upload.Job) (fieldset.FieldSet, error) {
		out := results[call]
		call++
		return out, nil
	}}
	svc, store, _ := newService(rec)

	for range results {
		_, err := svc.Upload(context.Background(), UploadInput{Image: image(), Tag: "person"})
		require.NoError(t, err)
	}

	got := store.Snapshot().Fields(document.Person)
	assert.Equal(t, fieldset.FieldSet{"nombre": "ANA", "numero": "2", "sexo": ""}, got)
}

func TestUpload_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   UploadInput
	}{
		{"no image", UploadInput{Tag: "person"}},
		{"unreadable tag", UploadInput{Image: image(), Tag: "bad tag!"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			rec := &mockRecognizer{fn: func(context.Context, upload.Job) (fieldset.FieldSet, error) {
				called = true
				return nil, nil
			}}
			svc, store, pub := newService(rec)

			_, err := svc.Upload(context.Background(), tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.False(t, called, "recognizer must not run for invalid input")
			assert.Equal(t, int64(0), store.Revision())
			assert.Empty(t, pub.messages())
		})
	}
}

func TestUpload_RecognitionFailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"failed", &domain.RecognitionFailure{Engine: "mock", ExitCode: 1, Details: "boom"}, domain.ErrRecognitionFailed},
		{"timeout", &domain.RecognitionFailure{Engine: "mock", TimedOut: true}, domain.ErrRecognitionTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &mockRecognizer{fn: func(context.Context, upload.Job) (fieldset.FieldSet, error) {
				return nil, tc.err
			}}
			svc, store, pub := newService(rec)
			store.Merge(document.Person, fieldset.FieldSet{"nombre": "ANA"}, nil)

			_, err := svc.Upload(context.Background(), UploadInput{Image: image(), Tag: "person"})
			assert.ErrorIs(t, err, tc.wantErr)

			var failure *domain.RecognitionFailure
			assert.True(t, errors.As(err, &failure))

			snap := store.Snapshot()
			assert.Equal(t, int64(1), snap.Revision())
			assert.Equal(t, fieldset.FieldSet{"nombre": "ANA"}, snap.Fields(document.Person))
			assert.Empty(t, pub.messages())
		})
	}
}

func TestUpload_ConcurrentUploadsLoseNothing(t *testing.T) {
	rec := &mockRecognizer{fn: func(_ context.Context, job upload.Job) (fieldset.FieldSet, error) {
		return fieldset.FieldSet{"job_" + job.Filename(): job.Filename()}, nil
	}}
	svc, store, pub := newService(rec)

	const n = 50
	tags := []string{"vehicle", "person", "license"}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Upload(context.Background(), UploadInput{
				Image:    image(),
				Filename: fmt.Sprint(i),
				Tag:      tags[i%len(tags)],
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := store.Snapshot()
	assert.Equal(t, int64(n), snap.Revision())
	total := 0
	for _, dt := range document.Known() {
		total += len(snap.Fields(dt))
	}
	assert.Equal(t, n, total)

	msgs := pub.messages()
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Revision, "publish order must follow commit order")
	}
}

func TestUpload_RecognitionDoesNotBlockOtherMerges(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	rec := &mockRecognizer{fn: func(context.Context, upload.Job) (fieldset.FieldSet, error) {
		close(started)
		<-release
		return fieldset.FieldSet{"placa": "XYZ"}, nil
	}}
	svc, store, _ := newService(rec)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Upload(context.Background(), UploadInput{Image: image(), Tag: "vehicle"})
		done <- err
	}()
	<-started

	_, err := svc.Correct(context.Background(), map[string]fieldset.FieldSet{"person": {"nombre": "ANA"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.Revision())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upload did not finish")
	}
	assert.Equal(t, int64(2), store.Revision())
}

// --- Correct ---

func TestCorrect_MultipleTypesOneRevision(t *testing.T) {
	svc, store, pub := newService(returning(nil))
	store.Merge(document.Vehicle, fieldset.FieldSet{"placa": "ABC123", "color": "ROJO"}, nil)

	rec, err := svc.Correct(context.Background(), map[string]fieldset.FieldSet{
		"vehicle": {"color": "AZUL"},
		"cedula":  {"nombre": "ANA"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Revision())
	assert.Equal(t, fieldset.FieldSet{"placa": "ABC123", "color": "AZUL"}, rec.Fields(document.Vehicle))
	assert.Equal(t, "ANA", rec.Fields(document.Person)["nombre"])

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, event.StateCorrected, msgs[0].Type)
	assert.Equal(t, int64(2), msgs[0].Revision)
	assert.Equal(t, "AZUL", msgs[0].State.Fields(document.Vehicle)["color"])
}

func TestCorrect_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]fieldset.FieldSet
	}{
		{"empty", map[string]fieldset.FieldSet{}},
		{"nil", nil},
		{"blank key", map[string]fieldset.FieldSet{"": {"a": "1"}}},
		{"unreadable key", map[string]fieldset.FieldSet{"person": {"a": "1"}, "no good": {"b": "2"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, pub := newService(returning(nil))

			_, err := svc.Correct(context.Background(), tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, int64(0), store.Revision())
			assert.Empty(t, pub.messages())
		})
	}
}

func TestSnapshot(t *testing.T) {
	svc, store, _ := newService(returning(nil))
	store.Merge(document.License, fieldset.FieldSet{"categoria": "B1"}, nil)

	snap := svc.Snapshot()
	assert.Equal(t, int64(1), snap.Revision())
	assert.Equal(t, "B1", snap.Fields(document.License)["categoria"])
}

func TestTypeLabel(t *testing.T) {
	assert.Equal(t, "vehicle", typeLabel(document.Vehicle))
	assert.Equal(t, "other", typeLabel(document.Type("pasaporte")))
}
