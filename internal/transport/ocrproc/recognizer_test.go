package ocrproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
	"github.com/kailas-cloud/casesync/internal/repository/staging"
)

// newScriptRecognizer runs script via sh; $1 is the staged image path and $2 the document type.
func newScriptRecognizer(t *testing.T, script string, timeout time.Duration) (*Recognizer, string) {
	t.Helper()
	dir := t.TempDir()
	stager, err := staging.New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	r := New(&Config{
		Command:  "sh",
		Args:     []string{"-c", script, "fakeocr"},
		Timeout:  timeout,
		RawField: "texto",
		Logger:   zap.NewNop(),
	}, stager)
	return r, dir
}

func testJob(t *testing.T, typ document.Type) upload.Job {
	t.Helper()
	job, err := upload.NewJob([]byte("image-bytes"), "photo.jpg", "image/jpeg", typ)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func TestRecognize_StructuredOutput(t *testing.T) {
	r, _ := newScriptRecognizer(t, `echo 'loading model...'; echo '{"nombre":"ANA","tipo":"'"$2"'"}'`, 5*time.Second)

	fields, err := r.Recognize(context.Background(), testJob(t, document.Person))
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if fields["nombre"] != "ANA" {
		t.Errorf("nombre = %q", fields["nombre"])
	}
	if fields["tipo"] != "person" {
		t.Errorf("document type hint not passed, tipo = %q", fields["tipo"])
	}
}

func TestRecognize_ReceivesStagedImage(t *testing.T) {
	r, _ := newScriptRecognizer(t, `printf '{"content":"%s"}' "$(cat "$1")"`, 5*time.Second)

	fields, err := r.Recognize(context.Background(), testJob(t, document.Vehicle))
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if fields["content"] != "image-bytes" {
		t.Errorf("content = %q", fields["content"])
	}
}

func TestRecognize_UnstructuredOutputFallsBack(t *testing.T) {
	r, _ := newScriptRecognizer(t, `echo 'PLACA ABC123'`, 5*time.Second)

	fields, err := r.Recognize(context.Background(), testJob(t, document.Vehicle))
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if len(fields) != 1 || fields["texto"] != "PLACA ABC123" {
		t.Errorf("fields = %v, want texto fallback", fields)
	}
}

func TestRecognize_StderrDoesNotFailSuccessfulRun(t *testing.T) {
	r, _ := newScriptRecognizer(t, `echo 'Error: low confidence' >&2; echo '{"a":"1"}'`, 5*time.Second)

	fields, err := r.Recognize(context.Background(), testJob(t, document.Person))
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if fields["a"] != "1" {
		t.Errorf("fields = %v", fields)
	}
}

func TestRecognize_NonZeroExit(t *testing.T) {
	r, _ := newScriptRecognizer(t, `echo 'Traceback: model missing' >&2; exit 3`, 5*time.Second)

	_, err := r.Recognize(context.Background(), testJob(t, document.License))
	if !errors.Is(err, domain.ErrRecognitionFailed) {
		t.Fatalf("err = %v, want ErrRecognitionFailed", err)
	}
	var failure *domain.RecognitionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *RecognitionFailure, got %T", err)
	}
	if failure.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", failure.ExitCode)
	}
	if !strings.Contains(failure.Details, "model missing") {
		t.Errorf("Details = %q, want stderr text", failure.Details)
	}
}

func TestRecognize_Timeout(t *testing.T) {
	r, _ := newScriptRecognizer(t, `exec sleep 5`, 200*time.Millisecond)

	start := time.Now()
	_, err := r.Recognize(context.Background(), testJob(t, document.Person))
	if !errors.Is(err, domain.ErrRecognitionTimeout) {
		t.Fatalf("err = %v, want ErrRecognitionTimeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestRecognize_CallerCancelDoesNotAbort(t *testing.T) {
	r, _ := newScriptRecognizer(t, `sleep 0.3; echo '{"ok":"yes"}'`, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	fields, err := r.Recognize(ctx, testJob(t, document.Person))
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if fields["ok"] != "yes" {
		t.Errorf("fields = %v", fields)
	}
}

func TestRecognize_LaunchFailure(t *testing.T) {
	stager, _ := staging.New(t.TempDir(), zap.NewNop())
	r := New(&Config{
		Command:  "/nonexistent/ocr-binary",
		Timeout:  time.Second,
		RawField: "texto",
		Logger:   zap.NewNop(),
	}, stager)

	_, err := r.Recognize(context.Background(), testJob(t, document.Person))
	if !errors.Is(err, domain.ErrRecognitionFailed) {
		t.Fatalf("err = %v, want ErrRecognitionFailed", err)
	}
}

func TestRecognize_RemovesStagedFile(t *testing.T) {
	r, dir := newScriptRecognizer(t, `echo '{}'`, 5*time.Second)

	if _, err := r.Recognize(context.Background(), testJob(t, document.Person)); err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "casesync-*"))
	if len(matches) != 0 {
		t.Errorf("staged files left behind: %v", matches)
	}
}

func TestHealthCheck(t *testing.T) {
	r, _ := newScriptRecognizer(t, `true`, time.Second)
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	stager, _ := staging.New(t.TempDir(), zap.NewNop())
	missing := New(&Config{Command: "definitely-not-an-ocr-" + filepath.Base(os.TempDir()), Logger: zap.NewNop()}, stager)
	if err := missing.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestClassifyDiagnostics(t *testing.T) {
	stderr := []byte("loading weights\n\nTraceback (most recent call last):\n  ValueError: bad\nEXCEPTION raised\nok\n")

	got := ClassifyDiagnostics(stderr)
	want := []Diagnostic{
		{Line: "loading weights", Failure: false},
		{Line: "Traceback (most recent call last):", Failure: true},
		{Line: "ValueError: bad", Failure: true},
		{Line: "EXCEPTION raised", Failure: true},
		{Line: "ok", Failure: false},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d diagnostics, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("diag[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
