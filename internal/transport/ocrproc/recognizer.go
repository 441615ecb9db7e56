// Package ocrproc runs an external OCR program once per image and parses its output.
package ocrproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
	"github.com/kailas-cloud/casesync/internal/metrics"
)

const engineName = "process"

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Stager writes a job image to a file the external process can open.
type Stager interface {
	Stage(job upload.Job) (path string, release func(), err error)
}

// Config holds the external OCR process settings.
type Config struct {
	Command  string
	Args     []string
	Timeout  time.Duration
	RawField string
	Logger   *zap.Logger
}

// Recognizer invokes `<command> <args...> <imagePath> <documentType>` per call.
// Stdout is the only result channel; stderr is diagnostics.
type Recognizer struct {
	command  string
	args     []string
	timeout  time.Duration
	rawField string
	stager   Stager
	logger   *zap.Logger
}

// New creates a process recognizer.
func New(cfg *Config, stager Stager) *Recognizer {
	return &Recognizer{
		command:  cfg.Command,
		args:     append([]string(nil), cfg.Args...),
		timeout:  cfg.Timeout,
		rawField: cfg.RawField,
		stager:   stager,
		logger:   cfg.Logger,
	}
}

// Name identifies the engine in logs and metrics.
func (r *Recognizer) Name() string { return engineName }

// Recognize runs the OCR process for one job. The call is bounded by the configured
// timeout only: cancelling ctx does not stop a process that has already started.
func (r *Recognizer) Recognize(ctx context.Context, job upload.Job) (fieldset.FieldSet, error) {
	path, release, err := r.stager.Stage(job)
	if err != nil {
		return nil, fmt.Errorf("stage image: %w", err)
	}
	defer release()

	runCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.args...), path, string(job.DocumentType()))
	cmd := exec.CommandContext(runCtx, r.command, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	log := r.logger.With(
		zap.String("job_id", job.ID()),
		zap.String("document_type", string(job.DocumentType())),
	)
	logDiagnostics(log, stderr.Bytes())

	if runErr != nil {
		failure := r.failure(runCtx, runErr, stderr.String(), elapsed)
		metrics.RecognitionFailuresTotal.WithLabelValues(engineName, failureReason(failure, runErr)).Inc()
		log.Warn("OCR process failed",
			zap.Int("exit_code", failure.ExitCode),
			zap.Bool("timed_out", failure.TimedOut),
			zap.Duration("duration", elapsed),
			zap.Error(runErr),
		)
		return nil, failure
	}

	metrics.RecognitionDuration.WithLabelValues(engineName).Observe(elapsed.Seconds())

	fields, parsed := fieldset.ParseOutput(stdout.Bytes(), r.rawField)
	if !parsed {
		metrics.RecognitionParseFallbackTotal.WithLabelValues(engineName).Inc()
		log.Warn("OCR output is not structured, keeping raw text",
			zap.String("field", r.rawField),
			zap.Int("stdout_bytes", stdout.Len()),
		)
	}

	log.Debug("OCR process completed",
		zap.Duration("duration", elapsed),
		zap.Int("fields", len(fields)),
	)
	return fields, nil
}

func (r *Recognizer) failure(runCtx context.Context, runErr error, stderr string, elapsed time.Duration) *domain.RecognitionFailure {
	f := &domain.RecognitionFailure{Engine: engineName, Elapsed: elapsed}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		f.TimedOut = true
		f.Details = fmt.Sprintf("OCR process exceeded %s", r.timeout)
		if s := strings.TrimSpace(stderr); s != "" {
			f.Details += ": " + s
		}
		return f
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		f.ExitCode = exitErr.ExitCode()
		f.Details = strings.TrimSpace(stderr)
		if f.Details == "" {
			f.Details = runErr.Error()
		}
		return f
	}

	// The process never started (missing binary, permissions).
	f.Details = runErr.Error()
	return f
}

func failureReason(f *domain.RecognitionFailure, runErr error) string {
	var exitErr *exec.ExitError
	switch {
	case f.TimedOut:
		return "timeout"
	case errors.As(runErr, &exitErr):
		return "exit"
	default:
		return "launch"
	}
}

// HealthCheck verifies that the OCR command can be resolved.
func (r *Recognizer) HealthCheck(_ context.Context) error {
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("ocr command %q: %w", r.command, err)
	}
	return nil
}
