// Package openai recognizes document images with an OpenAI-compatible vision model.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
	"github.com/kailas-cloud/casesync/internal/metrics"
)

const engineName = "openai"

var instructions = map[document.Type]string{
	document.Vehicle: "This image is a vehicle registration card. Extract plate, make, model, year, color, VIN, engine number and owner.",
	document.Person:  "This image is a national identity card. Extract full name, document number, birth date, birth place, sex and issue date.",
	document.License: "This image is a driving license. Extract holder name, license number, categories, issue date and expiry date.",
}

const systemPrompt = "You read identity and vehicle documents. " +
	"Reply with one flat JSON object whose keys are field names in snake_case and whose values are the text read from the image. " +
	"Omit fields you cannot read. Do not add commentary."

// Config holds the vision model settings.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	RawField string
	Logger   *zap.Logger
}

// Recognizer sends each image to a chat completion endpoint and parses the JSON reply.
type Recognizer struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	rawField string
	logger   *zap.Logger
}

// NewRecognizer creates an OpenAI-compatible recognizer.
func NewRecognizer(cfg *Config) *Recognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Recognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		rawField: cfg.RawField,
		logger:   cfg.Logger,
	}
}

// Name identifies the engine in logs and metrics.
func (r *Recognizer) Name() string { return engineName }

// Recognize extracts fields from the job image. Like the process engine, the call
// is bounded by the configured timeout and ignores caller cancellation.
func (r *Recognizer) Recognize(ctx context.Context, job upload.Job) (fieldset.FieldSet, error) {
	callCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: instruction(job.DocumentType())},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(job),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	log := r.logger.With(
		zap.String("job_id", job.ID()),
		zap.String("document_type", string(job.DocumentType())),
		zap.String("model", r.model),
	)

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		failure := r.failure(callCtx, err, elapsed)
		reason := "api_error"
		if failure.TimedOut {
			reason = "timeout"
		}
		metrics.RecognitionFailuresTotal.WithLabelValues(engineName, reason).Inc()
		log.Warn("Vision model call failed", zap.Duration("duration", elapsed), zap.Error(err))
		return nil, failure
	}

	if len(resp.Choices) == 0 {
		metrics.RecognitionFailuresTotal.WithLabelValues(engineName, "api_error").Inc()
		return nil, &domain.RecognitionFailure{Engine: engineName, Details: "empty completion response", Elapsed: elapsed}
	}

	metrics.RecognitionDuration.WithLabelValues(engineName).Observe(elapsed.Seconds())

	reply := resp.Choices[0].Message.Content
	fields, parsed := fieldset.ParseOutput([]byte(reply), r.rawField)
	if !parsed {
		metrics.RecognitionParseFallbackTotal.WithLabelValues(engineName).Inc()
		log.Warn("Vision model reply is not a JSON object, keeping raw text", zap.String("field", r.rawField))
	}

	log.Debug("Vision model call completed",
		zap.Duration("duration", elapsed),
		zap.Int("fields", len(fields)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return fields, nil
}

// HealthCheck verifies API availability via ListModels.
func (r *Recognizer) HealthCheck(ctx context.Context) error {
	if _, err := r.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (r *Recognizer) failure(callCtx context.Context, err error, elapsed time.Duration) *domain.RecognitionFailure {
	f := &domain.RecognitionFailure{Engine: engineName, Elapsed: elapsed}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		f.TimedOut = true
		f.Details = fmt.Sprintf("vision model exceeded %s", r.timeout)
		return f
	}
	f.Details = apiErrorDetails(err)
	return f
}

// apiErrorDetails extracts a human-readable message from the API error.
func apiErrorDetails(err error) string {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail := extractDetail(reqErr.Body); detail != "" {
			return fmt.Sprintf("vision API error %d: %s", reqErr.HTTPStatusCode, detail)
		}
		return fmt.Sprintf("vision API error %d: %s", reqErr.HTTPStatusCode, string(reqErr.Body))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("vision API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}

	return "vision request failed: " + err.Error()
}

// extractDetail reads the "detail" field some compatible providers return instead of "error".
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}

func instruction(t document.Type) string {
	if s, ok := instructions[t]; ok {
		return s
	}
	return fmt.Sprintf("This image is a %q document. Extract every labelled field you can read.", string(t))
}

func dataURL(job upload.Job) string {
	ct := job.ContentType()
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(job.Image())
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(job.Image())
}
