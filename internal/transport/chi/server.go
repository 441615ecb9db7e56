package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/domain/fieldset"
	"github.com/kailas-cloud/casesync/internal/logger"
	broadcastuc "github.com/kailas-cloud/casesync/internal/usecase/broadcast"
	healthuc "github.com/kailas-cloud/casesync/internal/usecase/health"
	ingestuc "github.com/kailas-cloud/casesync/internal/usecase/ingest"
)

// Error codes returned in the "error" field.
const (
	codeInvalidInput       = "invalid_input"
	codePayloadTooLarge    = "payload_too_large"
	codeRecognitionFailed  = "recognition_failed"
	codeRecognitionTimeout = "recognition_timeout"
	codeUnauthorized       = "unauthorized"
	codeInternal           = "internal_error"
)

const (
	defaultMaxUploadBytes = 10 << 20
	// multipartOverhead covers boundaries, part headers and the type field.
	multipartOverhead   = 64 << 10
	maxCorrectionBytes  = 1 << 20
	maxTagBytes         = 256
	defaultPingInterval = 30 * time.Second
)

// typeFields are the accepted multipart field names for the document type tag.
var typeFields = map[string]struct{}{
	"type": {},
	"tipo": {},
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Options holds transport limits.
type Options struct {
	MaxUploadBytes int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// Server serves the case synchronization HTTP API.
type Server struct {
	ingest         *ingestuc.Service
	broadcaster    *broadcastuc.Service
	health         *healthuc.Service
	maxUploadBytes int64
	pingInterval   time.Duration
	writeTimeout   time.Duration
	upgrader       websocket.Upgrader
	logger         *zap.Logger
	errorHandlers  []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	ingest *ingestuc.Service,
	broadcaster *broadcastuc.Service,
	health *healthuc.Service,
	opts Options,
	log *zap.Logger,
) *Server {
	s := &Server{
		ingest:         ingest,
		broadcaster:    broadcaster,
		health:         health,
		maxUploadBytes: opts.MaxUploadBytes,
		pingInterval:   opts.PingInterval,
		writeTimeout:   opts.WriteTimeout,
		logger:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Observers are unauthenticated page views served from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	s.errorHandlers = []errorHandler{
		recognitionFailureHandler,
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, codeInvalidInput),
		sentinelHandler(domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, codePayloadTooLarge),
	}
	return s
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/ocr", s.Recognize)
	r.Post("/corrections", s.Correct)
	r.Get("/state", s.GetState)
	r.Get("/ws", s.Subscribe)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// Recognize handles POST /ocr.
func (s *Server) Recognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)

	in, err := s.readUpload(r)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	fields, err := s.ingest.Upload(r.Context(), in)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, fields)
}

// readUpload streams the multipart body and requires exactly one file part.
func (s *Server) readUpload(r *http.Request) (ingestuc.UploadInput, error) {
	var in ingestuc.UploadInput

	mr, err := r.MultipartReader()
	if err != nil {
		return in, domain.InvalidInput("expected a multipart/form-data body")
	}

	files := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return in, bodyError(err, "malformed multipart body")
		}

		switch {
		case part.FileName() != "":
			files++
			if files > 1 {
				_ = part.Close()
				return in, domain.InvalidInput("exactly one image is expected")
			}
			in.Image, err = readLimited(part, s.maxUploadBytes)
			if err != nil {
				_ = part.Close()
				return in, err
			}
			in.Filename = part.FileName()
			in.ContentType = part.Header.Get("Content-Type")
		case isTypeField(part):
			tag, err := readLimited(part, maxTagBytes)
			if err != nil {
				_ = part.Close()
				if errors.Is(err, domain.ErrPayloadTooLarge) {
					return in, domain.InvalidInput("document type is too long")
				}
				return in, err
			}
			if in.Tag == "" {
				in.Tag = string(tag)
			}
		}
		_ = part.Close()
	}

	if files == 0 {
		return in, domain.InvalidInput("an image file is required")
	}
	return in, nil
}

func isTypeField(part *multipart.Part) bool {
	_, ok := typeFields[part.FormName()]
	return ok
}

func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, bodyError(err, "failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("upload exceeds %d bytes: %w", limit, domain.ErrPayloadTooLarge)
	}
	return data, nil
}

func bodyError(err error, msg string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("request body exceeds %d bytes: %w", maxErr.Limit, domain.ErrPayloadTooLarge)
	}
	return domain.InvalidInput("%s", msg)
}

type correctionResponse struct {
	OK       bool  `json:"ok"`
	Revision int64 `json:"revision"`
	State    any   `json:"state"`
}

// Correct handles POST /corrections.
func (s *Server) Correct(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCorrectionBytes)

	var req map[string]map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.handleDomainError(w, r, bodyError(err, "request body must map document types to field objects"))
		return
	}

	corrections := make(map[string]fieldset.FieldSet, len(req))
	for tag, values := range req {
		corrections[tag] = fieldset.FromValues(values)
	}

	rec, err := s.ingest.Correct(r.Context(), corrections)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	w.Header().Set("ETag", revisionTag(rec.Revision()))
	writeJSON(w, http.StatusOK, correctionResponse{OK: true, Revision: rec.Revision(), State: rec})
}

// GetState handles GET /state.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	rec := s.ingest.Snapshot()
	etag := revisionTag(rec.Revision())
	w.Header().Set("ETag", etag)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func revisionTag(rev int64) string {
	return strconv.Quote(strconv.FormatInt(rev, 10))
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorResponse{Error: code, Details: details})
}

// clientMessage strips the sentinel suffix from a wrapped client error.
func clientMessage(err error, sentinel error) string {
	return strings.TrimSuffix(err.Error(), ": "+sentinel.Error())
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, clientMessage(err, sentinel))
		return true
	}
}

// recognitionFailureHandler maps engine failures to 502/504 with the engine diagnostics.
func recognitionFailureHandler(w http.ResponseWriter, err error) bool {
	var failure *domain.RecognitionFailure
	if !errors.As(err, &failure) {
		return false
	}
	if failure.TimedOut {
		writeError(w, http.StatusGatewayTimeout, codeRecognitionTimeout, failure.Details)
		return true
	}
	writeError(w, http.StatusBadGateway, codeRecognitionFailed, failure.Details)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context(), s.logger)
	for _, h := range s.errorHandlers {
		if h(w, err) {
			log.Warn("domain error", zap.Error(err))
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternal, "")
}
