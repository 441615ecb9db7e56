package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/casesync/internal/config"
	dbValkey "github.com/kailas-cloud/casesync/internal/db/valkey"
	"github.com/kailas-cloud/casesync/internal/domain/document"
	logpkg "github.com/kailas-cloud/casesync/internal/logger"
	"github.com/kailas-cloud/casesync/internal/metrics"
	"github.com/kailas-cloud/casesync/internal/repository/casestate"
	"github.com/kailas-cloud/casesync/internal/repository/journal"
	"github.com/kailas-cloud/casesync/internal/repository/staging"
	chiTransport "github.com/kailas-cloud/casesync/internal/transport/chi"
	"github.com/kailas-cloud/casesync/internal/transport/ocrproc"
	openaiOCR "github.com/kailas-cloud/casesync/internal/transport/openai"
	broadcastuc "github.com/kailas-cloud/casesync/internal/usecase/broadcast"
	healthuc "github.com/kailas-cloud/casesync/internal/usecase/health"
	ingestuc "github.com/kailas-cloud/casesync/internal/usecase/ingest"
	"github.com/kailas-cloud/casesync/internal/version"
)

// journalResubscribeDelay spaces out journal re-registration after it is dropped.
const journalResubscribeDelay = time.Second

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting casesync server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("recognition_engine", cfg.Recognition.Engine),
		zap.Bool("journal_enabled", cfg.Journal.Enabled),
	)

	// Register case metrics explicitly (no init())
	metrics.RegisterCaseMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recognizer, err := buildRecognizer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create recognizer", zap.Error(err))
	}
	if err := recognizer.HealthCheck(ctx); err != nil {
		// Not fatal: the engine may become available later and /health reports it.
		logger.Warn("Recognizer is not ready", zap.String("engine", recognizer.Name()), zap.Error(err))
	}

	resolver := document.NewResolver(document.Type(cfg.Documents.DefaultType), cfg.Documents.Aliases)
	logger.Info("Document types configured",
		zap.Stringer("default_type", resolver.Default()),
		zap.Strings("aliases", resolver.Aliases()),
	)
	store := casestate.New()
	broadcaster := broadcastuc.New(store, &broadcastuc.Config{
		QueueSize:    cfg.Broadcast.QueueSize,
		WriteTimeout: time.Duration(cfg.Broadcast.WriteTimeoutSec) * time.Second,
		Logger:       logger,
	})
	ingestSvc := ingestuc.New(resolver, recognizer, store, broadcaster, logger)

	// Optional event journal. Pass nil interface (not typed nil pointer) when disabled.
	var journalPinger healthuc.JournalPinger
	var journalSink *journal.Sink
	if cfg.Journal.Enabled {
		valkey, err := dbValkey.NewStore(dbValkey.Config{
			Addrs:    cfg.Journal.Addrs,
			Password: cfg.Journal.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create journal store", zap.Error(err))
		}
		defer valkey.Close()

		readiness := time.Duration(cfg.Journal.ReadinessTimeout) * time.Second
		if err := valkey.WaitForReady(ctx, readiness); err != nil {
			logger.Fatal("Journal store not ready", zap.Error(err))
		}
		logger.Info("Connected to journal store", zap.Strings("addrs", cfg.Journal.Addrs))

		journalPinger = valkey
		journalSink = journal.New(valkey, journal.Config{
			Stream:  cfg.Journal.Stream,
			Channel: cfg.Journal.Channel,
			MaxLen:  cfg.Journal.MaxLen,
		}, logger.Named("journal"))
	}

	healthSvc := healthuc.New(recognizer, journalPinger)

	// Create chi server
	server := chiTransport.NewServer(ingestSvc, broadcaster, healthSvc, chiTransport.Options{
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		PingInterval:   time.Duration(cfg.Broadcast.PingIntervalSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Broadcast.WriteTimeoutSec) * time.Second,
	}, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if journalSink != nil {
		g.Go(func() error {
			return runJournal(gctx, broadcaster, journalSink, logger)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during HTTP shutdown", zap.Error(err))
		}
		// Websocket connections are hijacked and not covered by Shutdown.
		if err := broadcaster.Close(shutdownCtx); err != nil {
			logger.Error("Error closing observers", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server stopped gracefully")
}

// caseRecognizer is what the composition root needs from an OCR engine.
type caseRecognizer interface {
	ingestuc.Recognizer
	healthuc.RecognizerChecker
}

// buildRecognizer selects the configured OCR engine.
func buildRecognizer(cfg config.Config, logger *zap.Logger) (caseRecognizer, error) {
	rc := cfg.Recognition
	timeout := time.Duration(rc.TimeoutSec) * time.Second

	switch rc.Engine {
	case config.EngineOpenAI:
		return openaiOCR.NewRecognizer(&openaiOCR.Config{
			APIKey:   rc.OpenAI.APIKey,
			BaseURL:  rc.OpenAI.BaseURL,
			Model:    rc.OpenAI.Model,
			Timeout:  timeout,
			RawField: rc.RawField,
			Logger:   logger.Named("openai"),
		}), nil
	case config.EngineProcess:
		stager, err := staging.New(cfg.Uploads.StagingDir, logger)
		if err != nil {
			return nil, fmt.Errorf("create stager: %w", err)
		}
		return ocrproc.New(&ocrproc.Config{
			Command:  rc.Command,
			Args:     rc.Args,
			Timeout:  timeout,
			RawField: rc.RawField,
			Logger:   logger.Named("ocr"),
		}, stager), nil
	default:
		return nil, fmt.Errorf("unknown recognition engine %q", rc.Engine)
	}
}

// runJournal keeps the journal sink subscribed. A dropped sink is re-registered and
// its fresh initial_state entry records the full record, covering any missed updates.
func runJournal(ctx context.Context, bc *broadcastuc.Service, sink *journal.Sink, logger *zap.Logger) error {
	for {
		sub, err := bc.Subscribe(sink, "journal")
		if err != nil {
			if errors.Is(err, broadcastuc.ErrClosed) {
				return nil
			}
			return fmt.Errorf("subscribe journal: %w", err)
		}

		select {
		case <-ctx.Done():
			sub.Close()
			return nil
		case <-sub.Done():
			logger.Warn("Journal observer dropped, resubscribing", zap.Duration("delay", journalResubscribeDelay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(journalResubscribeDelay):
		}
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": "internal_error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line, one per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
