// Package broadcast fans case record changes out to subscribed observers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain/caserecord"
	"github.com/kailas-cloud/casesync/internal/domain/event"
	"github.com/kailas-cloud/casesync/internal/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Drop reasons reported in logs and metrics.
const (
	reasonUnsubscribed = "unsubscribed"
	reasonSlow         = "slow"
	reasonWriteError   = "write_error"
	reasonClosed       = "closed"
)

const (
	defaultQueueSize    = 32
	defaultWriteTimeout = 10 * time.Second
)

// Config holds broadcaster settings.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Service keeps the observer registry. Publish never blocks: each observer owns
// a bounded queue drained by its own writer goroutine, and an observer whose
// queue is full is dropped.
type Service struct {
	source       SnapshotSource
	observers    *xsync.MapOf[string, *observer]
	queueSize    int
	writeTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex // guards closed against concurrent registration
	closed bool
	wg     sync.WaitGroup
}

// New creates a broadcaster that takes initial snapshots from source.
func New(source SnapshotSource, cfg *Config) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Service{
		source:       source,
		observers:    xsync.NewMapOf[string, *observer](),
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		logger:       cfg.Logger,
	}
}

type observer struct {
	id    string
	name  string
	conn  Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Subscription is the handle returned to the transport that registered an observer.
type Subscription struct {
	svc *Service
	obs *observer
}

// ID returns the observer id.
func (s *Subscription) ID() string { return s.obs.id }

// Done is closed once the observer has been removed for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.obs.done }

// Close unsubscribes the observer. Safe to call more than once.
func (s *Subscription) Close() { s.svc.remove(s.obs, reasonUnsubscribed) }

// Subscribe registers conn. The first message conn receives is initial_state with
// the current record; every later message reflects a merge committed after it.
func (s *Service) Subscribe(conn Conn, name string) (*Subscription, error) {
	obs := &observer{
		id:    uuid.NewString(),
		name:  name,
		conn:  conn,
		queue: make(chan []byte, s.queueSize),
		done:  make(chan struct{}),
	}

	var regErr error
	s.source.SnapshotThen(func(rec caserecord.Record) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			regErr = ErrClosed
			return
		}

		data, err := json.Marshal(event.NewInitialState(rec))
		if err != nil {
			regErr = fmt.Errorf("encode initial state: %w", err)
			return
		}
		obs.queue <- data
		s.observers.Store(obs.id, obs)
		s.wg.Add(1)
		metrics.Observers.Inc()
	})
	if regErr != nil {
		return nil, regErr
	}

	metrics.BroadcastMessagesTotal.WithLabelValues(string(event.InitialState)).Inc()
	s.logger.Info("Observer subscribed",
		zap.String("observer_id", obs.id),
		zap.String("observer", name),
	)

	go s.writeLoop(obs)
	return &Subscription{svc: s, obs: obs}, nil
}

// Publish encodes msg once and enqueues it to every observer. It must be called
// from a store commit hook so enqueue order matches commit order.
func (s *Service) Publish(msg event.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode broadcast message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	s.observers.Range(func(_ string, obs *observer) bool {
		select {
		case obs.queue <- data:
			metrics.BroadcastMessagesTotal.WithLabelValues(string(msg.Type)).Inc()
		default:
			s.remove(obs, reasonSlow)
		}
		return true
	})
}

// Unsubscribe removes the observer with id. Unknown ids are ignored.
func (s *Service) Unsubscribe(id string) {
	if obs, ok := s.observers.Load(id); ok {
		s.remove(obs, reasonUnsubscribed)
	}
}

// Count returns the number of registered observers.
func (s *Service) Count() int { return s.observers.Size() }

// Close drops every observer and waits for their writers to exit or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.observers.Range(func(_ string, obs *observer) bool {
		s.remove(obs, reasonClosed)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait observer writers: %w", ctx.Err())
	}
}

func (s *Service) remove(obs *observer, reason string) {
	obs.once.Do(func() {
		s.observers.Delete(obs.id)
		close(obs.done)
		metrics.Observers.Dec()

		log := s.logger.With(
			zap.String("observer_id", obs.id),
			zap.String("observer", obs.name),
			zap.String("reason", reason),
		)
		if reason == reasonUnsubscribed {
			log.Info("Observer unsubscribed")
			return
		}
		metrics.BroadcastDroppedTotal.WithLabelValues(reason).Inc()
		log.Warn("Observer dropped")
	})
}

func (s *Service) writeLoop(obs *observer) {
	defer s.wg.Done()
	defer func() {
		if err := obs.conn.Close(); err != nil {
			s.logger.Debug("Observer close failed", zap.String("observer_id", obs.id), zap.Error(err))
		}
	}()

	for {
		// A removed observer must not receive anything further, even if messages are queued.
		select {
		case <-obs.done:
			return
		default:
		}

		select {
		case <-obs.done:
			return
		case data := <-obs.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := obs.conn.WriteMessage(ctx, data)
			cancel()
			if err != nil {
				s.logger.Debug("Observer write failed", zap.String("observer_id", obs.id), zap.Error(err))
				s.remove(obs, reasonWriteError)
				return
			}
		}
	}
}
