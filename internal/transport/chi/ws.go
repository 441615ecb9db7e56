package chi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain"
	"github.com/kailas-cloud/casesync/internal/logger"
)

// maxInboundBytes bounds client frames; observers are not expected to send anything.
const maxInboundBytes = 4096

// wsConn adapts a websocket connection to broadcast.Conn. Data frames are written
// by the broadcaster's writer goroutine only; pings use WriteControl, which is safe
// to call concurrently.
type wsConn struct {
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteMessage(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return domain.ErrObserverClosed
	}
	// Zero deadline when ctx has none.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Subscribe handles GET /ws. The connection becomes an observer: it receives
// initial_state first and every later update. Client frames are read and discarded
// only to detect disconnects.
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.logger)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: ws}

	sub, err := s.broadcaster.Subscribe(conn, "ws "+r.RemoteAddr)
	if err != nil {
		log.Warn("observer registration refused", zap.Error(err))
		_ = conn.Close()
		return
	}
	defer sub.Close()

	pongWait := 2 * s.pingInterval
	ws.SetReadLimit(maxInboundBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop(ws, sub.Done())

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("observer connection lost", zap.String("observer_id", sub.ID()), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}
