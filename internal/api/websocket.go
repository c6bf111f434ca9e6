package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/discoverer/internal/api/middleware"
	"github.com/anstrom/discoverer/internal/results"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	eventBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// eventsHandler streams host events as JSON messages. The optional rule_id
// query parameter limits the stream to one rule.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Results == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errResultsUnavailable)
		return
	}

	var filter uint64
	if v := r.URL.Query().Get("rule_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errInvalidRuleFilter)
			return
		}
		filter = id
	}

	requestID := middleware.GetRequestID(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	id, events := s.deps.Results.Subscribe(eventBuffer)
	s.logger.Debug("Event subscriber connected", "request_id", requestID, "rule_id", filter)

	closed := make(chan struct{})
	go s.readPump(conn, requestID, closed)
	s.writePump(conn, requestID, events, filter, closed)

	s.deps.Results.Unsubscribe(id)
	if err := conn.Close(); err != nil {
		s.logger.Debug("Error closing WebSocket connection", "request_id", requestID, "error", err)
	}
	s.logger.Debug("Event subscriber disconnected", "request_id", requestID)
}

// readPump consumes control frames until the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, requestID string, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump forwards events and pings until the peer goes away or the
// subscription is closed.
func (s *Server) writePump(
	conn *websocket.Conn, requestID string, events <-chan results.Event, filter uint64, closed <-chan struct{},
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if filter != 0 && event.RuleID != filter {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("Failed to write event", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}
