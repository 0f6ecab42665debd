package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/stream"
	"paper-trader/internal/trading"
)

const maxMessageSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound message types.
const (
	inSubscribe   = "subscribe"
	inUnsubscribe = "unsubscribe"
	inPlaceOrder  = "place_order"
	inModifyOrder = "modify_order"
	inCancelOrder = "cancel_order"
)

// inbound is a client request read off the socket.
type inbound struct {
	Type    string                    `json:"type"`
	Ref     string                    `json:"ref,omitempty"`
	Symbols []string                  `json:"symbols,omitempty"`
	Order   *models.OrderRequest      `json:"order,omitempty"`
	OrderID string                    `json:"orderId,omitempty"`
	Changes *models.OrderModification `json:"changes,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.FromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		reqLogger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	session := s.session(r)
	connID := uuid.NewString()
	s.accepted.Add(1)
	logger := logging.WithConn(reqLogger, connID)

	sub := s.deps.Hub.Register(connID, session.UserID)
	logger.Info().Msg("Client connected")

	// Hijacked connections outlive http.Server.Shutdown; close them with
	// the server context.
	stop := context.AfterFunc(r.Context(), func() { conn.Close() })
	defer stop()

	go s.writePump(conn, sub, logger)
	s.readPump(r.Context(), conn, connID, session, logger)
}

// readPump dispatches client requests until the socket fails. It owns
// teardown.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, connID string, session trading.Session, logger zerolog.Logger) {
	defer func() {
		s.deps.Hub.Unregister(connID)
		conn.Close()
		logger.Info().Msg("Client disconnected")
	}()

	pongWait := 2 * s.pingInterval()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.deps.Hub.Send(connID, stream.OrderErrorMessage(
				apperrors.NewValidationError("message", nil, "malformed json"), ""))
			continue
		}
		s.dispatch(ctx, connID, session, msg, logger)
	}
}

func (s *Server) dispatch(ctx context.Context, connID string, session trading.Session, msg inbound, logger zerolog.Logger) {
	hub := s.deps.Hub
	reply := func(order *models.Order, err error) {
		if err != nil {
			logger.Debug().Err(err).Str("type", msg.Type).Msg("Request failed")
			hub.Send(connID, stream.OrderErrorMessage(err, msg.Ref))
			return
		}
		hub.Send(connID, stream.OrderResponseMessage(order, msg.Ref))
	}

	switch msg.Type {
	case inSubscribe:
		if err := hub.Subscribe(ctx, connID, msg.Symbols); err != nil {
			hub.Send(connID, stream.OrderErrorMessage(err, msg.Ref))
		}
	case inUnsubscribe:
		hub.Unsubscribe(connID, msg.Symbols)
	case inPlaceOrder:
		if msg.Order == nil {
			reply(nil, apperrors.NewValidationError("order", nil, "is required"))
			return
		}
		reply(s.deps.Orders.Submit(ctx, session, *msg.Order))
	case inModifyOrder:
		if msg.Changes == nil {
			reply(nil, apperrors.NewValidationError("changes", nil, "is required"))
			return
		}
		reply(s.deps.Orders.Modify(ctx, session, msg.OrderID, *msg.Changes))
	case inCancelOrder:
		reply(s.deps.Orders.Cancel(ctx, session, msg.OrderID))
	default:
		reply(nil, apperrors.NewValidationError("type", msg.Type, "unknown message type"))
	}
}

// writePump drains the subscriber queue onto the socket and keeps the
// connection alive with pings. It exits when the queue is closed.
func (s *Server) writePump(conn *websocket.Conn, sub *stream.Subscriber, logger zerolog.Logger) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	writeWait := s.stream.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	for {
		select {
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.stream.PingInterval > 0 {
		return s.stream.PingInterval
	}
	return 30 * time.Second
}
