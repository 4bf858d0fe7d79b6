package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/server/middleware"
)

// StatusUnauthorized closes a board socket whose realtime token is missing or wrong.
const StatusUnauthorized websocket.StatusCode = 4401

// Error frame reasons.
const (
	ReasonInvalidJSON     = "invalid_json"
	ReasonValidationError = "validation_error"
	ReasonEventBusFailure = "event_bus_failure"
)

const (
	detailInvalidJSON     = "Messages must be valid JSON objects."
	detailEventBusFailure = "Unable to process board event. Please retry."

	writeTimeout = 10 * time.Second
)

// ErrorFrame is sent to a peer whose message could not be accepted.
type ErrorFrame struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Detail any    `json:"detail"`
}

// peer adapts a WebSocket to realtime.Conn. Writes are serialized so error
// frames and broadcasts never interleave.
type peer struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (p *peer) Send(ctx context.Context, ev domain.ActivityEvent) error {
	return p.write(ctx, ev)
}

func (p *peer) Open() bool {
	return !p.closed.Load()
}

func (p *peer) write(ctx context.Context, v any) error {
	if p.closed.Load() {
		return net.ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, v)
}

func (p *peer) sendError(ctx context.Context, reason string, detail any) error {
	return p.write(ctx, ErrorFrame{Kind: "error", Reason: reason, Detail: detail})
}

// ServeBoard handles GET /ws/boards/{boardID}. The socket is accepted before
// the token is checked so that a rejected client sees close code 4401.
func (h *Hub) ServeBoard(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		log.Error().Err(err).Str("board_id", boardID).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	if !middleware.ValidToken(h.cfg.Token, middleware.TokenFromRequest(r)) {
		log.Warn().Str("board_id", boardID).Str("remote_addr", r.RemoteAddr).Msg("websocket: realtime token rejected")
		_ = conn.Close(StatusUnauthorized, "invalid realtime token")
		return
	}

	p := &peer{conn: conn}
	count, err := h.registry.Connect(boardID, p, h.cfg.MaxConnections)
	if err != nil {
		log.Warn().Err(err).Str("board_id", boardID).Msg("websocket: connection rejected")
		_ = conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}
	defer h.registry.Disconnect(boardID, p)
	defer p.closed.Store(true)

	ctx := middleware.WithClientID(r.Context())
	clientID, _ := middleware.ClientIDFromContext(ctx)
	logger := log.With().Str("board_id", boardID).Str("client_id", clientID.String()).Logger()
	logger.Debug().Int("board_connections", count).Msg("websocket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Debug().Msg("websocket disconnected")
			} else {
				logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		if err := h.handleFrame(ctx, boardID, p, data); err != nil {
			logger.Debug().Err(err).Msg("websocket write")
			return
		}
	}
}

// handleFrame validates one client frame and publishes it. Client mistakes
// and publish failures are reported to the peer; only a failed write is
// returned.
func (h *Hub) handleFrame(ctx context.Context, boardID string, p *peer, data []byte) error {
	msg, err := domain.DecodeBoardMessage(data)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			return p.sendError(ctx, ReasonValidationError, verr.Problems)
		default:
			return p.sendError(ctx, ReasonInvalidJSON, detailInvalidJSON)
		}
	}

	env := domain.NewEnvelope(boardID, msg)
	if err := h.publisher.Publish(ctx, env); err != nil {
		log.Error().Err(err).
			Str("board_id", boardID).
			Str("action", msg.Action).
			Str("event_id", env.EventID).
			Msg("failed to publish board event")
		return p.sendError(ctx, ReasonEventBusFailure, detailEventBusFailure)
	}
	return nil
}
