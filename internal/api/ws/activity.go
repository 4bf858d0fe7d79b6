package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/server/middleware"
)

const heartbeatFrame = "event: heartbeat\ndata: {}\n\n"

// fieldSanitizer keeps client-supplied ids and actions on a single SSE line.
var fieldSanitizer = strings.NewReplacer("\r", "", "\n", "")

// ServeActivity handles GET /sse/activity. Callers must wrap it with the
// realtime token middleware. Each client gets its own unbounded listener
// queue; a heartbeat frame is written after every quiet interval.
func (h *Hub) ServeActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn().Err(err).Msg("sse: clear write deadline")
	}

	listener := h.registry.RegisterListener()
	defer h.registry.UnregisterListener(listener)

	logger := log.With().Str("remote_addr", r.RemoteAddr).Logger()
	if clientID, ok := middleware.ClientIDFromContext(ctx); ok {
		logger = logger.With().Str("client_id", clientID.String()).Logger()
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Debug().Err(err).Msg("sse: initial flush")
		return
	}
	logger.Debug().Msg("sse listener attached")

	timer := time.NewTimer(h.cfg.Heartbeat)
	defer timer.Stop()

	for {
		for {
			ev, ok := listener.Pop()
			if !ok {
				break
			}
			if err := writeActivityFrame(w, ev); err != nil {
				logger.Debug().Err(err).Msg("sse: write event")
				return
			}
		}
		if err := rc.Flush(); err != nil {
			logger.Debug().Err(err).Msg("sse: flush")
			return
		}

		timer.Reset(h.cfg.Heartbeat)
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sse listener detached")
			return
		case <-listener.Ready():
		case <-timer.C:
			if _, err := io.WriteString(w, heartbeatFrame); err != nil {
				logger.Debug().Err(err).Msg("sse: write heartbeat")
				return
			}
		}
	}
}

func writeActivityFrame(w io.Writer, ev domain.ActivityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws.writeActivityFrame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n",
		fieldSanitizer.Replace(ev.ID), fieldSanitizer.Replace(ev.Action), data); err != nil {
		return fmt.Errorf("ws.writeActivityFrame: %w", err)
	}
	return nil
}
