package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityKind is the discriminator carried by every fanned-out board event.
const ActivityKind = "board_event"

// ActivityEvent is what WebSocket peers and SSE listeners receive.
type ActivityEvent struct {
	ID                string         `json:"id"`
	Board             string         `json:"board"`
	Action            string         `json:"action"`
	User              string         `json:"user"`
	Payload           map[string]any `json:"payload"`
	Timestamp         time.Time      `json:"timestamp"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Kind              string         `json:"kind"`
	ActiveConnections int            `json:"active_connections"`
}

// BuildActivityEvent derives the fan-out event for env. The free-text message
// is folded into the payload under "message" unless the payload already has one.
func BuildActivityEvent(env BoardEventEnvelope, now time.Time) ActivityEvent {
	payload := clonePayload(env.Message.Payload)
	if env.Message.Message != "" {
		if _, ok := payload["message"]; !ok {
			payload["message"] = env.Message.Message
		}
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.Message.CorrelationID
	}

	return ActivityEvent{
		ID:            env.EventID,
		Board:         env.BoardID,
		Action:        env.Message.Action,
		User:          env.Message.User,
		Payload:       payload,
		Timestamp:     now.UTC(),
		CorrelationID: correlationID,
		Kind:          ActivityKind,
	}
}

// WithActiveConnections returns a copy of e stamped with n live peers.
func (e ActivityEvent) WithActiveConnections(n int) ActivityEvent {
	e.ActiveConnections = n
	return e
}

// Encode serializes the event for the pub/sub channel.
func (e ActivityEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("domain.ActivityEvent.Encode: %w", err)
	}
	return b, nil
}

// DecodeActivityEvent parses a pub/sub payload.
func DecodeActivityEvent(data []byte) (ActivityEvent, error) {
	var ev ActivityEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ActivityEvent{}, fmt.Errorf("domain.DecodeActivityEvent: %w", err)
	}
	if ev.Board == "" || ev.Action == "" {
		return ActivityEvent{}, fmt.Errorf("domain.DecodeActivityEvent: missing board or action")
	}
	if ev.Kind == "" {
		ev.Kind = ActivityKind
	}
	return ev, nil
}
