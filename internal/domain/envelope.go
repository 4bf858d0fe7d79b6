package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// BoardEventEnvelope is the durable wrapper a client action travels in
// through the broker. The embedded message always carries the envelope's
// correlation id, and the idempotency key always equals it.
type BoardEventEnvelope struct {
	EventID        string       `json:"event_id"`
	BoardID        string       `json:"board_id"`
	Message        BoardMessage `json:"message"`
	PublishedAt    time.Time    `json:"published_at"`
	CorrelationID  string       `json:"correlation_id"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// NewEnvelope wraps msg for boardID, reusing the message correlation id or
// generating a fresh one.
func NewEnvelope(boardID string, msg BoardMessage) BoardEventEnvelope {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return BoardEventEnvelope{
		EventID:        uuid.NewString(),
		BoardID:        boardID,
		Message:        msg.WithCorrelationID(correlationID),
		PublishedAt:    time.Now().UTC(),
		CorrelationID:  correlationID,
		IdempotencyKey: correlationID,
	}
}

// Encode serializes the envelope for the broker.
func (e BoardEventEnvelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("domain.BoardEventEnvelope.Encode: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a broker message body. Any encoding or schema problem
// is reported as ErrInvalidEnvelope.
func DecodeEnvelope(body []byte) (BoardEventEnvelope, error) {
	if !utf8.Valid(body) {
		return BoardEventEnvelope{}, fmt.Errorf("%w: body is not valid utf-8", ErrInvalidEnvelope)
	}

	var env BoardEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return BoardEventEnvelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	var missing []string
	if env.EventID == "" {
		missing = append(missing, "event_id")
	}
	if env.BoardID == "" {
		missing = append(missing, "board_id")
	}
	if env.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if env.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if strings.TrimSpace(env.Message.Action) == "" {
		missing = append(missing, "message.action")
	}
	if len(missing) > 0 {
		return BoardEventEnvelope{}, fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(missing, ", "))
	}

	env.Message.User = normalizeUser(env.Message.User)
	env.Message.Payload = clonePayload(env.Message.Payload)
	return env, nil
}
