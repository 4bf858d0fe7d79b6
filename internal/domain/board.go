package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// AnonymousUser is substituted when a client omits the user or sends only whitespace.
const AnonymousUser = "anonymous"

// BoardMessage is the action a client submits over a board WebSocket.
type BoardMessage struct {
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload"`
	User          string         `json:"user"`
	Message       string         `json:"message,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// FieldError describes one schema violation in a client message.
type FieldError struct {
	Field   string `json:"loc"`
	Message string `json:"msg"`
}

// ValidationError carries every problem found while validating a client message.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return "domain: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewBoardMessage validates and normalizes a client action.
func NewBoardMessage(action string, payload map[string]any, user, message, correlationID string) (BoardMessage, error) {
	if strings.TrimSpace(action) == "" {
		return BoardMessage{}, &ValidationError{Problems: []FieldError{{Field: "action", Message: "must be a non-empty string"}}}
	}

	return BoardMessage{
		Action:        action,
		Payload:       clonePayload(payload),
		User:          normalizeUser(user),
		Message:       message,
		CorrelationID: correlationID,
	}, nil
}

// boardMessageWire uses pointers so that absent fields can be told apart from
// empty ones while decoding.
type boardMessageWire struct {
	Action        *string        `json:"action"`
	Payload       map[string]any `json:"payload"`
	User          *string        `json:"user"`
	Message       *string        `json:"message"`
	CorrelationID *string        `json:"correlation_id"`
}

// DecodeBoardMessage parses a raw WebSocket frame. Malformed JSON yields
// ErrInvalidJSON; well-formed JSON that does not match the schema yields a
// *ValidationError.
func DecodeBoardMessage(raw []byte) (BoardMessage, error) {
	if !json.Valid(raw) {
		return BoardMessage{}, fmt.Errorf("%w: messages must be valid JSON objects", ErrInvalidJSON)
	}

	var wire boardMessageWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "body"
			}
			return BoardMessage{}, &ValidationError{Problems: []FieldError{{
				Field:   field,
				Message: "expected " + typeErr.Type.String() + ", got " + typeErr.Value,
			}}}
		}
		return BoardMessage{}, &ValidationError{Problems: []FieldError{{Field: "body", Message: err.Error()}}}
	}

	if wire.Action == nil {
		return BoardMessage{}, &ValidationError{Problems: []FieldError{{Field: "action", Message: "field required"}}}
	}

	return NewBoardMessage(*wire.Action, wire.Payload, deref(wire.User), deref(wire.Message), deref(wire.CorrelationID))
}

// WithCorrelationID returns a copy of m carrying id.
func (m BoardMessage) WithCorrelationID(id string) BoardMessage {
	m.Payload = clonePayload(m.Payload)
	m.CorrelationID = id
	return m
}

func normalizeUser(user string) string {
	if u := strings.TrimSpace(user); u != "" {
		return u
	}
	return AnonymousUser
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return make(map[string]any)
	}
	return maps.Clone(p)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
