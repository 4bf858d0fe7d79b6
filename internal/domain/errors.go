package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrInvalidJSON             = errors.New("domain: invalid json")
	ErrValidation              = errors.New("domain: validation failed")
	ErrInvalidEnvelope         = errors.New("domain: invalid envelope")
	ErrConnectionLimitExceeded = errors.New("domain: websocket connection limit reached")
	ErrPipelineNotStarted      = errors.New("domain: event pipeline has not been started")
)
