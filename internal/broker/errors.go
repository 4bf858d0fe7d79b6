package broker

import "errors"

// Sentinel errors for the broker layer.
var (
	ErrPublisherNotStarted  = errors.New("broker: publisher has not been started")
	ErrTransportUnavailable = errors.New("broker: transport unavailable")
	ErrPublishNacked        = errors.New("broker: publish was not confirmed")
)
