package broker

import (
	"maps"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names used on board event messages.
const (
	HeaderCorrelationID  = "correlation_id"
	HeaderIdempotencyKey = "idempotency_key"
	HeaderRetryCount     = "x-retry-count"
	HeaderLastError      = "last-error"
	HeaderFailureReason  = "failure_reason"
	HeaderError          = "error"
)

// FailureInvalidPayload marks deliveries whose body could not be decoded.
const FailureInvalidPayload = "invalid_payload"

// RetryCount reads x-retry-count, defaulting to 0 when absent or unreadable.
func RetryCount(h amqp.Table) int {
	switch v := h[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// WithRetry copies h and stamps the retry count and last error.
func WithRetry(h amqp.Table, count int, lastErr error) amqp.Table {
	out := copyTable(h)
	out[HeaderRetryCount] = int32(count)
	if lastErr != nil {
		out[HeaderLastError] = lastErr.Error()
	}
	return out
}

// WithFailure copies h and stamps a failure reason and error text.
func WithFailure(h amqp.Table, reason string, cause error) amqp.Table {
	out := copyTable(h)
	out[HeaderFailureReason] = reason
	if cause != nil {
		out[HeaderError] = cause.Error()
	}
	return out
}

func copyTable(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+2)
	maps.Copy(out, h)
	return out
}
