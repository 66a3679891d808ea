package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrQueueFull          = errors.New("processing queue is full")
	ErrOverCapacity       = errors.New("connection capacity exceeded")
	ErrPreconditionFailed = errors.New("status precondition failed")
	ErrCannotCancel       = errors.New("notification cannot be cancelled")
	ErrShutdown           = errors.New("engine is shutting down")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrDuplicate          = errors.New("duplicate notification")
	ErrBlockedSender      = errors.New("sender is blocked by recipient")
	ErrNoChannels         = errors.New("no delivery channels enabled")
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// DeliveryError is an adapter failure with its retry classification.
// Retryable failures (timeouts, 5xx, external rate caps, connection gone)
// re-schedule the notification; permanent ones terminate the channel attempt.
type DeliveryError struct {
	Channel   Channel
	Code      string
	Message   string
	Retryable bool
}

func (e DeliveryError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s delivery failed (%s, %s): %s", e.Channel, e.Code, kind, e.Message)
}

func NewTransientError(channel Channel, code, message string) DeliveryError {
	return DeliveryError{Channel: channel, Code: code, Message: message, Retryable: true}
}

func NewPermanentError(channel Channel, code, message string) DeliveryError {
	return DeliveryError{Channel: channel, Code: code, Message: message, Retryable: false}
}

// IsRetryable reports whether err should trigger a retry. Unclassified
// errors are treated as transient so a flaky dependency cannot permanently
// fail a notification.
func IsRetryable(err error) bool {
	var de DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
