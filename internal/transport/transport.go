package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/iago/leave-bot/internal/apperror"
)

// Content is either a template with variables or a plain body.
type Content struct {
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Body       string            `json:"body,omitempty"`
}

func Text(body string) Content {
	return Content{Body: body}
}

// Sender delivers one outbound message and returns the provider message id.
// Delivery is confirmed later through the status webhook.
type Sender interface {
	Send(ctx context.Context, to string, content Content) (string, error)
}

// Error is a failed call to the messaging provider.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("whatsapp status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("whatsapp transport: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isRetryable(err error) bool {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Retryable()
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func external(err error) error {
	return apperror.ExternalService(
		"transport_error",
		"We could not send the message right now. Please try again later or contact support.",
		err,
	)
}
