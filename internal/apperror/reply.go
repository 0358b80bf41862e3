package apperror

import (
	"context"
	"errors"
	"fmt"
)

const genericReply = "Sorry, I could not process your message. Please try again later or contact support."

// ReplyError is what the task executor re-raises after a failed task: the
// message that goes back to the user plus a stable code.
type ReplyError struct {
	Code        string
	UserMessage string
	Kind        Kind
	Err         error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("reply %s: %v", e.Code, e.Err)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// AsReply maps any error to a ReplyError.
func AsReply(err error) *ReplyError {
	if err == nil {
		return nil
	}
	var reply *ReplyError
	if errors.As(err, &reply) {
		return reply
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		message := appErr.Message
		if message == "" {
			message = defaultMessage(appErr.Kind)
		}
		return &ReplyError{Code: appErr.Code, UserMessage: message, Kind: appErr.Kind, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ReplyError{Code: "interrupted", UserMessage: genericReply, Kind: KindTimeout, Err: err}
	}
	return &ReplyError{Code: "internal_error", UserMessage: genericReply, Kind: KindStorage, Err: err}
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindUserInput:
		return "Sorry, I did not understand that. Could you rephrase?"
	case KindValidationConflict:
		return "There is a problem with the dates in your request. Please check and send them again."
	case KindTimeout:
		return "This request has expired. Please submit it again."
	case KindExternalService:
		return "We could not reach an external service. Please contact support if this keeps happening."
	default:
		return genericReply
	}
}
