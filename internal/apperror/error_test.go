package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("run task: %w", UserInput("unknown_intent", "", ErrUnknownIntent))

	assert.Equal(t, KindUserInput, KindOf(err))
	assert.True(t, errors.Is(err, ErrUnknownIntent))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestAsReplyUsesKindDefaultMessage(t *testing.T) {
	reply := AsReply(Timeout("request_expired", "", ErrRequestExpired))

	require.NotNil(t, reply)
	assert.Equal(t, "request_expired", reply.Code)
	assert.Equal(t, KindTimeout, reply.Kind)
	assert.Contains(t, reply.UserMessage, "expired")
}

func TestAsReplyKeepsExistingReply(t *testing.T) {
	original := &ReplyError{Code: "x", UserMessage: "y"}
	assert.Same(t, original, AsReply(fmt.Errorf("wrap: %w", original)))
}

func TestAsReplyUnknownErrorIsGeneric(t *testing.T) {
	reply := AsReply(errors.New("boom"))
	assert.Equal(t, "internal_error", reply.Code)
	assert.Equal(t, genericReply, reply.UserMessage)

	reply = AsReply(context.DeadlineExceeded)
	assert.Equal(t, "interrupted", reply.Code)
	assert.Nil(t, AsReply(nil))
}
