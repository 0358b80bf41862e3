package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/policy"
	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of the provider. Used when no
// WhatsApp endpoint is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("transport.log")}
}

func (s *LogSender) Send(_ context.Context, to string, content Content) (string, error) {
	providerID := "local-" + uuid.NewString()
	s.logger.Info("outbound message",
		zap.String("to", policy.MaskNumber(to)),
		zap.String("provider_id", providerID),
		zap.String("template_id", content.TemplateID),
		zap.Any("variables", content.Variables),
		zap.String("body", policy.MaskText(content.Body)),
	)
	return providerID, nil
}
