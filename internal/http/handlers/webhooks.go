package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/reconciler"
	"github.com/iago/leave-bot/internal/scheduler"
	"go.uber.org/zap"
)

type inboundRequest struct {
	From        string `json:"from" validate:"required,max=32"`
	Body        string `json:"body" validate:"required,max=4096"`
	MessageID   string `json:"message_id" validate:"required,max=128"`
	RepliedToID string `json:"replied_to_id,omitempty" validate:"omitempty,max=128"`
	Timestamp   int64  `json:"timestamp,omitempty" validate:"gte=0"` // unix seconds
}

type statusRequest struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
	Status    string `json:"status" validate:"required,oneof=sent delivered read failed"`
}

// InboundMessage serves POST /webhooks/whatsapp/messages. Provider retries of
// an accepted message id are acknowledged without being processed again.
func (api *API) InboundMessage(w http.ResponseWriter, r *http.Request) {
	var request inboundRequest
	if !api.bind(w, r, &request) {
		return
	}

	ctx := r.Context()
	key := cache.InboundKey(request.MessageID)
	fresh, err := api.seen.SetIfAbsent(ctx, key, []byte(request.MessageID), api.options.DedupeTTL)
	if err != nil {
		api.logger.Error("inbound dedupe failed", zap.String("message_id", request.MessageID), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "try again later")
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	receivedAt := time.Now().UTC()
	if request.Timestamp > 0 {
		receivedAt = time.Unix(request.Timestamp, 0).UTC()
	}
	message := domain.InboundMessage{
		From:              strings.TrimSpace(request.From),
		Body:              request.Body,
		ProviderMessageID: request.MessageID,
		RepliedToID:       request.RepliedToID,
		ReceivedAt:        receivedAt,
	}

	if err := api.inbound.HandleInbound(ctx, message); err != nil {
		// Let the provider retry what was never queued.
		if delErr := api.seen.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			api.logger.Warn("release inbound dedupe key failed", zap.String("message_id", request.MessageID), zap.Error(delErr))
		}
		if errors.Is(err, scheduler.ErrBackpressure) || errors.Is(err, scheduler.ErrClosed) {
			writeError(w, r, http.StatusServiceUnavailable, "busy", "too many messages in flight")
			return
		}
		api.logger.Error("handle inbound failed", zap.String("message_id", request.MessageID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to accept message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// DeliveryStatus serves POST /webhooks/whatsapp/status.
func (api *API) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var request statusRequest
	if !api.bind(w, r, &request) {
		return
	}

	if err := api.statuses.OnStatus(r.Context(), request.MessageID, request.Status); err != nil {
		if errors.Is(err, reconciler.ErrUnknownStatus) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		api.logger.Error("apply delivery status failed",
			zap.String("message_id", request.MessageID),
			zap.String("status", request.Status),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to apply status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
