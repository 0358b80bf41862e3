package domain

import "time"

type MessageKind string

const (
	MessageKindPrimary MessageKind = "PRIMARY"
	MessageKindForward MessageKind = "FORWARD"
	MessageKindSummary MessageKind = "SUMMARY"
)

type DeliveryStatus string

const (
	DeliveryPendingCallback DeliveryStatus = "PENDING_CALLBACK"
	DeliveryCompleted       DeliveryStatus = "COMPLETED"
	DeliveryFailed          DeliveryStatus = "FAILED"
)

// Resolved reports whether the status is terminal.
func (s DeliveryStatus) Resolved() bool {
	return s == DeliveryCompleted || s == DeliveryFailed
}

// OutgoingMessage is one outbound unit of communication. Messages sharing a
// non-zero SeqNo under the same job form one fan-out batch.
type OutgoingMessage struct {
	ID         string
	JobID      string
	UserID     string
	To         string
	SeqNo      int
	Kind       MessageKind
	ProviderID string
	Status     DeliveryStatus
	TemplateID string
	Variables  map[string]string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ForwardBatch tracks one fan-out action and how often its aggregate status
// was pushed to the job owner.
type ForwardBatch struct {
	JobID       string
	SeqNo       int
	Total       int
	NotifyCount int
	CreatedAt   time.Time
}

// BatchSummary groups batch recipients by outcome.
type BatchSummary struct {
	Succeeded []string
	Failed    []string
	Pending   []string
}

// Resolved reports whether no recipient is still pending.
func (s BatchSummary) Resolved() bool {
	return len(s.Pending) == 0
}

// InboundMessage is the payload handed over by the web ingestion layer.
type InboundMessage struct {
	From              string    `json:"from"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"provider_message_id"`
	RepliedToID       string    `json:"replied_to_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}
