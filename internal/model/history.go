package model

import "time"

// Outcome is the terminal result recorded in a HistoryRecord.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// HistoryRecord is the immutable audit record written once when an item leaves the active queue.
type HistoryRecord struct {
	ID                int64     `json:"id"`
	QueueItemID       int64     `json:"queue_item_id"`
	Channel           Channel   `json:"channel"`
	Direction         Direction `json:"direction"`
	Destination       string    `json:"destination"`
	Outcome           Outcome   `json:"outcome"`
	Attempts          int       `json:"attempts"`
	ExternalMessageID *string   `json:"external_message_id,omitempty"`
	ErrorDetail       *string   `json:"error_detail,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewHistoryRecord builds the terminal record for item.
func NewHistoryRecord(item *QueueItem, outcome Outcome, errDetail *string, now time.Time) *HistoryRecord {
	return &HistoryRecord{
		QueueItemID:       item.ID,
		Channel:           item.Channel,
		Direction:         item.Direction,
		Destination:       item.Destination,
		Outcome:           outcome,
		Attempts:          item.Attempts,
		ExternalMessageID: item.ExternalMessageID,
		ErrorDetail:       errDetail,
		CreatedAt:         now,
	}
}

// WebhookEvent is a lightweight telemetry row for an inbound status callback.
type WebhookEvent struct {
	ID          int64             `json:"id"`
	QueueItemID int64             `json:"queue_item_id"`
	Channel     Channel           `json:"channel"`
	EventType   string            `json:"event_type"`
	Status      Status            `json:"status"`
	DedupKey    string            `json:"dedup_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	CreatedAt   time.Time         `json:"created_at"`
}
