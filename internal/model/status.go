package model

import "fmt"

// Status is the lifecycle state of a QueueItem.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusSent            Status = "sent"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusCancelled       Status = "cancelled"
	StatusDelivered       Status = "delivered"
	StatusRead            Status = "read"
	StatusOpened          Status = "opened"
	StatusClicked         Status = "clicked"
	StatusBounced         Status = "bounced"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}

	return s, nil
}

// Valid reports whether the status is part of the lifecycle.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailedRetryable, StatusFailedPermanent,
		StatusCancelled, StatusDelivered, StatusRead, StatusOpened, StatusClicked, StatusBounced:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusFailedPermanent, StatusBounced:
		return true
	default:
		return false
	}
}

// Active reports whether the item is still in the dispatch queue.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFailedRetryable:
		return true
	default:
		return false
	}
}

// deliveryRank orders post-send statuses. Statuses outside the map are not delivery progress.
var deliveryRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusOpened:    3,
	StatusClicked:   4,
}

// queueTransitions are the dispatcher-owned edges.
var queueTransitions = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusSent, StatusFailedRetryable, StatusFailedPermanent, StatusPending},
	StatusFailedRetryable: {StatusPending, StatusFailedPermanent},
}

// CanTransition reports whether the dispatcher may move an item from one status to another.
// processing -> pending is the release path for items refused by the throttle.
func CanTransition(from, to Status) bool {
	for _, next := range queueTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// DeliveryStatuses returns the post-send statuses a channel can report.
func DeliveryStatuses(c Channel) []Status {
	switch c {
	case ChannelWhatsApp:
		return []Status{StatusDelivered, StatusRead}
	case ChannelEmail:
		return []Status{StatusDelivered, StatusOpened, StatusClicked, StatusBounced}
	default:
		return nil
	}
}

func supportsDeliveryStatus(c Channel, s Status) bool {
	for _, candidate := range DeliveryStatuses(c) {
		if candidate == s {
			return true
		}
	}

	return false
}

// CanAdvance reports whether a webhook-reported status moves the item forward.
// Statuses may be skipped; a status at or below the current rank is a no-op.
func CanAdvance(c Channel, from, to Status) bool {
	if !supportsDeliveryStatus(c, to) {
		return false
	}

	if to == StatusBounced {
		return from == StatusSent || from == StatusDelivered
	}

	fromRank, ok := deliveryRank[from]
	if !ok {
		return false
	}

	return deliveryRank[to] > fromRank
}
