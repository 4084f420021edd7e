// Package model defines domain models and data structures.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channel is the category of outbound work.
type Channel string

const (
	// ChannelWhatsApp delivers messages through the WhatsApp bridge.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelEmail delivers transactional email over SMTP.
	ChannelEmail Channel = "email"
	// ChannelCRMSync synchronizes entities with the CRM.
	ChannelCRMSync Channel = "crm_sync"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelWhatsApp, ChannelEmail, ChannelCRMSync}

// ParseChannel validates a raw channel name.
func ParseChannel(raw string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(raw))); c {
	case ChannelWhatsApp, ChannelEmail, ChannelCRMSync:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
}

// Direction describes which way a work item moves data.
type Direction string

const (
	// DirectionOutbound pushes local state to the provider.
	DirectionOutbound Direction = "outbound"
	// DirectionInboundImport pulls provider state into the local store.
	DirectionInboundImport Direction = "inbound_import"
	// DirectionBidirectional reconciles both sides.
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether the direction is known.
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutbound, DirectionInboundImport, DirectionBidirectional:
		return true
	default:
		return false
	}
}

// Priority orders due items; lower values are dispatched first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityUrgent: "urgent",
	PriorityHigh:   "high",
	PriorityNormal: "normal",
	PriorityLow:    "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}

	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether the priority is one of the four bands.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a name into a Priority. Empty input yields PriorityNormal.
func ParsePriority(raw string) (Priority, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return PriorityNormal, nil
	}

	for p, name := range priorityNames {
		if name == raw {
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, raw)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// QueueItem is one unit of outbound delivery or sync work.
type QueueItem struct {
	ID                int64      `json:"id"`
	Channel           Channel    `json:"channel"`
	Direction         Direction  `json:"direction"`
	Payload           Payload    `json:"-"`
	Destination       string     `json:"destination"`
	Priority          Priority   `json:"priority"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	TrackingCode      string     `json:"tracking_code"`
	LastError         *string    `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
}

// Due reports whether the item is eligible for dispatch at now.
func (i *QueueItem) Due(now time.Time) bool {
	return i.ScheduledFor == nil || !i.ScheduledFor.After(now)
}

// AttemptsExhausted reports whether no further attempt is allowed.
func (i *QueueItem) AttemptsExhausted() bool {
	return i.Attempts >= i.MaxAttempts
}

// EnqueueParams represents parameters for creating a new queue item.
type EnqueueParams struct {
	Channel      Channel    `json:"channel"`
	Direction    Direction  `json:"direction"`
	Payload      Payload    `json:"-"`
	Destination  string     `json:"destination"`
	Priority     Priority   `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`
	TrackingCode string     `json:"-"`
}

// UnmarshalJSON decodes the payload into the variant named by the channel field.
func (p *EnqueueParams) UnmarshalJSON(data []byte) error {
	type plain EnqueueParams

	aux := struct {
		*plain
		Payload json.RawMessage `json:"payload"`
	}{plain: (*plain)(p)}

	// an omitted priority means normal, not the zero band
	p.Priority = PriorityNormal

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}

	payload, err := UnmarshalPayload(p.Channel, aux.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	p.Payload = payload

	return nil
}

// Validate validates the enqueue parameters.
func (p *EnqueueParams) Validate() error {
	if _, err := ParseChannel(string(p.Channel)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if p.Direction == "" {
		p.Direction = DirectionOutbound
	}

	if !p.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, p.Direction)
	}

	if p.Channel != ChannelCRMSync && p.Direction != DirectionOutbound {
		return fmt.Errorf("%w: channel %s only supports outbound", ErrValidation, p.Channel)
	}

	if strings.TrimSpace(p.Destination) == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}

	if p.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}

	if p.Payload.Channel() != p.Channel {
		return fmt.Errorf("%w: %s payload on %s channel", ErrValidation, p.Payload.Channel(), p.Channel)
	}

	if err := p.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrValidation, p.Priority)
	}

	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrValidation)
	}

	return nil
}

// PendingFilter narrows ListPending results.
type PendingFilter struct {
	Channel     Channel
	Priority    *Priority
	DueBefore   *time.Time
	Destination string
	Limit       int
}

// StatusCount is the number of items of one channel in a given status.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}
