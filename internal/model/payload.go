package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload is the channel-specific content carried by a QueueItem.
// Implementations are WhatsAppPayload, EmailPayload and CrmSyncPayload.
type Payload interface {
	Channel() Channel
	Validate() error
	isPayload()
}

// Attachment references a file stored elsewhere.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SourceRef points at the business entity that produced a message.
type SourceRef struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// WhatsAppPayload is a message sent through the WhatsApp bridge.
type WhatsAppPayload struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Session    string      `json:"session,omitempty"`
	Source     *SourceRef  `json:"source,omitempty"`
}

func (WhatsAppPayload) Channel() Channel { return ChannelWhatsApp }
func (WhatsAppPayload) isPayload()       {}

// Validate requires either text or an attachment.
func (p WhatsAppPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" && p.Attachment == nil {
		return errors.New("whatsapp payload needs text or an attachment")
	}

	if p.Attachment != nil && strings.TrimSpace(p.Attachment.URL) == "" {
		return errors.New("whatsapp attachment url is required")
	}

	return nil
}

// EmailPayload is a rendered transactional email.
type EmailPayload struct {
	Subject     string       `json:"subject"`
	HTMLBody    string       `json:"html_body,omitempty"`
	TextBody    string       `json:"text_body,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Source      *SourceRef   `json:"source,omitempty"`
}

func (EmailPayload) Channel() Channel { return ChannelEmail }
func (EmailPayload) isPayload()       {}

// Validate requires a subject and a body.
func (p EmailPayload) Validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("email subject is required")
	}

	if strings.TrimSpace(p.HTMLBody) == "" && strings.TrimSpace(p.TextBody) == "" {
		return errors.New("email body is required")
	}

	return nil
}

// SyncSide identifies one of the two systems of record.
type SyncSide string

const (
	SideLocal  SyncSide = "local"
	SideRemote SyncSide = "remote"
)

// CrmSyncPayload references an entity to synchronize with the CRM.
type CrmSyncPayload struct {
	EntityType string           `json:"entity_type"`
	LocalID    string           `json:"local_id,omitempty"`
	RemoteID   string           `json:"remote_id,omitempty"`
	Origin     SyncSide         `json:"origin,omitempty"`
	Strategy   ConflictStrategy `json:"strategy,omitempty"`
	ScheduleID int64            `json:"schedule_id,omitempty"`
}

func (CrmSyncPayload) Channel() Channel { return ChannelCRMSync }
func (CrmSyncPayload) isPayload()       {}

// Validate requires an entity type and at least one identity.
func (p CrmSyncPayload) Validate() error {
	if strings.TrimSpace(p.EntityType) == "" {
		return errors.New("crm sync entity_type is required")
	}

	if p.LocalID == "" && p.RemoteID == "" {
		return errors.New("crm sync needs a local_id or remote_id")
	}

	if p.Strategy != "" && !p.Strategy.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", p.Strategy)
	}

	return nil
}

// MarshalPayload encodes a payload for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is nil")
	}

	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload into the variant that belongs to channel.
func UnmarshalPayload(c Channel, data []byte) (Payload, error) {
	switch c {
	case ChannelWhatsApp:
		var p WhatsAppPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode whatsapp payload: %w", err)
		}

		return p, nil
	case ChannelEmail:
		var p EmailPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode email payload: %w", err)
		}

		return p, nil
	case ChannelCRMSync:
		var p CrmSyncPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode crm sync payload: %w", err)
		}

		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, c)
	}
}

// SourceOf returns the source entity reference of a payload, if any.
func SourceOf(p Payload) *SourceRef {
	switch v := p.(type) {
	case WhatsAppPayload:
		return v.Source
	case EmailPayload:
		return v.Source
	default:
		return nil
	}
}
