// Package webhook verifies and decodes provider delivery callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbound-engine/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Event is a provider callback normalized across channels.
type Event struct {
	ID           string
	Type         string
	ExternalID   string
	TrackingCode string
	// Status is empty for events that carry no delivery progress.
	Status     model.Status
	Metadata   map[string]string
	OccurredAt time.Time
}

// Sign returns the hex signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body. An unset secret rejects everything.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", model.ErrSignature)
	}

	signature = strings.ToLower(strings.TrimSpace(signature))
	signature = strings.TrimPrefix(signature, "sha256=")

	if signature == "" {
		return fmt.Errorf("%w: missing signature", model.ErrSignature)
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(secret, body))) {
		return fmt.Errorf("%w: signature does not match body", model.ErrSignature)
	}

	return nil
}

// Parse decodes a channel-specific callback body.
func Parse(channel model.Channel, body []byte) (*Event, error) {
	var (
		ev  *Event
		err error
	)

	switch channel {
	case model.ChannelWhatsApp:
		ev, err = parseWhatsApp(body)
	case model.ChannelEmail:
		ev, err = parseEmail(body)
	default:
		return nil, fmt.Errorf("%w: %q has no webhooks", model.ErrUnknownChannel, channel)
	}

	if err != nil {
		return nil, err
	}

	if ev.ExternalID == "" && ev.TrackingCode == "" {
		return nil, fmt.Errorf("%w: callback has no message id or tracking code", model.ErrValidation)
	}

	return ev, nil
}

// DedupKey identifies a distinct event: the provider's event id when present,
// otherwise a name-based UUID of the raw body.
func DedupKey(channel model.Channel, ev *Event, body []byte) string {
	if ev.ID != "" {
		return string(channel) + ":" + ev.ID
	}

	return string(channel) + ":" + uuid.NewSHA1(uuid.NameSpaceURL, body).String()
}

type whatsAppCallback struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		ID        string `json:"id"`
		Ack       int    `json:"ack"`
		Timestamp int64  `json:"timestamp"`
		From      string `json:"from"`
		To        string `json:"to"`
	} `json:"payload"`
}

// whatsAppAck maps bridge ack levels. 1 is the server receipt the send already recorded.
var whatsAppAck = map[int]model.Status{
	1: model.StatusSent,
	2: model.StatusDelivered,
	3: model.StatusRead,
	4: model.StatusRead,
}

func parseWhatsApp(body []byte) (*Event, error) {
	var cb whatsAppCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: malformed whatsapp callback: %w", model.ErrValidation, err)
	}

	ev := &Event{
		ID:         cb.ID,
		Type:       cb.Event,
		ExternalID: cb.Payload.ID,
		Status:     whatsAppAck[cb.Payload.Ack],
		Metadata:   map[string]string{"ack": fmt.Sprint(cb.Payload.Ack)},
	}

	if cb.Payload.Timestamp > 0 {
		ev.OccurredAt = time.Unix(cb.Payload.Timestamp, 0).UTC()
	}

	if cb.Payload.To != "" {
		ev.Metadata["to"] = cb.Payload.To
	}

	if ev.Type == "" {
		ev.Type = "message.ack"
	}

	return ev, nil
}

type emailCallback struct {
	EventID      string    `json:"event_id"`
	Event        string    `json:"event"`
	MessageID    string    `json:"message_id"`
	TrackingCode string    `json:"tracking_code"`
	Timestamp    time.Time `json:"timestamp"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	URL          string    `json:"url"`
	Reason       string    `json:"reason"`
}

var emailEvents = map[string]model.Status{
	"delivered": model.StatusDelivered,
	"open":      model.StatusOpened,
	"opened":    model.StatusOpened,
	"click":     model.StatusClicked,
	"clicked":   model.StatusClicked,
	"bounce":    model.StatusBounced,
	"bounced":   model.StatusBounced,
}

func parseEmail(body []byte) (*Event, error) {
	var cb emailCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: malformed email callback: %w", model.ErrValidation, err)
	}

	eventType := strings.ToLower(strings.TrimSpace(cb.Event))
	if eventType == "" {
		return nil, fmt.Errorf("%w: email callback has no event type", model.ErrValidation)
	}

	ev := &Event{
		ID:           cb.EventID,
		Type:         eventType,
		ExternalID:   strings.Trim(cb.MessageID, "<>"),
		TrackingCode: cb.TrackingCode,
		Status:       emailEvents[eventType],
		Metadata:     map[string]string{},
		OccurredAt:   cb.Timestamp,
	}

	for k, v := range map[string]string{"ip": cb.IP, "user_agent": cb.UserAgent, "url": cb.URL, "reason": cb.Reason} {
		if v != "" {
			ev.Metadata[k] = v
		}
	}

	return ev, nil
}
