package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
)

// WhatsAppAdapter sends messages through an HTTP WhatsApp bridge.
type WhatsAppAdapter struct {
	cfg    config.WhatsAppConfig
	client *HTTPClient
}

// NewWhatsAppAdapter creates the WhatsApp bridge adapter.
func NewWhatsAppAdapter(cfg config.WhatsAppConfig, client *HTTPClient) *WhatsAppAdapter {
	return &WhatsAppAdapter{cfg: cfg, client: client}
}

// Channel returns model.ChannelWhatsApp.
func (*WhatsAppAdapter) Channel() model.Channel { return model.ChannelWhatsApp }

type whatsAppFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

type whatsAppRequest struct {
	ChatID  string        `json:"chatId"`
	Session string        `json:"session"`
	Text    string        `json:"text,omitempty"`
	Caption string        `json:"caption,omitempty"`
	File    *whatsAppFile `json:"file,omitempty"`
}

type whatsAppResponse struct {
	ID  string `json:"id"`
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// Send posts the message to the bridge and returns the bridge message id.
func (a *WhatsAppAdapter) Send(ctx context.Context, item *model.QueueItem) Result {
	payload, ok := item.Payload.(model.WhatsAppPayload)
	if !ok {
		return Result{Err: payloadError(item, model.ChannelWhatsApp)}
	}

	chatID, perr := chatIDFor(item.Destination)
	if perr != nil {
		return Result{Err: perr}
	}

	session := payload.Session
	if session == "" {
		session = a.cfg.Session
	}

	req := whatsAppRequest{ChatID: chatID, Session: session}
	path := "/api/sendText"

	if payload.Attachment != nil {
		path = "/api/sendFile"
		req.Caption = payload.Text
		req.File = &whatsAppFile{
			URL:      payload.Attachment.URL,
			Filename: payload.Attachment.Filename,
			Mimetype: payload.Attachment.ContentType,
		}
	} else {
		req.Text = payload.Text
	}

	header := http.Header{}
	if a.cfg.APIKey != "" {
		header.Set("X-Api-Key", a.cfg.APIKey)
	}

	var resp whatsAppResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, joinURL(a.cfg.BaseURL, path), header, req, &resp); err != nil {
		return Failed(err)
	}

	id := resp.ID
	if id == "" {
		id = resp.Key.ID
	}

	if id == "" {
		return Result{Err: model.NewTransientError("no_id", "whatsapp bridge accepted item %d without a message id", item.ID)}
	}

	return Succeeded(id)
}

// chatIDFor turns a phone number into a bridge chat id. Anything without
// enough digits is an invalid destination and is never retried.
func chatIDFor(destination string) (string, *model.ProviderError) {
	destination = strings.TrimSpace(destination)
	if strings.Contains(destination, "@") {
		return destination, nil
	}

	var digits strings.Builder

	for _, r := range destination {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", model.NewPermanentError("invalid_destination", "invalid whatsapp number %q", destination)
		}
	}

	if digits.Len() < 8 || digits.Len() > 15 {
		return "", model.NewPermanentError("invalid_destination", "invalid whatsapp number %q", destination)
	}

	return digits.String() + "@c.us", nil
}
