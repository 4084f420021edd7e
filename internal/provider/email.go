package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
)

// MailSender hands a rendered message to an SMTP server.
type MailSender func(ctx context.Context, from string, to []string, msg []byte) error

// EmailAdapter sends transactional email over SMTP.
type EmailAdapter struct {
	cfg     config.SMTPConfig
	send    MailSender
	timeout time.Duration
	now     func() time.Time
}

// EmailOption customizes an EmailAdapter.
type EmailOption func(*EmailAdapter)

// WithMailSender replaces the SMTP transport.
func WithMailSender(s MailSender) EmailOption {
	return func(a *EmailAdapter) { a.send = s }
}

// WithEmailClock replaces time.Now for the Date header.
func WithEmailClock(now func() time.Time) EmailOption {
	return func(a *EmailAdapter) { a.now = now }
}

// NewEmailAdapter creates the SMTP adapter.
func NewEmailAdapter(cfg config.SMTPConfig, timeout time.Duration, opts ...EmailOption) *EmailAdapter {
	a := &EmailAdapter{cfg: cfg, timeout: timeout, now: time.Now}
	a.send = a.deliver

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Channel returns model.ChannelEmail.
func (*EmailAdapter) Channel() model.Channel { return model.ChannelEmail }

// Send renders and submits the message. The Message-ID is the external id.
func (a *EmailAdapter) Send(ctx context.Context, item *model.QueueItem) Result {
	payload, ok := item.Payload.(model.EmailPayload)
	if !ok {
		return Result{Err: payloadError(item, model.ChannelEmail)}
	}

	to, err := mail.ParseAddress(item.Destination)
	if err != nil {
		return Result{Err: model.NewPermanentError("invalid_destination", "invalid email address %q: %v", item.Destination, err)}
	}

	messageID := uuid.NewString() + "@" + a.cfg.Domain

	msg, err := a.render(payload, to, messageID, item.TrackingCode)
	if err != nil {
		return Result{Err: model.NewPermanentError("render", "failed to render item %d: %v", item.ID, err)}
	}

	if err := a.send(ctx, a.cfg.From, []string{to.Address}, msg); err != nil {
		return Result{Err: classifySMTP(err)}
	}

	return Succeeded(messageID)
}

func (a *EmailAdapter) render(p model.EmailPayload, to *mail.Address, messageID, trackingCode string) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: a.cfg.FromName, Address: a.cfg.From}

	header := textproto.MIMEHeader{}
	header.Set("From", from.String())
	header.Set("To", to.String())
	header.Set("Subject", mime.QEncoding.Encode("utf-8", p.Subject))
	header.Set("Date", a.now().Format(time.RFC1123Z))
	header.Set("Message-ID", "<"+messageID+">")
	header.Set("MIME-Version", "1.0")

	if trackingCode != "" {
		header.Set("X-Tracking-Code", trackingCode)
	}

	if p.ReplyTo != "" {
		header.Set("Reply-To", p.ReplyTo)
	}

	text := p.TextBody
	if len(p.Attachments) > 0 {
		text += attachmentFooter(p.Attachments)
	}

	mw := multipart.NewWriter(&buf)
	header.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())

	var head bytes.Buffer
	for _, k := range []string{"From", "To", "Reply-To", "Subject", "Date", "Message-ID", "X-Tracking-Code", "MIME-Version", "Content-Type"} {
		if v := header.Get(k); v != "" {
			fmt.Fprintf(&head, "%s: %s\r\n", k, v)
		}
	}

	head.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", p.HTMLBody},
	}

	for _, part := range parts {
		if strings.TrimSpace(part.body) == "" {
			continue
		}

		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}

		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

func attachmentFooter(attachments []model.Attachment) string {
	var b strings.Builder

	b.WriteString("\n\nAttachments:\n")

	for _, att := range attachments {
		name := att.Filename
		if name == "" {
			name = att.URL
		}

		fmt.Fprintf(&b, "- %s: %s\n", name, att.URL)
	}

	return b.String()
}

// classifySMTP treats 5xx replies as permanent and everything else as transient.
func classifySMTP(err error) *model.ProviderError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := strconv.Itoa(tpErr.Code)
		if tpErr.Code >= 500 {
			return model.NewPermanentError(code, "smtp rejected message: %s", tpErr.Msg)
		}

		return model.NewTransientError(code, "smtp deferred message: %s", tpErr.Msg)
	}

	return model.NewTransientError("network", "smtp delivery failed: %v", err)
}

// deliver speaks SMTP with STARTTLS when offered, bounded by ctx and the adapter timeout.
func (a *EmailAdapter) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, a.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: a.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}

	if a.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}

	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}

	if _, err := w.Write(msg); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	return c.Quit()
}
