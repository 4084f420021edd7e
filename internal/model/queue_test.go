package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEmail() *EnqueueParams {
	return &EnqueueParams{
		Channel:     ChannelEmail,
		Destination: "a@example.com",
		Priority:    PriorityNormal,
		Payload:     EmailPayload{Subject: "Hi", TextBody: "Body"},
	}
}

func TestEnqueueParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(p *EnqueueParams)
		wantErr bool
	}{
		{name: "valid", mutate: func(*EnqueueParams) {}},
		{name: "unknown channel", mutate: func(p *EnqueueParams) { p.Channel = "sms" }, wantErr: true},
		{name: "missing destination", mutate: func(p *EnqueueParams) { p.Destination = " " }, wantErr: true},
		{name: "missing payload", mutate: func(p *EnqueueParams) { p.Payload = nil }, wantErr: true},
		{name: "payload of another channel", mutate: func(p *EnqueueParams) { p.Payload = WhatsAppPayload{Text: "x"} }, wantErr: true},
		{name: "invalid payload", mutate: func(p *EnqueueParams) { p.Payload = EmailPayload{Subject: "Hi"} }, wantErr: true},
		{name: "email cannot import", mutate: func(p *EnqueueParams) { p.Direction = DirectionInboundImport }, wantErr: true},
		{name: "bad priority", mutate: func(p *EnqueueParams) { p.Priority = 9 }, wantErr: true},
		{name: "negative attempts", mutate: func(p *EnqueueParams) { p.MaxAttempts = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := validEmail()
			tt.mutate(p)

			err := p.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, DirectionOutbound, p.Direction)
		})
	}
}

func TestEnqueueParams_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	var p EnqueueParams

	err := json.Unmarshal([]byte(`{
		"channel": "crm_sync",
		"direction": "bidirectional",
		"destination": "contact:c1",
		"payload": {"entity_type": "contact", "local_id": "c1", "strategy": "merge_fill"}
	}`), &p)
	require.NoError(t, err)

	assert.Equal(t, PriorityNormal, p.Priority)
	assert.Equal(t, CrmSyncPayload{EntityType: "contact", LocalID: "c1", Strategy: StrategyMergeFill}, p.Payload)
	require.NoError(t, p.Validate())

	err = json.Unmarshal([]byte(`{"channel":"email","priority":"urgent","payload":{"subject":"x","text_body":"y"}}`), &p)
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p.Priority)
	assert.IsType(t, EmailPayload{}, p.Payload)

	err = json.Unmarshal([]byte(`{"channel":"email","priority":"asap"}`), &p)
	require.ErrorIs(t, err, ErrValidation)

	err = json.Unmarshal([]byte(`{"channel":"fax","payload":{}}`), &p)
	require.ErrorIs(t, err, ErrValidation)
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	in := WhatsAppPayload{
		Text:       "Your order shipped",
		Attachment: &Attachment{URL: "https://files.example.com/r.pdf", Filename: "r.pdf"},
		Source:     &SourceRef{Entity: "order", ID: "o-1"},
	}

	raw, err := MarshalPayload(in)
	require.NoError(t, err)

	out, err := UnmarshalPayload(ChannelWhatsApp, raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, in.Source, SourceOf(out))

	_, err = UnmarshalPayload("fax", raw)
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestScheduleDefinition_Advance(t *testing.T) {
	t.Parallel()

	due := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	def := &ScheduleDefinition{Cadence: 15 * time.Minute, NextDue: due}

	assert.Equal(t, due.Add(15*time.Minute), def.Advance(due))
	// missed periods are skipped rather than replayed
	assert.Equal(t, due.Add(time.Hour), def.Advance(due.Add(50*time.Minute)))

	fresh := &ScheduleDefinition{Cadence: time.Hour}
	assert.Equal(t, due.Add(time.Hour), fresh.Advance(due))
}

func TestScheduleDefinition_Validate(t *testing.T) {
	t.Parallel()

	def := &ScheduleDefinition{Name: "contacts", EntityType: "contact", Direction: DirectionBidirectional, Cadence: time.Minute, BatchSize: 10}
	require.ErrorIs(t, def.Validate(), ErrValidation)

	def.Strategy = StrategyRemoteWins
	require.NoError(t, def.Validate())
}
