package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type recordingAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (r *recordingAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	r.params = append(r.params, params)
	if r.err != nil {
		return nil, r.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestWhatsAppAddress(t *testing.T) {
	assert.Equal(t, "whatsapp:+5215550000", WhatsAppAddress("5215550000"))
	assert.Equal(t, "whatsapp:+5215550000", WhatsAppAddress("+5215550000"))
	assert.Equal(t, "whatsapp:+5215550000", WhatsAppAddress("whatsapp:+5215550000"))
}

func TestSendMediaSetsParams(t *testing.T) {
	api := &recordingAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550001"}
	require.NoError(t, c.SendMedia(context.Background(), "5215550000", "Brochure", "https://cursos.example.com/excel.pdf"))
	require.Len(t, api.params, 1)
	p := api.params[0]
	assert.Equal(t, "whatsapp:+5215550000", *p.To)
	assert.Equal(t, "whatsapp:+15550001", *p.From)
	assert.Equal(t, "Brochure", *p.Body)
	assert.Equal(t, []string{"https://cursos.example.com/excel.pdf"}, *p.MediaUrl)
}

func TestSendMessageWrapsErrors(t *testing.T) {
	boom := errors.New("rate limited")
	c := &Client{api: &recordingAPI{err: boom}, fromWhats: "whatsapp:+15550001"}
	err := c.SendMessage(context.Background(), "5215550000", "hola")
	assert.ErrorIs(t, err, boom)
}

func TestSendHonoursCancelledContext(t *testing.T) {
	api := &recordingAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550001"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SendMessage(ctx, "5215550000", "hola"))
	assert.Empty(t, api.params)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	_, err := NewClient(WithAccountSID("AC1"))
	assert.Error(t, err)

	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+15550001"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+15550001", c.fromWhats)
}

func TestMockClientRecords(t *testing.T) {
	m := NewMockClient()
	require.NoError(t, m.SendMessage(context.Background(), "1", "a"))
	require.NoError(t, m.SendMedia(context.Background(), "1", "b", "https://x"))
	assert.Len(t, m.Sent(), 2)
	assert.Equal(t, "https://x", m.Sent()[1].MediaURL)
}
