package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// turnFunc adapts a function to TurnHandler.
type turnFunc func(ctx context.Context, req models.TurnRequest) (models.TurnResult, error)

func (f turnFunc) HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error) {
	return f(ctx, req)
}

func TestProcessResponse_SendsReplyAndAttachments(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	var got models.TurnRequest
	rh := NewResponseHandler(svc, turnFunc(func(_ context.Context, req models.TurnRequest) (models.TurnResult, error) {
		got = req
		return models.TurnResult{
			ReplyText:        "Aquí tienes el temario.",
			ReplyAttachments: []models.Attachment{{Kind: models.AttachmentDocument, Caption: "Temario", URL: "https://x/t.pdf"}},
		}, nil
	}))

	err := rh.ProcessResponse(context.Background(), models.Response{From: "whatsapp:+5215550001234", Body: "mándame el temario", MessageID: "SM9"})
	require.NoError(t, err)
	assert.Equal(t, "5215550001234", got.UserID)
	assert.Equal(t, "SM9", got.MessageID)

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Aquí tienes el temario.", sent[0].Body)
	assert.Equal(t, "https://x/t.pdf", sent[1].MediaURL)
}

func TestProcessResponse_SilentOnDuplicateAndInvalid(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	for _, turnErr := range []error{flow.ErrDuplicateTurn, fmt.Errorf("%w: empty", models.ErrInvalidUserInput)} {
		rh := NewResponseHandler(svc, turnFunc(func(context.Context, models.TurnRequest) (models.TurnResult, error) {
			return models.TurnResult{}, turnErr
		}))
		assert.NoError(t, rh.ProcessResponse(context.Background(), models.Response{From: "5215550001234", Body: "hola", MessageID: "A"}))
	}
	assert.Empty(t, mock.Sent())
}

func TestProcessResponse_ErrorSendsApology(t *testing.T) {
	mock := whatsapp.NewMockClient()
	boom := errors.New("store offline")
	rh := NewResponseHandler(NewWhatsAppService(mock), turnFunc(func(context.Context, models.TurnRequest) (models.TurnResult, error) {
		return models.TurnResult{}, boom
	}), WithErrorMessage("intenta más tarde"))

	err := rh.ProcessResponse(context.Background(), models.Response{From: "5215550001234", Body: "hola"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, "intenta más tarde", mock.Sent()[0].Body)
}

func TestProcessResponse_SendFailureNotRetried(t *testing.T) {
	mock := whatsapp.NewMockClient()
	mock.Err = errors.New("socket closed")
	calls := 0
	rh := NewResponseHandler(NewWhatsAppService(mock), turnFunc(func(context.Context, models.TurnRequest) (models.TurnResult, error) {
		calls++
		return models.TurnResult{ReplyText: "hola"}, nil
	}))
	assert.NoError(t, rh.ProcessResponse(context.Background(), models.Response{From: "5215550001234", Body: "hola"}))
	assert.Equal(t, 1, calls)
	assert.Empty(t, mock.Sent())
}

func TestProcessResponse_InvalidSenderSkipped(t *testing.T) {
	called := false
	rh := NewResponseHandler(NewWhatsAppService(whatsapp.NewMockClient()), turnFunc(func(context.Context, models.TurnRequest) (models.TurnResult, error) {
		called = true
		return models.TurnResult{}, nil
	}))
	assert.NoError(t, rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hola"}))
	assert.False(t, called)
}

func TestStart_ProcessesConcurrentlyAndDrains(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	var mu sync.Mutex
	inFlight, peak := 0, 0
	rh := NewResponseHandler(svc, turnFunc(func(_ context.Context, req models.TurnRequest) (models.TurnResult, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return models.TurnResult{ReplyText: "ok " + req.UserID}, nil
	}), WithMaxInFlight(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)
	for i := 0; i < 6; i++ {
		svc.responses <- models.Response{From: fmt.Sprintf("521555000%04d", i), Body: "hola"}
	}
	require.Eventually(t, func() bool { return len(mock.Sent()) == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop())
	rh.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestResponseHandler_DrivesOrchestrator(t *testing.T) {
	repo := store.NewInMemoryStore()
	orch, err := flow.NewOrchestrator(flow.Dependencies{
		Memory:  memory.New(repo),
		Catalog: &catalog.StaticStore{},
		Dedup:   repo,
		Policy:  config.DefaultPolicy(),
	})
	require.NoError(t, err)

	mock := whatsapp.NewMockClient()
	rh := NewResponseHandler(NewWhatsAppService(mock), orch)
	in := models.Response{From: "+52 1 555 000 1234", Body: "Hola", MessageID: "wamid-1"}

	require.NoError(t, rh.ProcessResponse(context.Background(), in))
	require.NoError(t, rh.ProcessResponse(context.Background(), in))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5215550001234", sent[0].To)
	assert.Contains(t, sent[0].Body, "aviso de privacidad")
}
