package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DefaultMaxInFlight bounds concurrently processed inbound messages.
const DefaultMaxInFlight = 32

// DefaultErrorMessage is sent when a turn fails outright.
const DefaultErrorMessage = "Gracias por tu mensaje. Tuvimos un problema al procesarlo, ¿me lo puedes enviar de nuevo en un momento?"

// TurnHandler runs one conversational turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error)
}

// HandlerOpts configures a ResponseHandler.
type HandlerOpts struct {
	MaxInFlight  int64
	ErrorMessage string
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*HandlerOpts)

// WithMaxInFlight bounds concurrently processed messages.
func WithMaxInFlight(n int64) HandlerOption {
	return func(o *HandlerOpts) { o.MaxInFlight = n }
}

// WithErrorMessage overrides the reply sent when a turn fails.
func WithErrorMessage(msg string) HandlerOption {
	return func(o *HandlerOpts) { o.ErrorMessage = msg }
}

// ResponseHandler consumes inbound messages from a Service, runs each through the
// turn handler and delivers the reply. Messages of different leads run
// concurrently; the turn handler serializes turns of one lead.
type ResponseHandler struct {
	msgService Service
	turns      TurnHandler
	sem        *semaphore.Weighted
	errorMsg   string
	wg         sync.WaitGroup
}

// NewResponseHandler creates a handler that answers msgService traffic with turns.
func NewResponseHandler(msgService Service, turns TurnHandler, opts ...HandlerOption) *ResponseHandler {
	cfg := HandlerOpts{MaxInFlight: DefaultMaxInFlight, ErrorMessage: DefaultErrorMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &ResponseHandler{
		msgService: msgService,
		turns:      turns,
		sem:        semaphore.NewWeighted(cfg.MaxInFlight),
		errorMsg:   cfg.ErrorMessage,
	}
}

// Start consumes Responses until the channel closes or ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.sem.Acquire(ctx, 1); err != nil {
					return
				}
				rh.wg.Add(1)
				go func() {
					defer rh.wg.Done()
					defer rh.sem.Release(1)
					if err := rh.ProcessResponse(ctx, response); err != nil {
						slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
					}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the consumer loop and all in-flight messages finish.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// ProcessResponse runs one inbound message through a turn and sends the reply.
// Redelivered messages get no reply. Send failures are logged and not retried.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return nil
	}
	req := models.TurnRequest{
		UserID:      from,
		Text:        response.Body,
		Attachments: response.Attachments,
		MessageID:   response.MessageID,
	}
	res, err := rh.turns.HandleTurn(ctx, req)
	switch {
	case errors.Is(err, flow.ErrDuplicateTurn):
		return nil
	case errors.Is(err, models.ErrInvalidUserInput):
		slog.Debug("ResponseHandler.ProcessResponse: message rejected", "from", from, "error", err)
		return nil
	case err != nil:
		rh.deliver(ctx, from, rh.errorMsg, nil)
		return err
	}
	rh.deliver(ctx, from, res.ReplyText, res.ReplyAttachments)
	return nil
}

func (rh *ResponseHandler) deliver(ctx context.Context, to, text string, atts []models.Attachment) {
	if text != "" {
		if err := rh.msgService.SendMessage(ctx, to, text); err != nil {
			slog.Error("ResponseHandler: reply send failed", "to", to, "error", err)
		}
	}
	for _, att := range atts {
		if err := rh.msgService.SendAttachment(ctx, to, att); err != nil {
			slog.Error("ResponseHandler: attachment send failed", "to", to, "kind", att.Kind, "error", err)
		}
	}
}
