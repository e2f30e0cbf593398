package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // set only for a live client; mocks have no event stream
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number or JID user to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("WhatsAppService", recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService.Start: event handler registered")
	go func() {
		<-ctx.Done()
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		slog.Debug("WhatsAppService: event handler removed")
	}()
	return nil
}

// Stop closes the event channels. Later sends fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a text message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()}, "receipt", "WhatsAppService")
	return nil
}

// SendAttachment sends the attachment rendered as text; media upload is not used.
func (s *WhatsAppService) SendAttachment(ctx context.Context, to string, att models.Attachment) error {
	text := RenderAttachment(att)
	if text == "" {
		return nil
	}
	return s.SendMessage(ctx, to, text)
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of inbound lead messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

// inboundFromEvent extracts a Response from a whatsmeow message. Group chats,
// own messages and content without text or media are skipped.
func inboundFromEvent(evt *events.Message) (models.Response, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	msg := evt.Message
	resp := models.Response{
		From:      evt.Info.Sender.User,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: evt.Info.ID,
	}
	switch {
	case msg.GetConversation() != "":
		resp.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		resp.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		resp.Body = msg.GetImageMessage().GetCaption()
		resp.Attachments = []models.Attachment{{Kind: models.AttachmentImage, Caption: resp.Body}}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		resp.Body = doc.GetCaption()
		resp.Attachments = []models.Attachment{{Kind: models.AttachmentDocument, Caption: doc.GetFileName()}}
	default:
		return models.Response{}, false
	}
	return resp, true
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	resp, ok := inboundFromEvent(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring message", "from", evt.Info.Sender.String())
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if emit(s.responses, resp, "message", "WhatsAppService") {
		slog.Debug("WhatsAppService incoming message forwarded", "from", resp.From, "messageID", resp.MessageID)
	}
}

func receiptStatus(t events.ReceiptType) (models.MessageStatus, bool) {
	switch t {
	case events.ReceiptTypeDelivered:
		return models.MessageStatusDelivered, true
	case events.ReceiptTypeRead:
		return models.MessageStatusRead, true
	}
	return "", false
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	status, ok := receiptStatus(evt.Type)
	if !ok {
		return
	}
	receipt := models.Receipt{To: evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	emit(s.receipts, receipt, "receipt", "WhatsAppService")
}
