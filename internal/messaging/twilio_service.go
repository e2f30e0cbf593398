package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// signatureHeader carries Twilio's request signature.
const signatureHeader = "X-Twilio-Signature"

// TwilioOpts configures a TwilioService.
type TwilioOpts struct {
	// Validator checks inbound webhook signatures. Nil accepts unsigned requests.
	Validator *twiliowhatsapp.WebhookValidator
	// PublicURL is the webhook URL as Twilio sees it, used for signature checks.
	PublicURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithSignatureValidation rejects webhooks whose signature does not match publicURL.
func WithSignatureValidation(v *twiliowhatsapp.WebhookValidator, publicURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.Validator = v
		o.PublicURL = publicURL
	}
}

// TwilioService implements Service using the Twilio API. Inbound messages arrive
// through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	opts      TwilioOpts
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioService{
		client:    client,
		opts:      cfg,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient strips the "whatsapp:" prefix and every non-digit.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioService", strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op; inbound traffic is pushed to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	return s.send(ctx, to, body, "")
}

// SendAttachment sends URL-backed attachments as Twilio media and tables as text.
func (s *TwilioService) SendAttachment(ctx context.Context, to string, att models.Attachment) error {
	switch att.Kind {
	case models.AttachmentDocument, models.AttachmentImage:
		if att.URL != "" {
			return s.send(ctx, to, att.Caption, att.URL)
		}
	}
	text := RenderAttachment(att)
	if text == "" {
		return nil
	}
	return s.send(ctx, to, text, "")
}

func (s *TwilioService) send(ctx context.Context, to, body, mediaURL string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if mediaURL != "" {
		err = s.client.SendMedia(ctx, canonical, body, mediaURL)
	} else {
		err = s.client.SendMessage(ctx, canonical, body)
	}
	if err != nil {
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()}, "receipt", "TwilioService")
	return nil
}

// Receipts returns the channel of sent receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on
// Responses. It answers 200 once the message is queued.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.opts.Validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.opts.Validator.Validate(s.opts.PublicURL, params, r.Header.Get(signatureHeader)) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	resp, err := parseWebhook(r)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	queued := !stopped && emit(s.responses, resp, "message", "TwilioService")
	s.mu.RUnlock()
	if !queued {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService.WebhookHandler: inbound message queued", "from", resp.From, "messageID", resp.MessageID, "attachments", len(resp.Attachments))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// parseWebhook maps Twilio's form fields to a Response.
func parseWebhook(r *http.Request) (models.Response, error) {
	resp := models.Response{
		From:      strings.TrimPrefix(r.FormValue("From"), "whatsapp:"),
		Body:      r.FormValue("Body"),
		MessageID: r.FormValue("MessageSid"),
		Time:      time.Now().Unix(),
	}
	if resp.From == "" {
		return resp, fmt.Errorf("missing From")
	}
	n, _ := strconv.Atoi(r.FormValue("NumMedia"))
	if n > models.MaxInboundAttachments {
		n = models.MaxInboundAttachments
	}
	for i := 0; i < n; i++ {
		url := r.FormValue(fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			continue
		}
		kind := models.AttachmentDocument
		if strings.HasPrefix(r.FormValue(fmt.Sprintf("MediaContentType%d", i)), "image/") {
			kind = models.AttachmentImage
		}
		resp.Attachments = append(resp.Attachments, models.Attachment{Kind: kind, URL: url})
	}
	if strings.TrimSpace(resp.Body) == "" && len(resp.Attachments) == 0 {
		return resp, fmt.Errorf("missing Body")
	}
	return resp, nil
}
