// Package messaging adapts chat transports to the funnel: it receives lead
// messages, runs them through the turn handler and delivers the replies.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical phone number.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendAttachment delivers one rich content item in the channel's best format.
	SendAttachment(ctx context.Context, to string, att models.Attachment) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound lead messages.
	Responses() <-chan models.Response
}

// canonicalPhone strips every non-digit from recipient and checks the length.
func canonicalPhone(service, recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// RenderAttachment is the text form of an attachment for channels without native
// media support.
func RenderAttachment(att models.Attachment) string {
	var b strings.Builder
	switch att.Kind {
	case models.AttachmentDocument:
		b.WriteString("📄 ")
	case models.AttachmentImage:
		b.WriteString("🖼️ ")
	case models.AttachmentLink:
		b.WriteString("🔗 ")
	}
	if att.Caption != "" {
		b.WriteString("*" + att.Caption + "*")
	}
	if att.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(att.Body)
	}
	if att.URL != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(att.URL)
	}
	return strings.TrimSpace(b.String())
}

// emit pushes v into ch, dropping it after DefaultChannelTimeout.
func emit[T any](ch chan<- T, v T, what, service string) bool {
	select {
	case ch <- v:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(service+" channel blocked, dropping "+what, "timeout", DefaultChannelTimeout)
		return false
	}
}
