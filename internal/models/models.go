// Package models defines the core data structures for FunnelPipe.
//
// It includes lead memory records, intents, tool invocations, catalog records and the
// transport-level message and receipt types shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for inbound turns.
const (
	// MaxInboundTextLength bounds the inbound message text accepted by the API.
	MaxInboundTextLength = 4096
	// MaxInboundAttachments bounds the number of inbound attachments per turn.
	MaxInboundAttachments = 10
	// DefaultReplyCharBudget is the conservative reply length the transport can always carry.
	DefaultReplyCharBudget = 1600
)

// Validation errors for inbound turns.
var (
	ErrEmptyUserID       = errors.New("user_id cannot be empty")
	ErrEmptyTurn         = errors.New("turn must carry text or attachments")
	ErrTextTooLong       = errors.New("text exceeds maximum length")
	ErrTooManyAttachment = errors.New("too many attachments")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt represents a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a lead.
type Response struct {
	From        string       `json:"from"`
	Body        string       `json:"body"`
	Time        int64        `json:"time"`
	MessageID   string       `json:"message_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// AttachmentKind classifies an attachment for channel formatting.
type AttachmentKind string

const (
	AttachmentDocument AttachmentKind = "document"
	AttachmentImage    AttachmentKind = "image"
	AttachmentTable    AttachmentKind = "table"
	AttachmentLink     AttachmentKind = "link"
)

// Attachment is a rich content item pushed with (or received alongside) a message.
// Table attachments carry their rendered rows in Body; the others reference a URL.
type Attachment struct {
	Kind    AttachmentKind `json:"kind"`
	URL     string         `json:"url,omitempty"`
	Caption string         `json:"caption,omitempty"`
	Body    string         `json:"body,omitempty"`
}

// TurnRequest is the inbound side of handle_turn.
type TurnRequest struct {
	UserID      string       `json:"user_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
}

// Validate checks the request shape before it reaches the orchestrator.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(r.Text) == "" && len(r.Attachments) == 0 {
		return ErrEmptyTurn
	}
	if len(r.Text) > MaxInboundTextLength {
		return ErrTextTooLong
	}
	if len(r.Attachments) > MaxInboundAttachments {
		return ErrTooManyAttachment
	}
	return nil
}

// TurnResult is the outbound side of handle_turn.
type TurnResult struct {
	TurnID           string           `json:"turn_id"`
	UserID           string           `json:"user_id"`
	ReplyText        string           `json:"reply_text"`
	ReplyAttachments []Attachment     `json:"reply_attachments,omitempty"`
	ToolSideEffects  []ToolInvocation `json:"tool_side_effects,omitempty"`
	Stage            Stage            `json:"stage"`
	Flow             FlowType         `json:"flow"`
	Intent           *IntentResult    `json:"intent,omitempty"`
	Degraded         bool             `json:"degraded,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus   `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
