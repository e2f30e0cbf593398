package models

import "errors"

// Error taxonomy shared across the funnel. None of these is fatal: callers log them
// and degrade to the generic branch of the current step.
var (
	// ErrTransientProvider marks a language model or catalog failure (timeout, 5xx,
	// malformed output).
	ErrTransientProvider = errors.New("transient provider error")
	// ErrCorruptState marks persisted lead content that fails decoding or validation.
	ErrCorruptState = errors.New("corrupt lead state")
	// ErrInvalidUserInput marks an inbound reply that does not satisfy the awaited datum.
	ErrInvalidUserInput = errors.New("invalid user input")
	// ErrGroundingViolation marks a drafted sentence that cannot be traced to catalog facts.
	ErrGroundingViolation = errors.New("grounding violation")
)
