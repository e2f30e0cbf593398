// Package models defines the funnel stage ordering for FunnelPipe leads.
package models

import "time"

// Stage is a lead's position in the sales funnel.
type Stage string

// Stage constants, in funnel order.
const (
	StageFirstContact      Stage = "FIRST_CONTACT"
	StagePrivacyFlow       Stage = "PRIVACY_FLOW"
	StageCourseSelection   Stage = "COURSE_SELECTION"
	StageSalesConversation Stage = "SALES_CONVERSATION"
	StageConverted         Stage = "CONVERTED"
)

var stageRank = map[Stage]int{
	StageFirstContact:      0,
	StagePrivacyFlow:       1,
	StageCourseSelection:   2,
	StageSalesConversation: 3,
	StageConverted:         4,
}

// Rank returns the funnel position of s, or -1 for an unknown stage.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is at or past other in the funnel.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= other.Rank()
}

// StageTransition records a stage change for logging and API responses.
type StageTransition struct {
	FromStage Stage     `json:"from_stage"`
	ToStage   Stage     `json:"to_stage"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
