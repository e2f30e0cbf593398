// Package models defines conversion tool structures.
package models

// ToolID identifies a conversion tool. The set is closed.
type ToolID string

const (
	// ToolBrochure pushes the course brochure document.
	ToolBrochure ToolID = "BROCHURE"
	// ToolPricingComparison pushes a price and payment options table.
	ToolPricingComparison ToolID = "PRICING_COMPARISON"
	// ToolExclusiveBonus pushes the catalog bonuses for the course.
	ToolExclusiveBonus ToolID = "EXCLUSIVE_BONUS"
	// ToolSessionSchedule pushes the session calendar.
	ToolSessionSchedule ToolID = "SESSION_SCHEDULE"
	// ToolAdvisorHandoff flags the lead for a human advisor.
	ToolAdvisorHandoff ToolID = "ADVISOR_HANDOFF"
)

// ToolIDs lists every tool in a stable order.
var ToolIDs = []ToolID{
	ToolBrochure,
	ToolPricingComparison,
	ToolExclusiveBonus,
	ToolSessionSchedule,
	ToolAdvisorHandoff,
}

// IsValidToolID reports whether id is a known tool.
func IsValidToolID(id ToolID) bool {
	for _, t := range ToolIDs {
		if t == id {
			return true
		}
	}
	return false
}

// ToolPayload carries typed catalog references only; tools never carry free text
// that did not come from the catalog.
type ToolPayload struct {
	CourseID     string   `json:"course_id,omitempty"`
	CourseName   string   `json:"course_name,omitempty"`
	BrochureURL  string   `json:"brochure_url,omitempty"`
	Price        string   `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	Payment      []string `json:"payment_options,omitempty"`
	Schedule     []string `json:"schedule,omitempty"`
	StartDate    string   `json:"start_date,omitempty"`
	BonusIDs     []string `json:"bonus_ids,omitempty"`
	BonusTitles  []string `json:"bonus_titles,omitempty"`
	AdvisorQueue string   `json:"advisor_queue,omitempty"`
}

// ToolInvocation is one tool selected for a turn.
type ToolInvocation struct {
	ToolID      ToolID       `json:"tool_id"`
	Payload     ToolPayload  `json:"payload"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
