package models

import "strings"

// IntentCategory is the closed set of inbound message intents.
type IntentCategory string

const (
	IntentExploration     IntentCategory = "EXPLORATION"
	IntentObjectionPrice  IntentCategory = "OBJECTION_PRICE"
	IntentObjectionTime   IntentCategory = "OBJECTION_TIME"
	IntentObjectionValue  IntentCategory = "OBJECTION_VALUE"
	IntentBuyingSignals   IntentCategory = "BUYING_SIGNALS"
	IntentContactRequest  IntentCategory = "CONTACT_REQUEST"
	IntentContentRequest  IntentCategory = "CONTENT_REQUEST"
	IntentGeneralQuestion IntentCategory = "GENERAL_QUESTION"
)

// IntentCategories lists every category in a stable order.
var IntentCategories = []IntentCategory{
	IntentExploration,
	IntentObjectionPrice,
	IntentObjectionTime,
	IntentObjectionValue,
	IntentBuyingSignals,
	IntentContactRequest,
	IntentContentRequest,
	IntentGeneralQuestion,
}

// ParseIntentCategory maps free-form model output onto the closed set. Unknown
// labels map to GENERAL_QUESTION.
func ParseIntentCategory(s string) IntentCategory {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, c := range IntentCategories {
		if string(c) == norm {
			return c
		}
	}
	return IntentGeneralQuestion
}

// IsObjection reports whether c is one of the objection categories.
func (c IntentCategory) IsObjection() bool {
	return c == IntentObjectionPrice || c == IntentObjectionTime || c == IntentObjectionValue
}

// IntentEntities holds the attributes the classifier extracted from the message.
type IntentEntities struct {
	Sector      string   `json:"sector,omitempty"`
	Role        string   `json:"role,omitempty"`
	Seniority   string   `json:"seniority,omitempty"`
	CompanySize string   `json:"company_size,omitempty"`
	PainPoints  []string `json:"pain_points,omitempty"`
}

// IntentResult is the outcome of classifying one inbound message.
type IntentResult struct {
	Category   IntentCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Entities   IntentEntities `json:"entities"`
	// Fallback marks the sentinel result produced when classification failed.
	Fallback bool `json:"fallback,omitempty"`
}

// FallbackIntent is the sentinel returned when the provider cannot classify a message.
func FallbackIntent() IntentResult {
	return IntentResult{Category: IntentGeneralQuestion, Confidence: 0, Fallback: true}
}

// Actionable reports whether tools may fire for this result.
func (r IntentResult) Actionable(threshold float64) bool {
	return !r.Fallback && r.Confidence >= threshold
}

// ClampConfidence forces c into [0, 1].
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 { // NaN
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
