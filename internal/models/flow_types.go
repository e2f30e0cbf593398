// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType names the flow currently driving a lead's conversation.
type FlowType string

// WaitTag names the datum the system is blocking on.
type WaitTag string

// ConsentState tracks the privacy consent exchange.
type ConsentState string

// Flow type constants.
const (
	FlowNone            FlowType = "NONE"
	FlowPrivacy         FlowType = "PRIVACY"
	FlowCourseSelection FlowType = "COURSE_SELECTION"
	FlowAnnouncement    FlowType = "ANNOUNCEMENT"
	FlowPurchaseBonus   FlowType = "PURCHASE_BONUS"
	FlowSales           FlowType = "SALES"
)

// Wait tag constants.
const (
	WaitNone         WaitTag = ""
	WaitConsent      WaitTag = "consent"
	WaitName         WaitTag = "name"
	WaitRole         WaitTag = "role"
	WaitCourseChoice WaitTag = "course_choice"
)

// Consent state constants.
const (
	ConsentNotAsked ConsentState = "not_asked"
	ConsentAsked    ConsentState = "asked"
	ConsentAccepted ConsentState = "accepted"
)

// IsValidFlowType reports whether f is one of the known flows.
func IsValidFlowType(f FlowType) bool {
	switch f {
	case FlowNone, FlowPrivacy, FlowCourseSelection, FlowAnnouncement, FlowPurchaseBonus, FlowSales:
		return true
	default:
		return false
	}
}

// IsValidWaitTag reports whether w is one of the known wait tags.
func IsValidWaitTag(w WaitTag) bool {
	switch w {
	case WaitNone, WaitConsent, WaitName, WaitRole, WaitCourseChoice:
		return true
	default:
		return false
	}
}

// IsValidConsentState reports whether c is one of the known consent states.
func IsValidConsentState(c ConsentState) bool {
	switch c {
	case ConsentNotAsked, ConsentAsked, ConsentAccepted:
		return true
	default:
		return false
	}
}
