package models

import (
	"slices"
	"strings"
)

// CourseSummary is the list view of a course.
type CourseSummary struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Category  string `json:"category,omitempty" yaml:"category"`
	Modality  string `json:"modality,omitempty" yaml:"modality"`
	StartDate string `json:"start_date,omitempty" yaml:"start_date"`
}

// CourseDetail is the full catalog record of a course.
type CourseDetail struct {
	CourseSummary  `yaml:",inline"`
	Price          string   `json:"price,omitempty" yaml:"price"`
	Currency       string   `json:"currency,omitempty" yaml:"currency"`
	PaymentOptions []string `json:"payment_options,omitempty" yaml:"payment_options"`
	Sessions       int      `json:"sessions,omitempty" yaml:"sessions"`
	DurationHours  int      `json:"duration_hours,omitempty" yaml:"duration_hours"`
	Certification  string   `json:"certification,omitempty" yaml:"certification"`
	Tools          []string `json:"tools,omitempty" yaml:"tools"`
	BrochureURL    string   `json:"brochure_url,omitempty" yaml:"brochure_url"`
	Schedule       []string `json:"schedule,omitempty" yaml:"schedule"`
	Sectors        []string `json:"sectors,omitempty" yaml:"sectors"`
}

// Bonus is a purchase incentive attached to a course.
type Bonus struct {
	ID          string `json:"id" yaml:"id"`
	CourseID    string `json:"course_id" yaml:"course_id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// CourseFilters narrows ListCourses.
type CourseFilters struct {
	Sector   string
	Category string
	Limit    int
}

// FactAttribute names a verifiable course attribute.
type FactAttribute string

const (
	FactPrice         FactAttribute = "price"
	FactSessions      FactAttribute = "sessions"
	FactDuration      FactAttribute = "duration"
	FactCertification FactAttribute = "certification"
	FactTools         FactAttribute = "tools"
	FactStartDate     FactAttribute = "start_date"
	FactSchedule      FactAttribute = "schedule"
	FactBonus         FactAttribute = "bonus"
	FactPayment       FactAttribute = "payment"
	FactCourseName    FactAttribute = "course_name"
)

// GroundingFacts maps each attribute to its verified values.
type GroundingFacts map[FactAttribute][]string

// Add records verified values for attr, skipping blanks and duplicates.
func (g GroundingFacts) Add(attr FactAttribute, values ...string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(g[attr], v) {
			continue
		}
		g[attr] = append(g[attr], v)
	}
}

// Has reports whether attr carries at least one verified value.
func (g GroundingFacts) Has(attr FactAttribute) bool {
	return len(g[attr]) > 0
}

// Values returns the verified values for attr.
func (g GroundingFacts) Values(attr FactAttribute) []string {
	return g[attr]
}

// Empty reports whether no attribute has been verified.
func (g GroundingFacts) Empty() bool {
	for _, v := range g {
		if len(v) > 0 {
			return false
		}
	}
	return true
}
