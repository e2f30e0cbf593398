// Package catalog provides read-only access to the course catalog and builds the
// grounding facts replies are checked against.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// ErrCourseNotFound is returned by GetCourseDetail for unknown ids.
var ErrCourseNotFound = errors.New("course not found")

// Store is the read-only catalog interface.
type Store interface {
	ListCourses(ctx context.Context, filters models.CourseFilters) ([]models.CourseSummary, error)
	GetCourseDetail(ctx context.Context, courseID string) (models.CourseDetail, error)
	ListBonuses(ctx context.Context, courseID string) ([]models.Bonus, error)
}

// FactsFor builds grounding facts from a course record and its bonuses. Nothing
// else may contribute facts.
func FactsFor(detail *models.CourseDetail, bonuses []models.Bonus) models.GroundingFacts {
	facts := models.GroundingFacts{}
	if detail != nil {
		facts.Add(models.FactCourseName, detail.Name)
		if detail.Price != "" {
			facts.Add(models.FactPrice, detail.Price)
			if detail.Currency != "" {
				facts.Add(models.FactPrice, detail.Currency)
			}
		}
		facts.Add(models.FactPayment, detail.PaymentOptions...)
		if detail.Sessions > 0 {
			facts.Add(models.FactSessions, strconv.Itoa(detail.Sessions))
		}
		if detail.DurationHours > 0 {
			facts.Add(models.FactDuration, strconv.Itoa(detail.DurationHours))
		}
		facts.Add(models.FactCertification, detail.Certification)
		facts.Add(models.FactTools, detail.Tools...)
		facts.Add(models.FactStartDate, detail.StartDate)
		facts.Add(models.FactSchedule, detail.Schedule...)
	}
	for _, b := range bonuses {
		facts.Add(models.FactBonus, b.Title)
	}
	return facts
}

// FilterCourses applies filters to an in-memory course list, preserving order.
func FilterCourses(courses []models.CourseDetail, filters models.CourseFilters) []models.CourseSummary {
	var out []models.CourseSummary
	for _, c := range courses {
		if filters.Category != "" && !strings.EqualFold(c.Category, filters.Category) {
			continue
		}
		if filters.Sector != "" && !matchesSector(c.Sectors, filters.Sector) {
			continue
		}
		out = append(out, c.CourseSummary)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out
}

func matchesSector(sectors []string, sector string) bool {
	want := strings.ToLower(strings.TrimSpace(sector))
	for _, s := range sectors {
		s = strings.ToLower(s)
		if s == want || strings.Contains(want, s) || strings.Contains(s, want) {
			return true
		}
	}
	return false
}

// StaticStore is an in-memory catalog, used by tests and as the empty default.
type StaticStore struct {
	Courses []models.CourseDetail
	Bonuses []models.Bonus
	// Err, when set, is returned from every call.
	Err error
}

var _ Store = (*StaticStore)(nil)

func (s *StaticStore) ListCourses(ctx context.Context, filters models.CourseFilters) ([]models.CourseSummary, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return FilterCourses(s.Courses, filters), nil
}

func (s *StaticStore) GetCourseDetail(ctx context.Context, courseID string) (models.CourseDetail, error) {
	if s.Err != nil {
		return models.CourseDetail{}, s.Err
	}
	for _, c := range s.Courses {
		if c.ID == courseID {
			return c, nil
		}
	}
	return models.CourseDetail{}, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
}

func (s *StaticStore) ListBonuses(ctx context.Context, courseID string) ([]models.Bonus, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	var out []models.Bonus
	for _, b := range s.Bonuses {
		if b.CourseID == courseID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
