package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// presentCourses lists the catalog options and waits for the lead's choice. A
// catalog failure degrades to an open question on the same step.
func (o *Orchestrator) presentCourses(ctx context.Context, t *turn) {
	lead := t.lead
	t.flow = models.FlowCourseSelection
	lead.SetFlow(models.FlowCourseSelection)
	lead.FlowStep = 1

	courses, err := o.listCourses(ctx, lead)
	if err != nil {
		slog.Warn("Orchestrator.presentCourses: catalog unavailable", "userID", lead.UserID, "error", err)
		t.degraded = true
	}
	if len(courses) == 0 {
		lead.CourseOptions = nil
		t.say(courseCatalogDownText)
	} else {
		lead.CourseOptions = courseIDs(courses)
		t.say(formatCourseList(courses))
	}
	t.wait(models.WaitCourseChoice)
}

func (o *Orchestrator) awaitCourseChoice(ctx context.Context, t *turn) {
	lead := t.lead
	t.flow = models.FlowCourseSelection
	lead.SetFlow(models.FlowCourseSelection)

	if wantsAnyCourse(t.text) {
		o.chooseGeneric(t)
		return
	}
	courses, err := o.listCourses(ctx, lead)
	if err != nil {
		slog.Warn("Orchestrator.awaitCourseChoice: catalog unavailable", "userID", lead.UserID, "error", err)
		t.degraded = true
	}
	if c, ok := matchCourse(t.text, lead.CourseOptions, courses); ok {
		o.chooseCourse(t, c)
		return
	}

	n := lead.IncrementRetry(models.WaitCourseChoice)
	if n > o.deps.Policy.MaxCourseRetries {
		slog.Info("Orchestrator.awaitCourseChoice: retries exhausted, using generic course", "userID", lead.UserID, "retries", n)
		o.chooseGeneric(t)
		return
	}
	slog.Debug("Orchestrator.awaitCourseChoice: no match, re-prompting", "userID", lead.UserID, "retries", n, "error", models.ErrInvalidUserInput)
	if len(courses) == 0 {
		t.say(courseCatalogDownText)
	} else {
		lead.CourseOptions = courseIDs(courses)
		t.say(courseRepromptText, formatCourseList(courses))
	}
	t.wait(models.WaitCourseChoice)
}

func (o *Orchestrator) listCourses(ctx context.Context, lead *models.LeadRecord) ([]models.CourseSummary, error) {
	filters := models.CourseFilters{Sector: lead.Attribute(models.AttrSector), Limit: o.deps.Policy.CourseListLimit}
	courses, err := o.deps.Catalog.ListCourses(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("%w: list courses: %v", models.ErrTransientProvider, err)
	}
	if len(courses) == 0 && filters.Sector != "" {
		filters.Sector = ""
		courses, err = o.deps.Catalog.ListCourses(ctx, filters)
		if err != nil {
			return nil, fmt.Errorf("%w: list courses: %v", models.ErrTransientProvider, err)
		}
	}
	return courses, nil
}

func (o *Orchestrator) chooseCourse(t *turn, c models.CourseSummary) {
	lead := t.lead
	lead.SelectedCourse = c.ID
	lead.GenericCourse = false
	lead.SetAttribute(models.AttrInterest, c.Name)
	slog.Info("Orchestrator.chooseCourse: course selected", "userID", lead.UserID, "course", c.ID)
	o.finishSelection(t)
	t.say(courseConfirmation(lead))
}

func (o *Orchestrator) chooseGeneric(t *turn) {
	lead := t.lead
	lead.SelectedCourse = ""
	lead.GenericCourse = true
	slog.Info("Orchestrator.chooseGeneric: generic course context", "userID", lead.UserID)
	o.finishSelection(t)
	t.say(genericCourseText)
}

// finishSelection moves a lead with a course, or the generic default, into the
// sales conversation.
func (o *Orchestrator) finishSelection(t *turn) {
	lead := t.lead
	lead.ClearRetry(models.WaitCourseChoice)
	lead.CourseOptions = nil
	t.wait(models.WaitNone)
	lead.AdvanceStage(models.StageSalesConversation)
	lead.SetFlow(models.FlowSales)
}

func courseConfirmation(lead *models.LeadRecord) string {
	if name := lead.Attribute(models.AttrInterest); name != "" && !lead.GenericCourse {
		return fmt.Sprintf(courseChosenTemplate, name)
	}
	return genericCourseText
}

func courseIDs(courses []models.CourseSummary) []string {
	ids := make([]string, len(courses))
	for i, c := range courses {
		ids[i] = c.ID
	}
	return ids
}

func formatCourseList(courses []models.CourseSummary) string {
	var b strings.Builder
	b.WriteString(courseListIntro)
	for i, c := range courses {
		fmt.Fprintf(&b, "\n%d. *%s*", i+1, c.Name)
		var extra []string
		if c.Modality != "" {
			extra = append(extra, c.Modality)
		}
		if c.StartDate != "" {
			extra = append(extra, "inicia "+c.StartDate)
		}
		if len(extra) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(extra, ", "))
		}
	}
	b.WriteString("\n" + courseListOutro)
	return b.String()
}

// courseStopwords never identify a course on their own.
var courseStopwords = map[string]bool{
	"curso": true, "cursos": true, "taller": true, "diplomado": true, "programa": true,
	"quiero": true, "interesa": true, "gustaria": true, "sobre": true, "tomar": true,
	"para": true, "desde": true, "online": true, "linea": true,
}

// matchCourse resolves a reply to a course by option number, id or name. Courses
// are searched in catalog order; the best scoring match wins.
func matchCourse(text string, options []string, courses []models.CourseSummary) (models.CourseSummary, bool) {
	if n, ok := parseOptionNumber(text); ok && n >= 1 && n <= len(options) {
		id := options[n-1]
		for _, c := range courses {
			if c.ID == id {
				return c, true
			}
		}
		return models.CourseSummary{ID: id}, true
	}

	f := fold(text)
	query := strings.TrimSpace(f)
	best, bestScore := models.CourseSummary{}, 0
	for _, c := range courses {
		name := fold(c.Name)
		score := 0
		switch {
		case strings.Contains(f, name) || strings.Contains(f, fold(c.ID)):
			score = 100
		case len(query) >= 4 && strings.Contains(name, " "+query+" "):
			score = 50
		default:
			for _, w := range strings.Fields(name) {
				if len(w) >= 4 && !courseStopwords[w] && strings.Contains(f, " "+w+" ") {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore > 0
}
