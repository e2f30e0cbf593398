package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// announce runs the announcement sub-flow for campaign c. It reports whether the
// turn was consumed; a catalog failure still answers, with a holding message, but
// leaves the campaign unsent so a later mention retries it.
func (o *Orchestrator) announce(ctx context.Context, t *turn, c config.Campaign) bool {
	lead := t.lead
	t.flow = models.FlowAnnouncement
	detail, err := o.deps.Catalog.GetCourseDetail(ctx, c.CourseID)
	if err != nil {
		slog.Warn("Orchestrator.announce: course lookup failed", "userID", lead.UserID, "campaign", c.Token, "course", c.CourseID, "error", err)
		t.degraded = true
		name := c.Name
		if name == "" {
			name = o.deps.Policy.BrandName
		}
		t.say(fmt.Sprintf(announcementFallbackTemplate, name))
		return true
	}

	lead.AnnouncementsSent = append(lead.AnnouncementsSent, c.Token)
	if !lead.HasCourse() || lead.GenericCourse {
		lead.SelectedCourse = detail.ID
		lead.GenericCourse = false
		lead.SetAttribute(models.AttrInterest, detail.Name)
	}
	if lead.Stage == models.StageCourseSelection && lead.WaitingFor == models.WaitCourseChoice {
		lead.ClearRetry(models.WaitCourseChoice)
		lead.CourseOptions = nil
		t.wait(models.WaitNone)
	}
	if lead.Stage == models.StageCourseSelection && lead.WaitingFor == models.WaitNone {
		lead.AdvanceStage(models.StageSalesConversation)
		lead.SetFlow(models.FlowSales)
	}
	slog.Info("Orchestrator.announce: campaign announced", "userID", lead.UserID, "campaign", c.Token, "course", detail.ID)
	t.say(formatAnnouncement(detail), announcementCloseText)
	return true
}

// formatAnnouncement renders a course card from catalog fields only.
func formatAnnouncement(d models.CourseDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📣 *%s*", d.Name)
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "\n• %s: %s", label, value)
		}
	}
	line("Modalidad", d.Modality)
	line("Inicio", d.StartDate)
	if d.Sessions > 0 {
		line("Sesiones", fmt.Sprint(d.Sessions))
	}
	if d.DurationHours > 0 {
		line("Duración", fmt.Sprintf("%d horas", d.DurationHours))
	}
	line("Herramientas", strings.Join(d.Tools, ", "))
	line("Certificación", d.Certification)
	if d.Price != "" {
		line("Inversión", strings.TrimSpace(d.Price+" "+d.Currency))
	}
	return b.String()
}

// offerBonus runs the purchase bonus sub-flow. It reports whether any bonus
// existed to offer; the lead is only marked once a bonus was shown.
func (o *Orchestrator) offerBonus(t *turn, bonuses []models.Bonus) bool {
	if len(bonuses) == 0 {
		return false
	}
	lead := t.lead
	t.flow = models.FlowPurchaseBonus
	lead.BonusOffered = true
	slog.Info("Orchestrator.offerBonus: purchase bonus offered", "userID", lead.UserID, "course", lead.SelectedCourse, "bonuses", len(bonuses))
	t.say(formatBonuses(bonuses), bonusCloseText)
	return true
}

func formatBonuses(bonuses []models.Bonus) string {
	var b strings.Builder
	b.WriteString(bonusIntroText)
	for _, bonus := range bonuses {
		fmt.Fprintf(&b, "\n🎁 *%s*", bonus.Title)
		if bonus.Description != "" {
			fmt.Fprintf(&b, ": %s", bonus.Description)
		}
	}
	return b.String()
}
