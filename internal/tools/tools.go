// Package tools decides which conversion tools fire on a turn and builds their
// payloads from catalog records.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// CatalogFacts is the catalog context a payload may be built from.
type CatalogFacts struct {
	Course       *models.CourseDetail
	Bonuses      []models.Bonus
	AdvisorQueue string
}

// BuildPayload builds a tool's payload and attachments. ok is false when the
// catalog has nothing for the tool to show.
type BuildPayload func(facts CatalogFacts) (payload models.ToolPayload, attachments []models.Attachment, ok bool)

// builders holds one payload builder per tool.
var builders = map[models.ToolID]BuildPayload{
	models.ToolBrochure:          buildBrochure,
	models.ToolPricingComparison: buildPricingComparison,
	models.ToolExclusiveBonus:    buildExclusiveBonus,
	models.ToolSessionSchedule:   buildSessionSchedule,
	models.ToolAdvisorHandoff:    buildAdvisorHandoff,
}

// candidates lists the tools each intent may trigger, highest priority first.
var candidates = map[models.IntentCategory][]models.ToolID{
	models.IntentExploration:     {models.ToolBrochure, models.ToolSessionSchedule},
	models.IntentObjectionPrice:  {models.ToolPricingComparison, models.ToolExclusiveBonus},
	models.IntentObjectionTime:   {models.ToolSessionSchedule, models.ToolBrochure},
	models.IntentObjectionValue:  {models.ToolBrochure, models.ToolExclusiveBonus},
	models.IntentBuyingSignals:   {models.ToolExclusiveBonus, models.ToolAdvisorHandoff},
	models.IntentContactRequest:  {models.ToolAdvisorHandoff},
	models.IntentContentRequest:  {models.ToolBrochure, models.ToolSessionSchedule},
	models.IntentGeneralQuestion: nil,
}

// Candidates returns the tools mapped to category in priority order.
func Candidates(category models.IntentCategory) []models.ToolID {
	return candidates[category]
}

// Engine selects tools under the policy's per-turn and repetition limits.
type Engine struct {
	maxTools  int
	window    int
	threshold float64
}

// NewEngine creates an engine from policy.
func NewEngine(policy config.Policy) *Engine {
	return &Engine{
		maxTools:  policy.MaxToolsPerTurn,
		window:    policy.ToolRepeatWindow,
		threshold: policy.IntentThreshold,
	}
}

// Select returns the tools to fire for this turn, at most the per-turn limit. The
// lead's InteractionCount is the current turn index. Low-confidence intents fire
// nothing.
func (e *Engine) Select(ctx context.Context, intent models.IntentResult, lead *models.LeadRecord, facts CatalogFacts) []models.ToolInvocation {
	if ctx.Err() != nil || !intent.Actionable(e.threshold) {
		return nil
	}
	turn := lead.InteractionCount
	var out []models.ToolInvocation
	for _, id := range candidates[intent.Category] {
		if len(out) >= e.maxTools {
			break
		}
		if last, ok := lead.LastToolTurn(id); ok && turn-last < e.window {
			slog.Debug("Tools.Select: skipped recently used tool", "userID", lead.UserID, "tool", id, "lastTurn", last, "turn", turn)
			continue
		}
		payload, attachments, ok := builders[id](facts)
		if !ok {
			slog.Debug("Tools.Select: no catalog data for tool", "userID", lead.UserID, "tool", id)
			continue
		}
		out = append(out, models.ToolInvocation{ToolID: id, Payload: payload, Attachments: attachments})
	}
	return out
}

// Record appends the fired tools to the lead's history at the current turn index.
func (e *Engine) Record(lead *models.LeadRecord, invocations []models.ToolInvocation) {
	for _, inv := range invocations {
		lead.RecordTool(inv.ToolID, lead.InteractionCount)
	}
}

func coursePayload(c *models.CourseDetail) models.ToolPayload {
	return models.ToolPayload{CourseID: c.ID, CourseName: c.Name}
}

func buildBrochure(facts CatalogFacts) (models.ToolPayload, []models.Attachment, bool) {
	c := facts.Course
	if c == nil || c.BrochureURL == "" {
		return models.ToolPayload{}, nil, false
	}
	p := coursePayload(c)
	p.BrochureURL = c.BrochureURL
	return p, []models.Attachment{{
		Kind:    models.AttachmentDocument,
		URL:     c.BrochureURL,
		Caption: "Temario: " + c.Name,
	}}, true
}

func buildPricingComparison(facts CatalogFacts) (models.ToolPayload, []models.Attachment, bool) {
	c := facts.Course
	if c == nil || c.Price == "" {
		return models.ToolPayload{}, nil, false
	}
	p := coursePayload(c)
	p.Price = c.Price
	p.Currency = c.Currency
	p.Payment = c.PaymentOptions

	var b strings.Builder
	fmt.Fprintf(&b, "Inversión: %s", strings.TrimSpace(c.Price+" "+c.Currency))
	for _, opt := range c.PaymentOptions {
		fmt.Fprintf(&b, "\n• %s", opt)
	}
	return p, []models.Attachment{{
		Kind:    models.AttachmentTable,
		Caption: "Inversión y formas de pago: " + c.Name,
		Body:    b.String(),
	}}, true
}

func buildExclusiveBonus(facts CatalogFacts) (models.ToolPayload, []models.Attachment, bool) {
	if facts.Course == nil || len(facts.Bonuses) == 0 {
		return models.ToolPayload{}, nil, false
	}
	p := coursePayload(facts.Course)
	var b strings.Builder
	for i, bonus := range facts.Bonuses {
		p.BonusIDs = append(p.BonusIDs, bonus.ID)
		p.BonusTitles = append(p.BonusTitles, bonus.Title)
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("🎁 " + bonus.Title)
		if bonus.Description != "" {
			b.WriteString(": " + bonus.Description)
		}
	}
	return p, []models.Attachment{{
		Kind:    models.AttachmentTable,
		Caption: "Bonos exclusivos",
		Body:    b.String(),
	}}, true
}

func buildSessionSchedule(facts CatalogFacts) (models.ToolPayload, []models.Attachment, bool) {
	c := facts.Course
	if c == nil || (len(c.Schedule) == 0 && c.StartDate == "") {
		return models.ToolPayload{}, nil, false
	}
	p := coursePayload(c)
	p.Schedule = c.Schedule
	p.StartDate = c.StartDate

	var lines []string
	if c.StartDate != "" {
		lines = append(lines, "Inicio: "+c.StartDate)
	}
	for _, s := range c.Schedule {
		lines = append(lines, "• "+s)
	}
	return p, []models.Attachment{{
		Kind:    models.AttachmentTable,
		Caption: "Calendario de sesiones: " + c.Name,
		Body:    strings.Join(lines, "\n"),
	}}, true
}

func buildAdvisorHandoff(facts CatalogFacts) (models.ToolPayload, []models.Attachment, bool) {
	var p models.ToolPayload
	if facts.Course != nil {
		p = coursePayload(facts.Course)
	}
	p.AdvisorQueue = facts.AdvisorQueue
	return p, nil, true
}
