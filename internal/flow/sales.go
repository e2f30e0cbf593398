package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/guard"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/tools"
)

// toolNotes tell the drafter which materials go out with the reply.
var toolNotes = map[models.ToolID]string{
	models.ToolBrochure:          "se enviará el brochure del curso",
	models.ToolPricingComparison: "se enviará la tabla de precio y formas de pago",
	models.ToolExclusiveBonus:    "se enviarán los bonos del curso",
	models.ToolSessionSchedule:   "se enviará el calendario de sesiones",
	models.ToolAdvisorHandoff:    "un asesor humano contactará al prospecto",
}

// sales runs one turn of the open sales conversation. It never blocks on a reply.
func (o *Orchestrator) sales(ctx context.Context, t *turn) {
	lead := t.lead
	if t.flow == "" {
		t.flow = models.FlowSales
	}
	lead.SetFlow(models.FlowSales)
	t.wait(models.WaitNone)

	res := o.classify(ctx, t)
	o.applyIntent(lead, res)

	cf, facts := o.courseFacts(ctx, t)

	bonusTurn := false
	if o.deps.Policy.IsBuyingSignal(res.Category) && !res.Fallback &&
		!lead.BonusOffered && lead.Stage.AtLeast(models.StageSalesConversation) {
		bonusTurn = o.offerBonus(t, cf.Bonuses)
	}

	invocations := o.deps.Tools.Select(ctx, res, lead, cf)
	if bonusTurn {
		invocations = withoutTool(invocations, models.ToolExclusiveBonus)
	}
	o.deps.Tools.Record(lead, invocations)
	t.invocations = append(t.invocations, invocations...)
	handoffFired := false
	for _, inv := range invocations {
		t.attachments = append(t.attachments, inv.Attachments...)
		if inv.ToolID == models.ToolAdvisorHandoff {
			handoffFired = true
		}
	}

	if !bonusTurn {
		draft := o.draft(ctx, t, res, facts, invocations)
		out := o.deps.Guard.Finalize(draft, lead, facts, res.Category)
		if out.Rewritten {
			slog.Debug("Orchestrator.sales: reply rewritten by guard", "userID", lead.UserID, "violations", len(out.Violations), "header", out.Header)
		}
		t.say(out.Reply)
	}
	if handoffFired {
		t.say(handoffNoticeText)
	}
}

func (o *Orchestrator) classify(ctx context.Context, t *turn) models.IntentResult {
	res := models.FallbackIntent()
	if t.text != "" {
		res = o.deps.Classifier.Classify(ctx, t.text, t.lead.Summary())
		t.degraded = t.degraded || res.Fallback
	}
	t.intent = &res
	return res
}

// applyIntent merges extracted entities and engagement signals into the lead.
// Signals only count for actionable intents.
func (o *Orchestrator) applyIntent(lead *models.LeadRecord, res models.IntentResult) {
	e := res.Entities
	lead.SetAttribute(models.AttrSector, e.Sector)
	lead.SetAttribute(models.AttrSeniority, e.Seniority)
	lead.SetAttribute(models.AttrCompanySize, e.CompanySize)
	if lead.Attribute(models.AttrRole) == "" {
		lead.SetAttribute(models.AttrRole, e.Role)
	}
	for range lead.AddSignals(models.SignalPainPoint, e.PainPoints...) {
		lead.ApplySignal(models.SignalPainPoint)
	}

	if !res.Actionable(o.deps.Policy.IntentThreshold) {
		return
	}
	label := strings.ToLower(string(res.Category))
	switch {
	case res.Category.IsObjection():
		lead.AddSignals(models.SignalObjection, label)
		lead.ApplySignal(models.SignalObjection)
	case res.Category == models.IntentBuyingSignals:
		lead.AddSignals(models.SignalBuying, label)
		lead.ApplySignal(models.SignalBuying)
	case res.Category == models.IntentContactRequest:
		lead.ApplySignal(models.SignalContact)
	}
	slog.Debug("Orchestrator.applyIntent: signals applied", "userID", lead.UserID, "category", res.Category, "score", lead.Score)
}

// courseFacts loads the selected course and its bonuses. A catalog failure leaves
// the facts empty and marks the turn degraded; the guard then defers every claim.
func (o *Orchestrator) courseFacts(ctx context.Context, t *turn) (tools.CatalogFacts, models.GroundingFacts) {
	lead := t.lead
	cf := tools.CatalogFacts{AdvisorQueue: o.deps.Policy.AdvisorQueue}
	if lead.SelectedCourse == "" {
		return cf, catalog.FactsFor(nil, nil)
	}
	detail, err := o.deps.Catalog.GetCourseDetail(ctx, lead.SelectedCourse)
	if err != nil {
		if !errors.Is(err, catalog.ErrCourseNotFound) {
			t.degraded = true
		}
		slog.Warn("Orchestrator.courseFacts: course lookup failed", "userID", lead.UserID, "course", lead.SelectedCourse, "error", err)
		return cf, catalog.FactsFor(nil, nil)
	}
	cf.Course = &detail
	bonuses, err := o.deps.Catalog.ListBonuses(ctx, detail.ID)
	if err != nil {
		t.degraded = true
		slog.Warn("Orchestrator.courseFacts: bonus lookup failed", "userID", lead.UserID, "course", detail.ID, "error", err)
	}
	cf.Bonuses = bonuses
	return cf, catalog.FactsFor(cf.Course, cf.Bonuses)
}

// draft asks the language model for a reply, falling back to a catalog template.
func (o *Orchestrator) draft(ctx context.Context, t *turn, res models.IntentResult, facts models.GroundingFacts, invocations []models.ToolInvocation) string {
	if o.deps.GenAI == nil {
		return templateDraft(res.Category, facts)
	}
	ctx, cancel := context.WithTimeout(ctx, o.deps.Policy.DraftTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(o.deps.SystemPrompt),
		openai.SystemMessage(leadContext(t.lead, res)),
		openai.SystemMessage(factsBlock(facts)),
	}
	if note := toolNote(invocations); note != "" {
		messages = append(messages, openai.SystemMessage(note))
	}
	if recent := t.lead.RecentHeaders(o.deps.Policy.HeaderRepeatWindow); len(recent) > 0 {
		messages = append(messages, openai.SystemMessage("Inicios recientes que no debes repetir: "+strings.Join(recent, " | ")))
	}
	messages = append(messages, openai.UserMessage(t.text))

	out, err := o.deps.GenAI.GenerateWithMessages(ctx, messages)
	if err == nil && strings.TrimSpace(out) != "" {
		return out
	}
	if err == nil {
		err = errors.New("empty draft")
	}
	slog.Warn("Orchestrator.draft: drafter failed, using template", "userID", t.lead.UserID, "error", fmt.Errorf("%w: %v", models.ErrTransientProvider, err))
	metrics.RecordProviderError("drafter")
	t.degraded = true
	return templateDraft(res.Category, facts)
}

func leadContext(lead *models.LeadRecord, res models.IntentResult) string {
	var b strings.Builder
	b.WriteString("PROSPECTO: ")
	if name := lead.Attribute(models.AttrName); name != "" {
		fmt.Fprintf(&b, "nombre=%q ", name)
	}
	b.WriteString(lead.Summary())
	fmt.Fprintf(&b, "\nINTENCIÓN: %s (%.2f)", res.Category, res.Confidence)
	return b.String()
}

// factsBlock lists the verified facts in a stable attribute order.
func factsBlock(facts models.GroundingFacts) string {
	if facts.Empty() {
		return "DATOS VERIFICADOS: ninguno. No menciones precios, fechas, sesiones ni certificaciones."
	}
	order := []models.FactAttribute{
		models.FactCourseName, models.FactPrice, models.FactPayment, models.FactSessions,
		models.FactDuration, models.FactCertification, models.FactTools, models.FactStartDate,
		models.FactSchedule, models.FactBonus,
	}
	var b strings.Builder
	b.WriteString("DATOS VERIFICADOS:")
	for _, attr := range order {
		if facts.Has(attr) {
			fmt.Fprintf(&b, "\n- %s: %s", attr, strings.Join(facts.Values(attr), "; "))
		}
	}
	return b.String()
}

func toolNote(invocations []models.ToolInvocation) string {
	var notes []string
	for _, inv := range invocations {
		if n := toolNotes[inv.ToolID]; n != "" {
			notes = append(notes, n)
		}
	}
	if len(notes) == 0 {
		return ""
	}
	return "MATERIALES: " + strings.Join(notes, "; ") + "."
}

// templateDraft composes a reply from the category fallback and, where the
// catalog has it, the one fact the category asks about.
func templateDraft(category models.IntentCategory, facts models.GroundingFacts) string {
	var fact string
	switch category {
	case models.IntentObjectionPrice:
		if v := facts.Values(models.FactPrice); len(v) > 0 {
			fact = fmt.Sprintf("La inversión del curso es de %s.", strings.Join(v, " "))
		}
	case models.IntentObjectionTime:
		if v := facts.Values(models.FactSchedule); len(v) > 0 {
			fact = fmt.Sprintf("El horario es %s.", strings.Join(v, ", "))
		}
	case models.IntentExploration, models.IntentContentRequest:
		if v := facts.Values(models.FactStartDate); len(v) > 0 {
			fact = fmt.Sprintf("La fecha de inicio es el %s.", v[0])
		}
	}
	reply := guard.FallbackReply(category)
	if fact == "" {
		return reply
	}
	opener, rest, _ := strings.Cut(reply, ". ")
	if rest == "" {
		return reply + " " + fact
	}
	return opener + ". " + fact + " " + rest
}

func withoutTool(invocations []models.ToolInvocation, id models.ToolID) []models.ToolInvocation {
	out := invocations[:0:0]
	for _, inv := range invocations {
		if inv.ToolID != id {
			out = append(out, inv)
		}
	}
	return out
}
