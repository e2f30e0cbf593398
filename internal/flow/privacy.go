package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Privacy flow sub-steps, stored in LeadRecord.FlowStep.
const (
	stepRequestConsent = iota
	stepAwaitConsent
	stepRequestName
	stepAwaitName
	stepRequestRole
	stepAwaitRole
)

// startPrivacy welcomes a new lead and asks for consent.
func (o *Orchestrator) startPrivacy(t *turn) {
	lead := t.lead
	t.flow = models.FlowPrivacy
	if lead.Stage == models.StageFirstContact {
		t.say(fmt.Sprintf(welcomeTemplate, o.deps.Policy.BrandName))
	}
	lead.AdvanceStage(models.StagePrivacyFlow)
	lead.SetFlow(models.FlowPrivacy)
	lead.FlowStep = stepRequestConsent
	o.requestConsent(t)
}

func (o *Orchestrator) requestConsent(t *turn) {
	t.say(fmt.Sprintf(consentTemplate, o.deps.Policy.PrivacyPolicyURL))
	t.lead.Consent = models.ConsentAsked
	t.lead.FlowStep = stepAwaitConsent
	t.wait(models.WaitConsent)
}

func (o *Orchestrator) awaitConsent(ctx context.Context, t *turn) {
	lead := t.lead
	t.flow = models.FlowPrivacy
	switch parseConsent(t.text) {
	case consentYes:
		lead.Consent = models.ConsentAccepted
		lead.ClearRetry(models.WaitConsent)
		slog.Info("Orchestrator.awaitConsent: consent accepted", "userID", lead.UserID)
		t.say(consentThanksText)
		o.requestName(ctx, t)
	case consentNo:
		slog.Info("Orchestrator.awaitConsent: consent declined", "userID", lead.UserID)
		t.say(consentDeclinedText)
		t.wait(models.WaitConsent)
	default:
		n := lead.IncrementRetry(models.WaitConsent)
		slog.Debug("Orchestrator.awaitConsent: unclear answer", "userID", lead.UserID, "retries", n, "error", models.ErrInvalidUserInput)
		t.say(consentRepromptText)
		t.wait(models.WaitConsent)
	}
}

// resumePrivacy continues a consented lead from whatever the flow still lacks.
func (o *Orchestrator) resumePrivacy(ctx context.Context, t *turn) {
	t.flow = models.FlowPrivacy
	t.lead.SetFlow(models.FlowPrivacy)
	if t.lead.Attribute(models.AttrName) == "" {
		o.requestName(ctx, t)
		return
	}
	o.requestRole(ctx, t)
}

func (o *Orchestrator) requestName(ctx context.Context, t *turn) {
	lead := t.lead
	if lead.Attribute(models.AttrName) != "" {
		o.requestRole(ctx, t)
		return
	}
	lead.FlowStep = stepRequestName
	t.say(nameRequestText)
	lead.FlowStep = stepAwaitName
	t.wait(models.WaitName)
}

func (o *Orchestrator) awaitName(ctx context.Context, t *turn) {
	lead := t.lead
	t.flow = models.FlowPrivacy
	name, ok := parseName(t.text)
	if !ok {
		n := lead.IncrementRetry(models.WaitName)
		if n <= o.deps.Policy.MaxNameRetries {
			slog.Debug("Orchestrator.awaitName: invalid name, re-prompting", "userID", lead.UserID, "retries", n, "error", models.ErrInvalidUserInput)
			t.say(nameRepromptText)
			t.wait(models.WaitName)
			return
		}
		name = fallbackName(t.text)
		slog.Info("Orchestrator.awaitName: retries exhausted, accepting raw reply", "userID", lead.UserID, "name", name)
	}
	lead.ClearRetry(models.WaitName)
	lead.SetAttribute(models.AttrName, name)
	o.requestRole(ctx, t)
}

func (o *Orchestrator) requestRole(ctx context.Context, t *turn) {
	lead := t.lead
	if lead.Attribute(models.AttrRole) != "" {
		o.completePrivacy(ctx, t)
		return
	}
	lead.FlowStep = stepRequestRole
	if name := lead.Attribute(models.AttrName); name != "" {
		t.say(fmt.Sprintf(roleRequestTemplate, name))
	} else {
		t.say(roleRequestText)
	}
	lead.FlowStep = stepAwaitRole
	t.wait(models.WaitRole)
}

func (o *Orchestrator) awaitRole(ctx context.Context, t *turn) {
	lead := t.lead
	t.flow = models.FlowPrivacy
	role, skip, ok := parseRole(t.text)
	if !ok {
		n := lead.IncrementRetry(models.WaitRole)
		if n <= o.deps.Policy.MaxRoleRetries {
			slog.Debug("Orchestrator.awaitRole: invalid role, re-prompting", "userID", lead.UserID, "retries", n, "error", models.ErrInvalidUserInput)
			t.say(roleRepromptText)
			t.wait(models.WaitRole)
			return
		}
		skip = true
	}
	lead.ClearRetry(models.WaitRole)
	if !skip {
		lead.SetAttribute(models.AttrRole, role)
	}
	o.completePrivacy(ctx, t)
}

// completePrivacy leaves the privacy flow. A campaign seen before consent is
// replayed; otherwise the course options are presented in the same reply.
func (o *Orchestrator) completePrivacy(ctx context.Context, t *turn) {
	lead := t.lead
	t.wait(models.WaitNone)
	lead.AdvanceStage(models.StageCourseSelection)
	slog.Info("Orchestrator.completePrivacy: privacy flow complete", "userID", lead.UserID)

	if token := lead.PendingCampaign; token != "" {
		lead.PendingCampaign = ""
		if c, ok := o.deps.Policy.CampaignByToken(token); ok && !lead.AnnouncementSent(c.Token) {
			o.announce(ctx, t, c)
		}
	}
	if lead.HasCourse() {
		o.finishSelection(t)
		if t.flow != models.FlowAnnouncement {
			t.say(courseConfirmation(lead))
		}
		return
	}
	o.presentCourses(ctx, t)
}
