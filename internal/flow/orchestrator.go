// Package flow drives the per-lead funnel: privacy consent, course selection,
// announcement and bonus sub-flows and the open sales conversation.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/genai"
	"github.com/BTreeMap/FunnelPipe/internal/guard"
	"github.com/BTreeMap/FunnelPipe/internal/handoff"
	"github.com/BTreeMap/FunnelPipe/internal/intent"
	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/tools"
)

// handoffPublishTimeout bounds the post-commit handoff publish.
const handoffPublishTimeout = 5 * time.Second

// ErrDuplicateTurn is returned when an inbound message id was already handled.
var ErrDuplicateTurn = errors.New("duplicate inbound message")

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Memory     *memory.Service
	Catalog    catalog.Store
	Classifier intent.Classifier
	// GenAI drafts sales replies. When nil, replies come from templates.
	GenAI   genai.ClientInterface
	Tools   *tools.Engine
	Guard   *guard.Guard
	Handoff handoff.Publisher
	// Dedup suppresses replies to redelivered message ids. Optional.
	Dedup        store.DedupRepo
	Policy       config.Policy
	SystemPrompt string
}

// Orchestrator runs turns. It is safe for concurrent use; turns of one lead are
// serialized by the memory service's keyed lock.
type Orchestrator struct {
	deps Dependencies
}

// NewOrchestrator validates deps and fills optional collaborators with defaults.
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	if deps.Memory == nil {
		return nil, fmt.Errorf("flow: memory service is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("flow: catalog store is required")
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}
	if deps.Classifier == nil {
		if deps.GenAI != nil {
			deps.Classifier = intent.NewLLMClassifier(deps.GenAI, deps.Policy.ClassifyTimeout)
		} else {
			deps.Classifier = intent.KeywordClassifier{}
		}
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewEngine(deps.Policy)
	}
	if deps.Guard == nil {
		deps.Guard = guard.New(deps.Policy)
	}
	if deps.Handoff == nil {
		deps.Handoff = handoff.LogPublisher{}
	}
	if strings.TrimSpace(deps.SystemPrompt) == "" {
		deps.SystemPrompt = defaultSalesPrompt
	}
	return &Orchestrator{deps: deps}, nil
}

// turn is the working state of one HandleTurn call.
type turn struct {
	req         models.TurnRequest
	text        string
	lead        *models.LeadRecord
	flow        models.FlowType
	reply       []string
	attachments []models.Attachment
	invocations []models.ToolInvocation
	intent      *models.IntentResult
	degraded    bool
}

func (t *turn) say(parts ...string) {
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			t.reply = append(t.reply, p)
		}
	}
}

// HandleTurn processes one inbound message and returns the reply. The lead record
// is committed only after the reply is composed; a turn that runs out of time
// returns a safe reply with Degraded set and leaves the record untouched.
func (o *Orchestrator) HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return models.TurnResult{}, fmt.Errorf("%w: %v", models.ErrInvalidUserInput, err)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := store.ValidateKey(req.UserID); err != nil {
		return models.TurnResult{}, fmt.Errorf("%w: %v", models.ErrInvalidUserInput, err)
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, o.deps.Policy.TurnTimeout)
	defer cancel()

	ctx, unlock, err := o.deps.Memory.Lock(ctx, req.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return o.degraded(req, models.StageFirstContact, start, err), nil
		}
		return models.TurnResult{}, err
	}
	defer unlock()

	// Only a committed turn marks its message processed, so a redelivery after a
	// failed or degraded turn runs again.
	if o.deps.Dedup != nil && req.MessageID != "" {
		done, err := o.deps.Dedup.IsProcessed(ctx, req.MessageID)
		if err != nil {
			slog.Warn("Orchestrator.HandleTurn: dedup lookup failed", "userID", req.UserID, "messageID", req.MessageID, "error", err)
		} else if done {
			slog.Info("Orchestrator.HandleTurn: duplicate message ignored", "userID", req.UserID, "messageID", req.MessageID)
			return models.TurnResult{}, ErrDuplicateTurn
		}
		if first, err := o.deps.Dedup.RecordInbound(ctx, req.MessageID, req.UserID); err != nil {
			slog.Warn("Orchestrator.HandleTurn: dedup record failed", "userID", req.UserID, "messageID", req.MessageID, "error", err)
		} else if !first {
			slog.Info("Orchestrator.HandleTurn: retrying unprocessed message", "userID", req.UserID, "messageID", req.MessageID)
		}
	}

	loaded, err := o.deps.Memory.Load(ctx, req.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return o.degraded(req, models.StageFirstContact, start, err), nil
		}
		return models.TurnResult{}, fmt.Errorf("handle turn for %s: %w", req.UserID, err)
	}
	before := loaded.Record
	lead := before.Clone()
	t := &turn{req: req, text: strings.TrimSpace(req.Text), lead: &lead}

	if loaded.Recovered {
		t.say(o.reintroduction())
	}
	o.route(ctx, t)

	if ctx.Err() != nil {
		return o.degraded(req, before.Stage, start, ctx.Err()), nil
	}
	committed, err := o.deps.Memory.Commit(ctx, lead)
	if err != nil {
		if ctx.Err() != nil {
			return o.degraded(req, before.Stage, start, err), nil
		}
		return models.TurnResult{}, fmt.Errorf("handle turn for %s: %w", req.UserID, err)
	}
	if o.deps.Dedup != nil && req.MessageID != "" {
		if err := o.deps.Dedup.MarkProcessed(ctx, req.MessageID); err != nil {
			slog.Warn("Orchestrator.HandleTurn: mark processed failed", "messageID", req.MessageID, "error", err)
		}
	}

	o.afterCommit(parent, before, committed, t)

	res := models.TurnResult{
		TurnID:           uuid.NewString(),
		UserID:           req.UserID,
		ReplyText:        fitReply(t.reply, o.deps.Policy.ReplyCharBudget),
		ReplyAttachments: t.attachments,
		ToolSideEffects:  t.invocations,
		Stage:            committed.Stage,
		Flow:             t.flow,
		Intent:           t.intent,
		Degraded:         t.degraded,
	}
	if res.Flow == "" {
		res.Flow = committed.CurrentFlow
	}
	metrics.RecordTurn(string(res.Stage), res.Degraded, time.Since(start))
	slog.Debug("Orchestrator.HandleTurn: turn complete", "userID", req.UserID, "turnID", res.TurnID, "stage", res.Stage, "flow", res.Flow, "tools", len(res.ToolSideEffects), "elapsed", time.Since(start))
	return res, nil
}

// replySep separates the parts of a reply.
const replySep = "\n\n"

// minPartRunes is the shortest a part may be cut to before the whole reply is
// trimmed instead.
const minPartRunes = 80

// fitReply joins the reply parts within budget characters. On overflow the
// longest part is cut back, by whole lines first, so short closing parts such as
// the handoff notice survive.
func fitReply(parts []string, budget int) string {
	reply := strings.Join(parts, replySep)
	over := utf8.RuneCountInString(reply) - budget
	if budget <= 0 || over <= 0 {
		return reply
	}
	longest := 0
	for i, p := range parts {
		if utf8.RuneCountInString(p) > utf8.RuneCountInString(parts[longest]) {
			longest = i
		}
	}
	if room := utf8.RuneCountInString(parts[longest]) - over; room >= minPartRunes {
		parts = slices.Clone(parts)
		parts[longest] = trimLines(parts[longest], room)
		return strings.Join(parts, replySep)
	}
	return guard.TrimToBudget(reply, budget)
}

// trimLines keeps the leading lines of text that fit in budget characters. A
// first line that is already too long is cut at a sentence or word boundary.
func trimLines(text string, budget int) string {
	var kept []string
	used := 0
	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if len(kept) > 0 {
			n++
		}
		if used+n > budget {
			break
		}
		kept = append(kept, line)
		used += n
	}
	if len(kept) == 0 {
		return guard.TrimToBudget(text, budget)
	}
	return strings.Join(kept, "\n")
}

// route dispatches the turn to the step the lead is on.
func (o *Orchestrator) route(ctx context.Context, t *turn) {
	lead := t.lead
	lead.InteractionCount++
	lead.LastInteractionAt = o.deps.Memory.Now()

	campaign, hasCampaign := o.deps.Policy.CampaignFor(t.text)
	if hasCampaign && lead.AnnouncementSent(campaign.Token) {
		slog.Debug("Orchestrator.route: campaign already announced", "userID", lead.UserID, "campaign", campaign.Token)
		hasCampaign = false
	}

	if lead.Consent != models.ConsentAccepted {
		if hasCampaign {
			lead.PendingCampaign = campaign.Token
		}
		if lead.WaitingFor == models.WaitConsent {
			o.awaitConsent(ctx, t)
		} else {
			o.startPrivacy(t)
		}
		return
	}

	if hasCampaign && o.announce(ctx, t, campaign) {
		o.repromptPending(t)
		return
	}

	if handler := waitHandler(lead.WaitingFor); handler != nil {
		handler(o, ctx, t)
		return
	}

	switch lead.Stage {
	case models.StageFirstContact:
		lead.AdvanceStage(models.StageCourseSelection)
		o.presentCourses(ctx, t)
	case models.StagePrivacyFlow:
		o.resumePrivacy(ctx, t)
	case models.StageCourseSelection:
		o.presentCourses(ctx, t)
	default:
		o.sales(ctx, t)
	}
}

// waitHandler returns the step that consumes the reply to a pending question. A
// wait tag may only be set when it has a handler here.
func waitHandler(tag models.WaitTag) func(*Orchestrator, context.Context, *turn) {
	switch tag {
	case models.WaitConsent:
		return (*Orchestrator).awaitConsent
	case models.WaitName:
		return (*Orchestrator).awaitName
	case models.WaitRole:
		return (*Orchestrator).awaitRole
	case models.WaitCourseChoice:
		return (*Orchestrator).awaitCourseChoice
	}
	return nil
}

// HasRepromptPath reports whether a lead waiting on tag can be re-prompted and
// moved forward.
func HasRepromptPath(tag models.WaitTag) bool {
	return waitHandler(tag) != nil && pendingPrompts[tag] != ""
}

// repromptPending repeats the pending question after a sub-flow interrupted it.
func (o *Orchestrator) repromptPending(t *turn) {
	if t.lead.WaitingFor == models.WaitNone {
		return
	}
	t.say(pendingPrompts[t.lead.WaitingFor])
}

// wait marks the lead as blocked on tag.
func (t *turn) wait(tag models.WaitTag) {
	if tag != models.WaitNone && !HasRepromptPath(tag) {
		slog.Error("Orchestrator: refusing wait tag without re-prompt path", "userID", t.lead.UserID, "tag", tag)
		return
	}
	t.lead.WaitingFor = tag
}

// afterCommit records metrics and publishes side effects of a committed turn.
func (o *Orchestrator) afterCommit(parent context.Context, before, after models.LeadRecord, t *turn) {
	if before.Stage != after.Stage {
		metrics.RecordStageTransition(string(before.Stage), string(after.Stage))
		slog.Info("Orchestrator: stage transition", "userID", after.UserID, "from", before.Stage, "to", after.Stage)
	}
	for _, inv := range t.invocations {
		metrics.RecordToolActivation(string(inv.ToolID))
		if inv.ToolID != models.ToolAdvisorHandoff {
			continue
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), handoffPublishTimeout)
		ev := handoff.NewEvent(after, inv.Payload, o.deps.Memory.Now())
		if err := o.deps.Handoff.Publish(ctx, ev); err != nil {
			slog.Error("Orchestrator: handoff publish failed", "userID", after.UserID, "eventID", ev.ID, "error", err)
		}
		cancel()
	}
}

// degraded is the safe reply for a turn that could not complete in time.
func (o *Orchestrator) degraded(req models.TurnRequest, stage models.Stage, start time.Time, cause error) models.TurnResult {
	slog.Warn("Orchestrator.HandleTurn: turn degraded", "userID", req.UserID, "error", cause, "elapsed", time.Since(start))
	metrics.RecordTurn(string(stage), true, time.Since(start))
	return models.TurnResult{
		TurnID:    uuid.NewString(),
		UserID:    req.UserID,
		ReplyText: safeReply,
		Stage:     stage,
		Flow:      models.FlowNone,
		Degraded:  true,
	}
}

func (o *Orchestrator) reintroduction() string {
	return fmt.Sprintf(reintroductionTemplate, o.deps.Policy.BrandName)
}
