package models

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Lead record constants.
const (
	// CurrentSchemaVersion is the schema version written by this build.
	CurrentSchemaVersion = 1
	// DefaultLeadScore is the score assigned to a new lead.
	DefaultLeadScore = 50
	// MaxLeadScore bounds the lead score from above; the lower bound is zero.
	MaxLeadScore = 100
	// MaxToolHistory bounds the tool activation history.
	MaxToolHistory = 50
	// DefaultHeaderHistoryLimit bounds the reply header history when no policy overrides it.
	DefaultHeaderHistoryLimit = 6
)

// Profile attribute keys.
const (
	AttrName        = "name"
	AttrRole        = "role"
	AttrSector      = "sector"
	AttrSeniority   = "seniority"
	AttrCompanySize = "company_size"
	AttrInterest    = "interest"
)

// SignalKind identifies a scoring signal.
type SignalKind string

// Signal kinds and the score delta their first occurrence contributes.
const (
	SignalBuying    SignalKind = "buying"
	SignalContact   SignalKind = "contact"
	SignalPainPoint SignalKind = "pain_point"
	SignalObjection SignalKind = "objection"
)

var signalDeltas = map[SignalKind]int{
	SignalBuying:    10,
	SignalContact:   15,
	SignalPainPoint: 4,
	SignalObjection: -3,
}

// EngagementSignals holds the sorted, deduplicated signal sets extracted from turns.
type EngagementSignals struct {
	PainPoints    []string `json:"pain_points"`
	BuyingSignals []string `json:"buying_signals"`
	Objections    []string `json:"objections"`
}

// ToolActivation is one entry of the tool history.
type ToolActivation struct {
	ToolID    ToolID `json:"tool_id"`
	TurnIndex int    `json:"turn_index"`
}

// LeadRecord is the persistent per-lead conversation memory.
type LeadRecord struct {
	UserID            string              `json:"user_id"`
	SchemaVersion     int                 `json:"schema_version"`
	Stage             Stage               `json:"stage"`
	CurrentFlow       FlowType            `json:"current_flow"`
	FlowStep          int                 `json:"flow_step"`
	WaitingFor        WaitTag             `json:"waiting_for_response"`
	Consent           ConsentState        `json:"consent_state"`
	SelectedCourse    string              `json:"selected_course,omitempty"`
	GenericCourse     bool                `json:"generic_course,omitempty"`
	Profile           map[string]string   `json:"profile_attributes"`
	Signals           EngagementSignals   `json:"engagement_signals"`
	SignalCounts      map[SignalKind]int  `json:"signal_counts,omitempty"`
	Score             int                 `json:"lead_score"`
	InteractionCount  int                 `json:"interaction_count"`
	ToolHistory       []ToolActivation    `json:"tool_activation_history"`
	HeaderHistory     []string            `json:"reply_header_history"`
	Retries           map[WaitTag]int     `json:"retries,omitempty"`
	CourseOptions     []string            `json:"course_options,omitempty"`
	AnnouncementsSent []string            `json:"announcements_sent,omitempty"`
	BonusOffered      bool                `json:"bonus_offered,omitempty"`
	PendingCampaign   string              `json:"pending_campaign,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	LastInteractionAt time.Time           `json:"last_interaction_at"`

	// Revision is the store version observed at load; it is not part of the content.
	Revision int64 `json:"-"`
}

// NewLeadRecord returns the default record for a lead seen for the first time.
func NewLeadRecord(userID string, now time.Time) LeadRecord {
	return LeadRecord{
		UserID:            userID,
		SchemaVersion:     CurrentSchemaVersion,
		Stage:             StageFirstContact,
		CurrentFlow:       FlowNone,
		WaitingFor:        WaitNone,
		Consent:           ConsentNotAsked,
		Profile:           map[string]string{},
		Score:             DefaultLeadScore,
		CreatedAt:         now,
		LastInteractionAt: now,
	}
}

// Validate checks the structural invariants of a decoded record.
func (l *LeadRecord) Validate() error {
	if strings.TrimSpace(l.UserID) == "" {
		return ErrEmptyUserID
	}
	if l.SchemaVersion <= 0 || l.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", l.SchemaVersion)
	}
	if !l.Stage.IsValid() {
		return fmt.Errorf("unknown stage %q", l.Stage)
	}
	if !IsValidFlowType(l.CurrentFlow) {
		return fmt.Errorf("unknown current_flow %q", l.CurrentFlow)
	}
	if !IsValidWaitTag(l.WaitingFor) {
		return fmt.Errorf("unknown waiting_for_response %q", l.WaitingFor)
	}
	if !IsValidConsentState(l.Consent) {
		return fmt.Errorf("unknown consent_state %q", l.Consent)
	}
	if l.FlowStep < 0 {
		return fmt.Errorf("negative flow_step %d", l.FlowStep)
	}
	if l.Score < 0 || l.Score > MaxLeadScore {
		return fmt.Errorf("lead_score %d out of range", l.Score)
	}
	if l.InteractionCount < 0 {
		return fmt.Errorf("negative interaction_count %d", l.InteractionCount)
	}
	if len(l.ToolHistory) > MaxToolHistory {
		return fmt.Errorf("tool history has %d entries, limit %d", len(l.ToolHistory), MaxToolHistory)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (l LeadRecord) Clone() LeadRecord {
	c := l
	c.Profile = make(map[string]string, len(l.Profile))
	for k, v := range l.Profile {
		c.Profile[k] = v
	}
	c.Signals = EngagementSignals{
		PainPoints:    slices.Clone(l.Signals.PainPoints),
		BuyingSignals: slices.Clone(l.Signals.BuyingSignals),
		Objections:    slices.Clone(l.Signals.Objections),
	}
	if l.SignalCounts != nil {
		c.SignalCounts = make(map[SignalKind]int, len(l.SignalCounts))
		for k, v := range l.SignalCounts {
			c.SignalCounts[k] = v
		}
	}
	if l.Retries != nil {
		c.Retries = make(map[WaitTag]int, len(l.Retries))
		for k, v := range l.Retries {
			c.Retries[k] = v
		}
	}
	c.ToolHistory = slices.Clone(l.ToolHistory)
	c.HeaderHistory = slices.Clone(l.HeaderHistory)
	c.CourseOptions = slices.Clone(l.CourseOptions)
	c.AnnouncementsSent = slices.Clone(l.AnnouncementsSent)
	return c
}

// AdvanceStage moves the lead forward to s. Lower or equal ranks are ignored; the
// return value reports whether the stage changed.
func (l *LeadRecord) AdvanceStage(s Stage) bool {
	if !s.IsValid() || s.Rank() <= l.Stage.Rank() {
		return false
	}
	l.Stage = s
	return true
}

// SetFlow switches the current flow, resetting the step when the flow changes.
func (l *LeadRecord) SetFlow(f FlowType) {
	if l.CurrentFlow == f {
		return
	}
	l.CurrentFlow = f
	l.FlowStep = 0
}

// SetAttribute stores a profile attribute. Empty and "unknown" values never overwrite.
func (l *LeadRecord) SetAttribute(key, value string) bool {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, "unknown") || strings.EqualFold(v, "desconocido") {
		return false
	}
	if l.Profile == nil {
		l.Profile = map[string]string{}
	}
	l.Profile[key] = v
	return true
}

// Attribute returns a profile attribute or "".
func (l *LeadRecord) Attribute(key string) string {
	return l.Profile[key]
}

// AddSignals merges values into the set for kind. It returns the values that were new.
func (l *LeadRecord) AddSignals(kind SignalKind, values ...string) []string {
	var set *[]string
	switch kind {
	case SignalPainPoint:
		set = &l.Signals.PainPoints
	case SignalBuying:
		set = &l.Signals.BuyingSignals
	case SignalObjection:
		set = &l.Signals.Objections
	default:
		return nil
	}
	var added []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || slices.Contains(*set, v) {
			continue
		}
		*set = append(*set, v)
		added = append(added, v)
	}
	sort.Strings(*set)
	return added
}

// ApplySignal adjusts the score for one occurrence of kind. The n-th occurrence
// contributes delta/n, at least one point in the delta's direction. It returns the
// change actually applied after clamping.
func (l *LeadRecord) ApplySignal(kind SignalKind) int {
	delta, ok := signalDeltas[kind]
	if !ok {
		return 0
	}
	if l.SignalCounts == nil {
		l.SignalCounts = map[SignalKind]int{}
	}
	l.SignalCounts[kind]++
	n := l.SignalCounts[kind]
	step := delta / n
	if step == 0 {
		if delta > 0 {
			step = 1
		} else {
			step = -1
		}
	}
	before := l.Score
	l.Score = clampScore(l.Score + step)
	return l.Score - before
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > MaxLeadScore {
		return MaxLeadScore
	}
	return s
}

// IncrementRetry bumps the retry counter for tag and returns the new count.
func (l *LeadRecord) IncrementRetry(tag WaitTag) int {
	if l.Retries == nil {
		l.Retries = map[WaitTag]int{}
	}
	l.Retries[tag]++
	return l.Retries[tag]
}

// ClearRetry resets the retry counter for a satisfied tag.
func (l *LeadRecord) ClearRetry(tag WaitTag) {
	delete(l.Retries, tag)
}

// RecordTool appends a tool activation, dropping the oldest entries past MaxToolHistory.
func (l *LeadRecord) RecordTool(id ToolID, turnIndex int) {
	l.ToolHistory = append(l.ToolHistory, ToolActivation{ToolID: id, TurnIndex: turnIndex})
	if over := len(l.ToolHistory) - MaxToolHistory; over > 0 {
		l.ToolHistory = slices.Clone(l.ToolHistory[over:])
	}
}

// LastToolTurn returns the most recent turn index at which id fired.
func (l *LeadRecord) LastToolTurn(id ToolID) (int, bool) {
	for i := len(l.ToolHistory) - 1; i >= 0; i-- {
		if l.ToolHistory[i].ToolID == id {
			return l.ToolHistory[i].TurnIndex, true
		}
	}
	return 0, false
}

// PushHeader records a reply opener, keeping at most limit entries.
func (l *LeadRecord) PushHeader(header string, limit int) {
	if limit <= 0 {
		limit = DefaultHeaderHistoryLimit
	}
	l.HeaderHistory = append(l.HeaderHistory, header)
	if over := len(l.HeaderHistory) - limit; over > 0 {
		l.HeaderHistory = slices.Clone(l.HeaderHistory[over:])
	}
}

// RecentHeaders returns up to n of the newest headers.
func (l *LeadRecord) RecentHeaders(n int) []string {
	if n <= 0 || len(l.HeaderHistory) == 0 {
		return nil
	}
	if n > len(l.HeaderHistory) {
		n = len(l.HeaderHistory)
	}
	return l.HeaderHistory[len(l.HeaderHistory)-n:]
}

// AnnouncementSent reports whether campaign has already been delivered.
func (l *LeadRecord) AnnouncementSent(campaign string) bool {
	return slices.Contains(l.AnnouncementsSent, campaign)
}

// HasCourse reports whether a course or the generic default is set.
func (l *LeadRecord) HasCourse() bool {
	return l.SelectedCourse != "" || l.GenericCourse
}

// Summary renders a compact, single-line description of the lead for prompts.
func (l *LeadRecord) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage=%s score=%d turns=%d", l.Stage, l.Score, l.InteractionCount)
	if l.SelectedCourse != "" {
		fmt.Fprintf(&b, " course=%s", l.SelectedCourse)
	}
	keys := make([]string, 0, len(l.Profile))
	for k := range l.Profile {
		if k == AttrName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, l.Profile[k])
	}
	if len(l.Signals.Objections) > 0 {
		fmt.Fprintf(&b, " objections=%s", strings.Join(l.Signals.Objections, ","))
	}
	if len(l.Signals.PainPoints) > 0 {
		fmt.Fprintf(&b, " pain_points=%s", strings.Join(l.Signals.PainPoints, ","))
	}
	return b.String()
}
