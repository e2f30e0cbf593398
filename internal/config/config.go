// Package config holds the funnel policy: the tunable constants of the
// orchestrator, tool engine, classifier and reply guard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Campaign maps a promotional marker to the course it announces.
type Campaign struct {
	Token    string `yaml:"token"`
	CourseID string `yaml:"course_id"`
	Name     string `yaml:"name"`
}

// Policy is the tunable behaviour of the funnel.
type Policy struct {
	MaxToolsPerTurn        int                     `yaml:"max_tools_per_turn"`
	ToolRepeatWindow       int                     `yaml:"tool_repeat_window"`
	IntentThreshold        float64                 `yaml:"intent_confidence_threshold"`
	MaxNameRetries         int                     `yaml:"max_name_retries"`
	MaxRoleRetries         int                     `yaml:"max_role_retries"`
	MaxCourseRetries       int                     `yaml:"max_course_retries"`
	ReplyCharBudget        int                     `yaml:"reply_char_budget"`
	HeaderHistoryLimit     int                     `yaml:"header_history_limit"`
	HeaderRepeatWindow     int                     `yaml:"header_repeat_window"`
	CourseListLimit        int                     `yaml:"course_list_limit"`
	ClassifyTimeout        time.Duration           `yaml:"classify_timeout"`
	DraftTimeout           time.Duration           `yaml:"draft_timeout"`
	TurnTimeout            time.Duration           `yaml:"turn_timeout"`
	BuyingSignalCategories []models.IntentCategory `yaml:"buying_signal_categories"`
	PrivacyPolicyURL       string                  `yaml:"privacy_policy_url"`
	BrandName              string                  `yaml:"brand_name"`
	AdvisorQueue           string                  `yaml:"advisor_queue"`
	Campaigns              []Campaign              `yaml:"campaigns"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxToolsPerTurn:        2,
		ToolRepeatWindow:       3,
		IntentThreshold:        0.6,
		MaxNameRetries:         2,
		MaxRoleRetries:         1,
		MaxCourseRetries:       2,
		ReplyCharBudget:        models.DefaultReplyCharBudget,
		HeaderHistoryLimit:     models.DefaultHeaderHistoryLimit,
		HeaderRepeatWindow:     3,
		CourseListLimit:        6,
		ClassifyTimeout:        8 * time.Second,
		DraftTimeout:           15 * time.Second,
		TurnTimeout:            30 * time.Second,
		BuyingSignalCategories: []models.IntentCategory{models.IntentBuyingSignals},
		PrivacyPolicyURL:       "https://cursos.example.com/aviso-de-privacidad",
		BrandName:              "nuestra academia",
		AdvisorQueue:           "asesores",
	}
}

// LoadPolicy reads a YAML policy file and merges it onto DefaultPolicy. An empty
// path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML onto DefaultPolicy and validates the result.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode policy: %w", err)
	}
	for i := range p.Campaigns {
		p.Campaigns[i].Token = NormalizeToken(p.Campaigns[i].Token)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MaxToolsPerTurn < 0:
		return fmt.Errorf("max_tools_per_turn must be >= 0")
	case p.ToolRepeatWindow < 1:
		return fmt.Errorf("tool_repeat_window must be >= 1")
	case p.IntentThreshold < 0 || p.IntentThreshold > 1:
		return fmt.Errorf("intent_confidence_threshold must be in [0,1]")
	case p.MaxNameRetries < 0 || p.MaxRoleRetries < 0 || p.MaxCourseRetries < 0:
		return fmt.Errorf("retry bounds must be >= 0")
	case p.ReplyCharBudget < 160:
		return fmt.Errorf("reply_char_budget must be >= 160")
	case p.HeaderHistoryLimit < p.HeaderRepeatWindow:
		return fmt.Errorf("header_history_limit must be >= header_repeat_window")
	case p.ClassifyTimeout <= 0 || p.TurnTimeout <= 0 || p.DraftTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case p.ClassifyTimeout >= p.TurnTimeout:
		return fmt.Errorf("classify_timeout must be shorter than turn_timeout")
	}
	for _, c := range p.BuyingSignalCategories {
		if models.ParseIntentCategory(string(c)) != c {
			return fmt.Errorf("unknown buying signal category %q", c)
		}
	}
	seen := map[string]bool{}
	for _, c := range p.Campaigns {
		if c.Token == "#" || c.CourseID == "" {
			return fmt.Errorf("campaign %q needs a token and a course_id", c.Name)
		}
		if seen[c.Token] {
			return fmt.Errorf("campaign token %s defined twice", c.Token)
		}
		seen[c.Token] = true
	}
	return nil
}

// IsBuyingSignal reports whether c triggers the purchase bonus sub-flow.
func (p Policy) IsBuyingSignal(c models.IntentCategory) bool {
	for _, b := range p.BuyingSignalCategories {
		if b == c {
			return true
		}
	}
	return false
}

// CampaignFor returns the campaign whose marker appears in text.
func (p Policy) CampaignFor(text string) (Campaign, bool) {
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "#") {
			continue
		}
		token := NormalizeToken(strings.TrimRight(field, ".,;:!?¡¿)"))
		for _, c := range p.Campaigns {
			if c.Token == token {
				return c, true
			}
		}
	}
	return Campaign{}, false
}

// CampaignByToken looks up a campaign by its normalized marker.
func (p Policy) CampaignByToken(token string) (Campaign, bool) {
	token = NormalizeToken(token)
	for _, c := range p.Campaigns {
		if c.Token == token {
			return c, true
		}
	}
	return Campaign{}, false
}

// NormalizeToken upper-cases a campaign marker and ensures the leading '#'.
func NormalizeToken(token string) string {
	t := strings.ToUpper(strings.TrimSpace(token))
	if !strings.HasPrefix(t, "#") {
		t = "#" + t
	}
	return t
}
