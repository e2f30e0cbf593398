// Package guard enforces the reply rules on drafted text: claims about course
// attributes must trace to verified catalog facts, openers must not repeat and the
// reply must fit the channel budget.
package guard

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Deferral replaces any sentence that states an unverified course attribute.
const Deferral = "Permíteme confirmarlo con el equipo académico y te lo escribo enseguida."

// openerWords is the number of words an opener is normalized to.
const openerWords = 5

// Violation describes a sentence the grounding check rejected.
type Violation struct {
	Sentence  string
	Attribute models.FactAttribute
	Reason    string
}

// Outcome is the guarded reply.
type Outcome struct {
	Reply      string
	Header     string
	Violations []Violation
	Rewritten  bool
}

// Guard applies the reply rules.
type Guard struct {
	budget       int
	repeatWindow int
	historyLimit int
	brand        string
}

// New creates a guard from policy.
func New(policy config.Policy) *Guard {
	return &Guard{
		budget:       policy.ReplyCharBudget,
		repeatWindow: policy.HeaderRepeatWindow,
		historyLimit: policy.HeaderHistoryLimit,
		brand:        policy.BrandName,
	}
}

// Finalize checks draft against facts and the lead's recent openers and returns
// the reply to send. The chosen opener is pushed onto lead's header history.
func (g *Guard) Finalize(draft string, lead *models.LeadRecord, facts models.GroundingFacts, category models.IntentCategory) Outcome {
	var out Outcome
	sentences, violations := ground(SplitSentences(draft), facts, g.knownWords(lead))
	out.Violations = violations
	if len(violations) > 0 {
		out.Rewritten = true
		metrics.RecordGuardRewrite("grounding")
		for _, v := range violations {
			slog.Warn("Guard.Finalize: ungrounded claim replaced", "userID", lead.UserID, "attribute", v.Attribute, "reason", v.Reason, "error", models.ErrGroundingViolation)
		}
	}
	if onlyDeferrals(sentences) {
		slog.Debug("Guard.Finalize: using fallback template", "userID", lead.UserID, "category", category)
		sentences = SplitSentences(FallbackReply(category))
		out.Rewritten = true
		metrics.RecordGuardRewrite("fallback")
	}

	recent := lead.RecentHeaders(g.repeatWindow)
	opener, rest := splitOpener(sentences)
	header := NormalizeOpener(opener)
	if slices.Contains(recent, header) {
		alt := alternateOpener(category, recent)
		slog.Debug("Guard.Finalize: repeated opener replaced", "userID", lead.UserID, "opener", header, "alternate", alt)
		opener, rest = alt, capitalizeFirst(rest)
		header = NormalizeOpener(alt)
		out.Rewritten = true
		metrics.RecordGuardRewrite("repetition")
	}

	reply := joinNonEmpty(opener, rest)
	if trimmed := TrimToBudget(reply, g.budget); trimmed != reply {
		reply = trimmed
		out.Rewritten = true
		metrics.RecordGuardRewrite("trim")
	}
	out.Reply = reply
	out.Header = header
	if header != "" {
		lead.PushHeader(header, g.historyLimit)
	}
	return out
}

// knownWords are the lead's name and the brand, which a reply may name freely.
func (g *Guard) knownWords(lead *models.LeadRecord) map[string]bool {
	known := map[string]bool{}
	for _, s := range []string{g.brand, lead.Attribute(models.AttrName)} {
		for _, w := range strings.Fields(words(s)) {
			known[w] = true
		}
	}
	return known
}

// ground replaces every ungrounded sentence by the deferral, collapsing runs of
// deferrals into one.
func ground(sentences []string, facts models.GroundingFacts, known map[string]bool) ([]string, []Violation) {
	var out []string
	var violations []Violation
	for _, s := range sentences {
		if v, bad := checkSentence(s, facts, known); bad {
			violations = append(violations, v)
			s = Deferral
		}
		if s == Deferral && len(out) > 0 && out[len(out)-1] == Deferral {
			continue
		}
		out = append(out, s)
	}
	return out, violations
}

func onlyDeferrals(sentences []string) bool {
	for _, s := range sentences {
		if s != Deferral {
			return false
		}
	}
	return true
}

var sentenceEnd = map[rune]bool{'.': true, '!': true, '?': true, '…': true}

// SplitSentences splits text after terminal punctuation followed by whitespace and
// at line breaks. Empty pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i + 1)
		case sentenceEnd[r] && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])):
			flush(i + 1)
		}
	}
	flush(len(runes))
	return out
}

// splitOpener separates the opener from the rest of the reply. A short leading
// clause ended by a comma counts as the opener; otherwise the first sentence does.
func splitOpener(sentences []string) (string, string) {
	if len(sentences) == 0 {
		return "", ""
	}
	first, rest := sentences[0], strings.Join(sentences[1:], " ")
	if i := strings.Index(first, ","); i > 0 && len(strings.Fields(first[:i])) <= openerWords {
		tail := strings.TrimSpace(first[i+1:])
		if tail != "" {
			return first[:i+1], joinNonEmpty(tail, rest)
		}
	}
	return first, rest
}

var foldAccents = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// NormalizeOpener reduces an opener to its first five lowercase, unaccented words.
func NormalizeOpener(opener string) string {
	s := foldAccents.Replace(strings.ToLower(opener))
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) > openerWords {
		words = words[:openerWords]
	}
	return strings.Join(words, " ")
}

func alternateOpener(category models.IntentCategory, recent []string) string {
	pool := append(slices.Clone(openerPools[category]), genericOpeners...)
	for _, alt := range pool {
		if !slices.Contains(recent, NormalizeOpener(alt)) {
			return alt
		}
	}
	return pool[len(pool)-1]
}

// TrimToBudget cuts text to at most budget characters at a sentence boundary. A
// first sentence longer than the budget is cut at a word boundary.
func TrimToBudget(text string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(text) <= budget {
		return text
	}
	var b strings.Builder
	count := 0
	for _, s := range SplitSentences(text) {
		n := utf8.RuneCountInString(s)
		if count > 0 {
			n++
		}
		if count+n > budget {
			break
		}
		if count > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
		count += n
	}
	if count > 0 {
		return b.String()
	}
	runes := []rune(text)[:budget-1]
	cut := string(runes)
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*`)

// numbers extracts normalized numeric tokens: thousands separators, zero cents and
// leading zeros are dropped, so "4,500", "4500" and "4,500.00" compare equal, as do
// "09" and "9".
func numbers(s string) []string {
	var out []string
	for _, tok := range numberPattern.FindAllString(s, -1) {
		out = append(out, normalizeNumber(tok))
	}
	return out
}

func normalizeNumber(tok string) string {
	parts := strings.FieldsFunc(tok, func(r rune) bool { return r == '.' || r == ',' })
	// "4,500.00" states no more than "4,500".
	if last := parts[len(parts)-1]; len(parts) > 1 && len(last) != 3 && strings.Trim(last, "0") == "" {
		parts = parts[:len(parts)-1]
		tok = strings.Join(parts, ",")
	}
	grouped := len(parts) > 1
	for _, p := range parts[1:] {
		if len(p) != 3 {
			grouped = false
		}
	}
	if grouped {
		tok = strings.Join(parts, "")
	} else {
		tok = strings.ReplaceAll(tok, ",", ".")
	}
	if t := strings.TrimLeft(tok, "0"); t != "" && t[0] != '.' {
		tok = t
	}
	return tok
}
