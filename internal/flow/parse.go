package flow

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// consentAnswer is the parsed reply to the consent request.
type consentAnswer int

const (
	consentUnclear consentAnswer = iota
	consentYes
	consentNo
)

var foldAccents = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// fold lowercases s, strips accents and punctuation and pads it with spaces so
// phrases can be matched on word boundaries.
func fold(s string) string {
	s = foldAccents.Replace(strings.ToLower(s))
	ws := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(ws, " ") + " "
}

func hasPhrase(folded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(folded, " "+p+" ") {
			return true
		}
	}
	return false
}

var (
	consentDeclines = []string{"claro que no", "no acepto", "no autorizo", "no quiero", "no estoy de acuerdo", "rechazo", "no gracias"}
	consentAccepts  = []string{"si", "sii", "simon", "acepto", "de acuerdo", "ok", "okay", "va", "sale", "claro", "dale", "adelante", "por supuesto", "esta bien", "autorizo", "perfecto", "no hay problema", "yes", "listo"}
	consentBareNo   = []string{"no", "nop", "nel", "nope"}
)

// parseConsent maps a reply to yes, no or unclear. Consent is never assumed.
func parseConsent(text string) consentAnswer {
	f := fold(text)
	if strings.Contains(text, "👍") {
		return consentYes
	}
	switch {
	case hasPhrase(f, consentDeclines):
		return consentNo
	case hasPhrase(f, consentAccepts):
		return consentYes
	case hasPhrase(f, consentBareNo):
		return consentNo
	}
	return consentUnclear
}

var namePrefixes = []string{"me llamo", "mi nombre es", "soy", "hola", "buenas tardes", "buenas noches", "buenas", "buenos días", "buenos dias", "claro", "sí", "si", "mucho gusto"}

// notNames are replies that can never be a name on their own.
var notNames = map[string]bool{
	"si": true, "no": true, "ok": true, "hola": true, "gracias": true, "nada": true, "omitir": true, "cualquiera": true,
}

// parseName extracts a name: one to four words of letters, 2 to 60 characters.
func parseName(text string) (string, bool) {
	words := nameWords(stripPrefixes(text, namePrefixes))
	if len(words) == 0 || len(words) > 4 {
		return "", false
	}
	all := true
	for _, w := range words {
		if !notNames[foldWord(w)] {
			all = false
		}
	}
	if all {
		return "", false
	}
	name := titleWords(words)
	if n := len([]rune(name)); n < 2 || n > 60 {
		return "", false
	}
	return name, true
}

// fallbackName accepts the first words of the raw reply once retries run out.
func fallbackName(text string) string {
	var words []string
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if w != "" {
			words = append(words, w)
		}
		if len(words) == 3 {
			break
		}
	}
	name := titleWords(words)
	if r := []rune(name); len(r) > 60 {
		name = string(r[:60])
	}
	return name
}

// nameWords splits text into words made only of letters, apostrophes and hyphens.
// Any other word makes the whole reply invalid.
func nameWords(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, ".,;:!¡?¿\"")
		if w == "" {
			continue
		}
		for _, r := range w {
			if !unicode.IsLetter(r) && r != '\'' && r != '-' {
				return nil
			}
		}
		out = append(out, w)
	}
	return out
}

func titleWords(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		out[i] = string(r)
	}
	return strings.Join(out, " ")
}

func foldWord(w string) string {
	return strings.TrimSpace(fold(w))
}

// stripPrefixes removes leading filler phrases from text. Prefixes are lowercase
// and matched against the lowercased text, so accented variants are listed too.
func stripPrefixes(text string, prefixes []string) string {
	s := strings.TrimSpace(text)
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(s)
		for _, p := range prefixes {
			if strings.HasPrefix(lower, p) && (len(lower) == len(p) || !isLetterAt(lower, len(p))) {
				s = strings.TrimLeft(s[len(p):], " ,.!¡")
				changed = true
				break
			}
		}
	}
	return strings.TrimSpace(s)
}

func isLetterAt(s string, i int) bool {
	for _, r := range s[i:] {
		return unicode.IsLetter(r)
	}
	return false
}

var roleSkips = []string{"omitir", "omito", "saltar", "paso", "prefiero no", "no quiero", "no aplica", "ninguno", "n a", "skip", "siguiente", "no"}

var rolePrefixes = []string{"soy", "trabajo como", "trabajo en", "me dedico a", "mi puesto es", "mi rol es", "actualmente soy", "actualmente"}

// parseRole returns the role, whether the lead asked to skip, and whether the
// reply was usable at all.
func parseRole(text string) (role string, skip bool, ok bool) {
	f := fold(text)
	if strings.TrimSpace(f) == "" {
		return "", false, false
	}
	if hasPhrase(f, roleSkips) && len(strings.Fields(f)) <= 3 {
		return "", true, true
	}
	role = strings.Trim(stripPrefixes(text, rolePrefixes), " .,;:!¡?¿")
	letters := 0
	for _, r := range role {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < 2 || len([]rune(role)) > 80 || len(strings.Fields(role)) > 8 {
		return "", false, false
	}
	return role, false, true
}

var courseSkips = []string{"cualquiera", "cualquier", "no se", "ninguno", "otro", "da igual", "el que sea", "no estoy seguro", "no estoy segura", "todos", "omitir", "no lo se"}

var optionNumber = regexp.MustCompile(`\d+`)

// parseOptionNumber returns the first number in text, if any.
func parseOptionNumber(text string) (int, bool) {
	m := optionNumber.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

func wantsAnyCourse(text string) bool {
	return hasPhrase(fold(text), courseSkips)
}
