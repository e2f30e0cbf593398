package guard

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// claim is a course attribute a sentence can assert, the cue words that reveal it
// and the fact attributes that may back it.
type claim struct {
	attr models.FactAttribute
	cues []string
	// sources are the fact attributes whose values may back the claim.
	sources []models.FactAttribute
	// named claims must mention one verified value verbatim.
	named bool
}

var claims = []claim{
	{
		attr:    models.FactPrice,
		cues:    []string{"precio", "precios", "cuesta", "cuestan", "costo", "costos", "inversion", "pesos", "mxn", "usd", "dolares", "descuento", "descuentos", "pago", "pagos", "pagar", "mensualidad", "mensualidades", "parcialidades", "meses sin intereses", "tarifa", "contado"},
		sources: []models.FactAttribute{models.FactPrice, models.FactPayment},
	},
	{
		attr:    models.FactSessions,
		cues:    []string{"sesion", "sesiones", "clase", "clases", "modulo", "modulos"},
		sources: []models.FactAttribute{models.FactSessions, models.FactSchedule},
	},
	{
		attr:    models.FactDuration,
		cues:    []string{"hora", "horas", "semana", "semanas", "duracion", "dura"},
		sources: []models.FactAttribute{models.FactDuration, models.FactSchedule},
	},
	{
		attr:    models.FactCertification,
		cues:    []string{"certificado", "certificados", "certificacion", "certifica", "diploma", "constancia", "titulo", "titulos", "avalado", "avalada", "acreditado", "acreditada"},
		sources: []models.FactAttribute{models.FactCertification},
		named:   true,
	},
	{
		attr:    models.FactTools,
		cues:    []string{"herramienta", "herramientas", "software"},
		sources: []models.FactAttribute{models.FactTools},
		named:   true,
	},
	{
		attr:    models.FactStartDate,
		cues:    []string{"inicia", "inicio", "empieza", "comienza", "arranca", "fecha", "horario", "horarios", "calendario"},
		sources: []models.FactAttribute{models.FactStartDate, models.FactSchedule},
	},
	{
		attr:    models.FactBonus,
		cues:    []string{"bono", "bonos", "regalo"},
		sources: []models.FactAttribute{models.FactBonus},
	},
}

var cueWords = func() map[string]bool {
	m := map[string]bool{}
	for _, c := range claims {
		for _, cue := range c.cues {
			m[cue] = true
		}
	}
	return m
}()

// words returns the folded word sequence of s padded with spaces, so cues can be
// matched on word boundaries.
func words(s string) string {
	folded := foldAccents.Replace(strings.ToLower(s))
	ws := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(ws, " ") + " "
}

func mentions(padded string, cue string) bool {
	return strings.Contains(padded, " "+cue+" ")
}

// learningCues introduce what a course teaches. A proper name following one must
// be a verified tool, certification or course name.
var learningCues = []string{"aprenderas", "aprendes", "aprenderan", "usaras", "utilizaras", "dominaras", "manejaras", "trabajaras", "programaras"}

var listMarker = regexp.MustCompile(`^\d{1,2}[.)]$`)

// checkSentence reports the first rule a sentence breaks. known holds folded
// words that may appear capitalized without backing, such as the lead's name.
func checkSentence(sentence string, facts models.GroundingFacts, known map[string]bool) (Violation, bool) {
	if listMarker.MatchString(sentence) {
		return Violation{}, false
	}
	padded := words(sentence)
	var mentioned []claim
	for _, c := range claims {
		if slices.ContainsFunc(c.cues, func(cue string) bool { return mentions(padded, cue) }) ||
			(c.attr == models.FactPrice && strings.Contains(sentence, "$")) {
			mentioned = append(mentioned, c)
		}
	}

	allowed := map[string]bool{}
	if len(mentioned) == 0 {
		for attr := range facts {
			for _, n := range valueNumbers(facts, attr) {
				allowed[n] = true
			}
		}
	}
	for _, n := range valueNumbers(facts, models.FactCourseName) {
		allowed[n] = true
	}
	for _, c := range mentioned {
		if !slices.ContainsFunc(c.sources, facts.Has) {
			return Violation{Sentence: sentence, Attribute: c.attr, Reason: "attribute not in catalog"}, true
		}
		if c.named && !namesValue(padded, facts.Values(c.attr)) {
			return Violation{Sentence: sentence, Attribute: c.attr, Reason: "no verified value named"}, true
		}
		for _, n := range valueNumbers(facts, c.sources...) {
			allowed[n] = true
		}
	}
	if slices.ContainsFunc(learningCues, func(cue string) bool { return mentions(padded, cue) }) {
		if name, ok := unverifiedName(sentence, facts, known); ok {
			return Violation{Sentence: sentence, Attribute: models.FactTools, Reason: "name " + name + " not in catalog"}, true
		}
	}
	attr := models.FactAttribute("")
	if len(mentioned) > 0 {
		attr = mentioned[0].attr
	}
	for _, n := range numbers(sentence) {
		if !allowed[n] {
			return Violation{Sentence: sentence, Attribute: attr, Reason: "number " + n + " not in catalog"}, true
		}
	}
	return Violation{}, false
}

// unverifiedName returns the first capitalized word after the sentence start that
// no fact value and no known word contains.
func unverifiedName(sentence string, facts models.GroundingFacts, known map[string]bool) (string, bool) {
	backed := map[string]bool{}
	for _, values := range facts {
		for _, v := range values {
			for _, w := range strings.Fields(words(v)) {
				backed[w] = true
			}
		}
	}
	tokens := strings.FieldsFunc(sentence, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, tok := range tokens {
		r, _ := utf8.DecodeRuneInString(tok)
		if i == 0 || !unicode.IsUpper(r) {
			continue
		}
		w := strings.TrimSpace(words(tok))
		if !backed[w] && !known[w] {
			return tok, true
		}
	}
	return "", false
}

func valueNumbers(facts models.GroundingFacts, attrs ...models.FactAttribute) []string {
	var out []string
	for _, a := range attrs {
		for _, v := range facts.Values(a) {
			out = append(out, numbers(v)...)
		}
	}
	return out
}

// namesValue reports whether the sentence names one of values, either whole or by
// one of its distinctive words.
func namesValue(padded string, values []string) bool {
	for _, v := range values {
		vw := strings.TrimSpace(words(v))
		if vw != "" && strings.Contains(padded, " "+vw+" ") {
			return true
		}
		for _, w := range strings.Fields(vw) {
			if len(w) >= 4 && !cueWords[w] && mentions(padded, w) {
				return true
			}
		}
	}
	return false
}

// openerPools hold alternate openers per intent. None of them asserts a course
// attribute.
var openerPools = map[models.IntentCategory][]string{
	models.IntentExploration:     {"¡Qué bueno que te interese!", "Con gusto te cuento.", "Excelente elección para explorar."},
	models.IntentObjectionPrice:  {"Entiendo perfectamente tu punto.", "Es muy válido cuidar tu presupuesto.", "Gracias por decírmelo con confianza."},
	models.IntentObjectionTime:   {"Entiendo que tu agenda está apretada.", "Sé que el tiempo vale oro.", "Buena observación sobre tu disponibilidad."},
	models.IntentObjectionValue:  {"Es una duda muy razonable.", "Me parece muy bien que lo pienses.", "Vale la pena revisarlo juntos."},
	models.IntentBuyingSignals:   {"¡Qué gusto que quieras avanzar!", "¡Excelente decisión!", "¡Me alegra mucho leerte!"},
	models.IntentContactRequest:  {"Claro que sí.", "Por supuesto.", "Con todo gusto."},
	models.IntentContentRequest:  {"Aquí tienes la información.", "Te comparto lo que pediste.", "Con gusto te lo envío."},
	models.IntentGeneralQuestion: {"Buena pregunta.", "Gracias por escribir.", "Te cuento."},
}

var genericOpeners = []string{"Perfecto.", "Muy bien.", "Entendido.", "De acuerdo."}

var fallbackReplies = map[models.IntentCategory]string{
	models.IntentExploration:     "Con gusto te cuento más del curso. ¿Qué te gustaría lograr al tomarlo?",
	models.IntentObjectionPrice:  "Entiendo que es una decisión importante. Si quieres, reviso contigo las opciones disponibles para que elijas la que mejor te acomode.",
	models.IntentObjectionTime:   "Entiendo que tu agenda está apretada. Cuéntame qué días te acomodan mejor y lo revisamos juntos.",
	models.IntentObjectionValue:  "Es válido preguntarse si el curso es para ti. ¿Qué te gustaría poder resolver en tu trabajo con lo que aprendas?",
	models.IntentBuyingSignals:   "¡Qué gusto que quieras avanzar! Un asesor te ayudará a completar tu inscripción.",
	models.IntentContactRequest:  "Claro, le pido a un asesor que te contacte en breve.",
	models.IntentContentRequest:  "Con gusto te comparto el material del curso. ¿Hay algún tema que te interese en particular?",
	models.IntentGeneralQuestion: "Gracias por tu mensaje. ¿En qué más te puedo ayudar sobre el curso?",
}

// FallbackReply is the safe reply for a category when no grounded draft survives.
func FallbackReply(category models.IntentCategory) string {
	if r, ok := fallbackReplies[category]; ok {
		return r
	}
	return fallbackReplies[models.IntentGeneralQuestion]
}
