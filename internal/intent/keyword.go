package intent

import (
	"context"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// keywordRule assigns a category when any of its cues occurs in the message.
type keywordRule struct {
	category   models.IntentCategory
	confidence float64
	cues       []string
}

// Rules are checked in order; the first match wins.
var keywordRules = []keywordRule{
	{models.IntentContactRequest, 0.85, []string{"asesor", "llámame", "llamame", "llamada", "hablar con alguien", "hablar con una persona", "contactarme", "marcarme"}},
	{models.IntentBuyingSignals, 0.8, []string{"inscribirme", "inscribo", "quiero pagar", "cómo pago", "como pago", "apartar", "me apunto", "link de pago", "reservar mi lugar", "lo quiero"}},
	{models.IntentObjectionPrice, 0.8, []string{"caro", "costoso", "descuento", "muy alto", "no me alcanza", "presupuesto", "más barato", "mas barato"}},
	{models.IntentObjectionTime, 0.75, []string{"no tengo tiempo", "poco tiempo", "horario", "ocupado", "ocupada", "trabajo mucho", "no puedo en la noche"}},
	{models.IntentObjectionValue, 0.7, []string{"vale la pena", "me sirve", "no sé si", "no se si", "para qué", "para que me", "no estoy seguro", "no estoy segura"}},
	{models.IntentContentRequest, 0.8, []string{"temario", "brochure", "folleto", "pdf", "calendario", "programa", "información", "informacion", "mándame", "mandame", "envíame", "enviame"}},
	{models.IntentExploration, 0.65, []string{"curso", "de qué trata", "de que trata", "me interesa", "quiero saber", "aprender", "cuéntame", "cuentame"}},
}

var painCues = []string{"pierdo tiempo", "manual", "lento", "errores", "no sé usar", "no se usar", "me cuesta", "problema"}

// KeywordClassifier is a deterministic classifier over Spanish cue phrases. It
// serves deployments without a language model and never reports a fallback.
type KeywordClassifier struct{}

var _ Classifier = KeywordClassifier{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, text, _ string) models.IntentResult {
	lower := strings.ToLower(text)
	res := models.IntentResult{Category: models.IntentGeneralQuestion, Confidence: 0.5}
	for _, rule := range keywordRules {
		if containsAny(lower, rule.cues) {
			res.Category = rule.category
			res.Confidence = rule.confidence
			break
		}
	}
	for _, cue := range painCues {
		if strings.Contains(lower, cue) {
			res.Entities.PainPoints = append(res.Entities.PainPoints, cue)
		}
	}
	metrics.RecordIntent(string(res.Category), false)
	return res
}

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}
