// Package intent classifies inbound lead messages into the closed intent set.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/genai"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 8 * time.Second

// Classifier maps a message to an IntentResult. Implementations never fail: on any
// provider problem they return models.FallbackIntent.
type Classifier interface {
	Classify(ctx context.Context, text, leadSummary string) models.IntentResult
}

const systemPrompt = `Eres el clasificador de intención de un asistente de ventas de cursos por WhatsApp.
Clasifica el mensaje del prospecto en UNA de estas categorías:
EXPLORATION (quiere conocer el curso), OBJECTION_PRICE (precio caro, descuentos),
OBJECTION_TIME (falta de tiempo, horarios), OBJECTION_VALUE (duda de que le sirva),
BUYING_SIGNALS (quiere inscribirse, pagar, apartar lugar), CONTACT_REQUEST (pide hablar con una persona o que le llamen),
CONTENT_REQUEST (pide temario, brochure, calendario, material), GENERAL_QUESTION (cualquier otra cosa).
Extrae solo lo que el mensaje dice explícitamente: sector, role, seniority, company_size y pain_points (problemas concretos del prospecto).
Responde únicamente con un objeto JSON:
{"category": "...", "confidence": 0.0, "entities": {"sector": "", "role": "", "seniority": "", "company_size": "", "pain_points": []}}`

// rawResult mirrors the JSON the model is asked to produce.
type rawResult struct {
	Category   string      `json:"category"`
	Confidence json.Number `json:"confidence"`
	Entities   rawEntities `json:"entities"`
}

type rawEntities struct {
	Sector      string   `json:"sector"`
	Role        string   `json:"role"`
	Seniority   string   `json:"seniority"`
	CompanySize string   `json:"company_size"`
	PainPoints  []string `json:"pain_points"`
}

// LLMClassifier classifies with the language model service.
type LLMClassifier struct {
	client  genai.ClientInterface
	timeout time.Duration
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLMClassifier creates a classifier. A non-positive timeout uses DefaultTimeout.
func NewLLMClassifier(client genai.ClientInterface, timeout time.Duration) *LLMClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMClassifier{client: client, timeout: timeout}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text, leadSummary string) models.IntentResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := fmt.Sprintf("Contexto del prospecto: %s\nMensaje: %s", leadSummary, text)
	raw, err := c.client.GenerateJSON(ctx, systemPrompt, user)
	if err != nil {
		return fallback(fmt.Errorf("%w: classify: %v", models.ErrTransientProvider, err))
	}
	res, err := Parse(raw)
	if err != nil {
		return fallback(err)
	}
	metrics.RecordIntent(string(res.Category), false)
	slog.Debug("LLMClassifier.Classify: classified", "category", res.Category, "confidence", res.Confidence)
	return res
}

func fallback(cause error) models.IntentResult {
	if errors.Is(cause, context.DeadlineExceeded) {
		slog.Warn("LLMClassifier.Classify: timed out, using fallback intent", "error", cause)
	} else {
		slog.Warn("LLMClassifier.Classify: provider failure, using fallback intent", "error", cause)
	}
	metrics.RecordProviderError("classifier")
	res := models.FallbackIntent()
	metrics.RecordIntent(string(res.Category), true)
	return res
}

// Parse decodes model output into an IntentResult. Unknown categories map to
// GENERAL_QUESTION and confidence is clamped to [0, 1]. Empty or malformed output
// is a transient provider error.
func Parse(raw string) (models.IntentResult, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return models.IntentResult{}, fmt.Errorf("%w: empty or non-JSON classifier output", models.ErrTransientProvider)
	}
	var r rawResult
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return models.IntentResult{}, fmt.Errorf("%w: malformed classifier output: %v", models.ErrTransientProvider, err)
	}
	if strings.TrimSpace(r.Category) == "" {
		return models.IntentResult{}, fmt.Errorf("%w: classifier output has no category", models.ErrTransientProvider)
	}
	conf, err := r.Confidence.Float64()
	if err != nil {
		conf = 0
	}
	res := models.IntentResult{
		Category:   models.ParseIntentCategory(r.Category),
		Confidence: models.ClampConfidence(conf),
		Entities: models.IntentEntities{
			Sector:      cleanEntity(r.Entities.Sector),
			Role:        cleanEntity(r.Entities.Role),
			Seniority:   cleanEntity(r.Entities.Seniority),
			CompanySize: cleanEntity(r.Entities.CompanySize),
		},
	}
	for _, p := range r.Entities.PainPoints {
		if p = cleanEntity(p); p != "" {
			res.Entities.PainPoints = append(res.Entities.PainPoints, p)
		}
	}
	return res, nil
}

// extractJSONObject returns the outermost {...} span, tolerating code fences and
// surrounding prose.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func cleanEntity(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "unknown", "desconocido", "n/a", "null", "none", "ninguno":
		return ""
	}
	return s
}
