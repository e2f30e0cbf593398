package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// scriptedClient implements genai.ClientInterface with a fixed answer.
type scriptedClient struct {
	out   string
	err   error
	delay time.Duration
}

func (s *scriptedClient) GeneratePrompt(system, user string) (string, error) {
	return s.GeneratePromptWithContext(context.Background(), system, user)
}

func (s *scriptedClient) GeneratePromptWithContext(ctx context.Context, system, user string) (string, error) {
	return s.GenerateJSON(ctx, system, user)
}

func (s *scriptedClient) GenerateWithMessages(ctx context.Context, _ []openai.ChatCompletionMessageParamUnion) (string, error) {
	return s.GenerateJSON(ctx, "", "")
}

func (s *scriptedClient) GenerateJSON(ctx context.Context, _, _ string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.out, s.err
}

func TestLLMClassifier(t *testing.T) {
	tests := []struct {
		name     string
		client   *scriptedClient
		want     models.IntentCategory
		wantConf float64
		fallback bool
	}{
		{
			name:     "well formed",
			client:   &scriptedClient{out: `{"category":"OBJECTION_PRICE","confidence":0.82,"entities":{"role":"gerente","pain_points":["reportes manuales"]}}`},
			want:     models.IntentObjectionPrice,
			wantConf: 0.82,
		},
		{
			name:     "fenced with prose",
			client:   &scriptedClient{out: "Claro:\n```json\n{\"category\":\"buying_signals\",\"confidence\":\"0.9\"}\n```"},
			want:     models.IntentBuyingSignals,
			wantConf: 0.9,
		},
		{
			name:     "unknown category maps to general question",
			client:   &scriptedClient{out: `{"category":"SMALL_TALK","confidence":0.7}`},
			want:     models.IntentGeneralQuestion,
			wantConf: 0.7,
		},
		{
			name:     "confidence clamped",
			client:   &scriptedClient{out: `{"category":"EXPLORATION","confidence":7}`},
			want:     models.IntentExploration,
			wantConf: 1,
		},
		{
			name:     "provider error",
			client:   &scriptedClient{err: errors.New("503")},
			want:     models.IntentGeneralQuestion,
			fallback: true,
		},
		{
			name:     "empty output",
			client:   &scriptedClient{out: "  "},
			want:     models.IntentGeneralQuestion,
			fallback: true,
		},
		{
			name:     "malformed output",
			client:   &scriptedClient{out: `{"category": EXPLORATION}`},
			want:     models.IntentGeneralQuestion,
			fallback: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLLMClassifier(tt.client, time.Second)
			res := c.Classify(context.Background(), "hola", "stage=SALES_CONVERSATION")
			assert.Equal(t, tt.want, res.Category)
			assert.Equal(t, tt.fallback, res.Fallback)
			if tt.fallback {
				assert.Zero(t, res.Confidence)
				assert.False(t, res.Actionable(0.6))
			} else {
				assert.InDelta(t, tt.wantConf, res.Confidence, 1e-9)
			}
		})
	}
}

func TestLLMClassifierTimeout(t *testing.T) {
	c := NewLLMClassifier(&scriptedClient{out: `{"category":"EXPLORATION","confidence":0.9}`, delay: time.Second}, 20*time.Millisecond)
	start := time.Now()
	res := c.Classify(context.Background(), "hola", "")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Fallback)
	assert.Equal(t, models.IntentGeneralQuestion, res.Category)
}

func TestParseEntities(t *testing.T) {
	res, err := Parse(`{"category":"EXPLORATION","confidence":0.7,"entities":{"sector":"retail","role":"unknown","pain_points":["", "inventario manual"]}}`)
	assert.NoError(t, err)
	assert.Equal(t, "retail", res.Entities.Sector)
	assert.Empty(t, res.Entities.Role)
	assert.Equal(t, []string{"inventario manual"}, res.Entities.PainPoints)

	_, err = Parse("no json here")
	assert.ErrorIs(t, err, models.ErrTransientProvider)
}

func TestKeywordClassifier(t *testing.T) {
	k := KeywordClassifier{}
	tests := map[string]models.IntentCategory{
		"Está muy caro, ¿hay descuento?":  models.IntentObjectionPrice,
		"¿Me pueden mandar el temario?":   models.IntentContentRequest,
		"Quiero inscribirme ya":           models.IntentBuyingSignals,
		"Prefiero hablar con un asesor":   models.IntentContactRequest,
		"No tengo tiempo entre semana":    models.IntentObjectionTime,
		"Me interesa el curso":            models.IntentExploration,
		"¿Cuál es la capital de Francia?": models.IntentGeneralQuestion,
	}
	for text, want := range tests {
		res := k.Classify(context.Background(), text, "")
		assert.Equal(t, want, res.Category, text)
		assert.False(t, res.Fallback)
	}
}
