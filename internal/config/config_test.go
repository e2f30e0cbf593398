package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 2, p.MaxToolsPerTurn)
	assert.Equal(t, 3, p.ToolRepeatWindow)
	assert.Equal(t, 1600, p.ReplyCharBudget)
	assert.Equal(t, 8*time.Second, p.ClassifyTimeout)
}

func TestParsePolicyMergesOntoDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte(`
tool_repeat_window: 4
classify_timeout: 5s
buying_signal_categories: [BUYING_SIGNALS, CONTACT_REQUEST]
campaigns:
  - token: iaabril
    course_id: ia-negocios
    name: Lanzamiento IA
`))
	require.NoError(t, err)
	assert.Equal(t, 4, p.ToolRepeatWindow)
	assert.Equal(t, 2, p.MaxToolsPerTurn)
	assert.Equal(t, 5*time.Second, p.ClassifyTimeout)
	assert.True(t, p.IsBuyingSignal(models.IntentContactRequest))
	require.Len(t, p.Campaigns, 1)
	assert.Equal(t, "#IAABRIL", p.Campaigns[0].Token)
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	cases := []string{
		"tool_repeat_window: 0",
		"intent_confidence_threshold: 1.5",
		"reply_char_budget: 20",
		"buying_signal_categories: [SHOPPING]",
		"campaigns: [{token: '#A', course_id: x}, {token: a, course_id: y}]",
		"classify_timeout: 40s",
	}
	for _, c := range cases {
		_, err := ParsePolicy([]byte(c))
		assert.Error(t, err, c)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_course_retries: 3\n"), 0o600))
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxCourseRetries)

	def, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), def)
}

func TestCampaignFor(t *testing.T) {
	p := DefaultPolicy()
	p.Campaigns = []Campaign{{Token: "#IAABRIL", CourseID: "ia-negocios"}}
	c, ok := p.CampaignFor("Hola, vi el anuncio #iaabril!")
	require.True(t, ok)
	assert.Equal(t, "ia-negocios", c.CourseID)
	_, ok = p.CampaignFor("hola #otro")
	assert.False(t, ok)
}
