package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

func assertWithinBudget(t *testing.T, h *harness, res models.TurnResult) {
	t.Helper()
	budget := h.orch.deps.Policy.ReplyCharBudget
	assert.LessOrEqual(t, utf8.RuneCountInString(res.ReplyText), budget, "reply has %d runes", utf8.RuneCountInString(res.ReplyText))
}

func TestHandoffReplyFitsBudget(t *testing.T) {
	drafter := &scriptedDrafter{draft: strings.Repeat("Con gusto te ayudo con tu inscripción al curso. ", 40)}
	h := newHarness(t, func(d *Dependencies) {
		d.Classifier = fixedIntent(models.IntentContactRequest, 0.9)
		d.GenAI = drafter
	})
	const user = "5215550130"
	h.seed(t, user, inSales("excel-avanzado"))

	res := h.send(t, user, "quiero hablar con un asesor")
	assertWithinBudget(t, h, res)
	assert.True(t, strings.HasSuffix(res.ReplyText, handoffNoticeText))
	require.Len(t, h.pub.Events(), 1)
}

func TestBonusListFitsBudget(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Classifier = fixedIntent(models.IntentBuyingSignals, 0.9)
	})
	for i := 0; i < 21; i++ {
		h.cat.Bonuses = append(h.cat.Bonuses, models.Bonus{
			ID:          fmt.Sprintf("extra-%d", i),
			CourseID:    "excel-avanzado",
			Title:       fmt.Sprintf("Masterclass grabada %d", i),
			Description: strings.Repeat("acceso de por vida a material descargable ", 4),
		})
	}
	const user = "5215550131"
	h.seed(t, user, inSales("excel-avanzado"))

	res := h.send(t, user, "quiero inscribirme")
	assert.Equal(t, models.FlowPurchaseBonus, res.Flow)
	assertWithinBudget(t, h, res)
	assert.True(t, strings.HasPrefix(res.ReplyText, bonusIntroText))
	assert.Contains(t, res.ReplyText, bonusCloseText)
	assert.True(t, strings.HasSuffix(res.ReplyText, handoffNoticeText))
}

func TestAnnouncementCardFitsBudget(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Policy.Campaigns = []config.Campaign{{Token: "#MEGA", CourseID: "mega", Name: "Mega Curso"}}
	})
	h.cat.Courses = append(h.cat.Courses, models.CourseDetail{
		CourseSummary: models.CourseSummary{ID: "mega", Name: "Mega Curso de Datos", Modality: "en línea"},
		Price:         "9900",
		Currency:      "MXN",
		Certification: strings.Repeat("Constancia con valor curricular avalada ", 60),
	})
	const user = "5215550132"
	h.seed(t, user, inSales("excel-avanzado"))

	res := h.send(t, user, "vi el anuncio #mega")
	assert.Equal(t, models.FlowAnnouncement, res.Flow)
	assertWithinBudget(t, h, res)
	assert.True(t, strings.HasPrefix(res.ReplyText, "📣 *Mega Curso de Datos*"))
	assert.True(t, strings.HasSuffix(res.ReplyText, announcementCloseText))
}

func TestFitReply(t *testing.T) {
	short := []string{"Hola.", "¿Seguimos?"}
	assert.Equal(t, "Hola.\n\n¿Seguimos?", fitReply(short, 160))

	list := "Bonos:\n" + strings.Repeat("🎁 *Plantilla*\n", 30) + "🎁 *Última*"
	got := fitReply([]string{list, handoffNoticeText}, 200)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 200)
	assert.True(t, strings.HasPrefix(got, "Bonos:\n🎁 *Plantilla*"))
	assert.True(t, strings.HasSuffix(got, handoffNoticeText))

	tiny := []string{strings.Repeat("a", 100), strings.Repeat("b ", 100)}
	got = fitReply(tiny, 160)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 160)
}

// flakyLeadRepo fails the first writes it is asked for.
type flakyLeadRepo struct {
	*store.InMemoryStore
	failures int
}

func (r *flakyLeadRepo) PutLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("disk full")
	}
	return r.InMemoryStore.PutLead(ctx, userID, data, expectedVersion)
}

func TestFailedTurnIsRetriedOnRedelivery(t *testing.T) {
	repo := store.NewInMemoryStore()
	flaky := &flakyLeadRepo{InMemoryStore: repo, failures: 1}
	h := newHarness(t, func(d *Dependencies) {
		d.Memory = memory.New(flaky)
		d.Dedup = repo
	})
	req := models.TurnRequest{UserID: "5215550133", Text: "hola", MessageID: "wamid.retry"}

	_, err := h.orch.HandleTurn(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateTurn)

	res, err := h.orch.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StagePrivacyFlow, res.Stage)
	assert.NotEmpty(t, res.ReplyText)

	loaded, err := memory.New(repo).Load(context.Background(), req.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Record.InteractionCount)

	_, err = h.orch.HandleTurn(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateTurn)
}
