package embed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }

func TestRenderEmptyFallback(t *testing.T) {
	assert.Equal(t, "блогер", Render(domain.AIInsights{}))
}

func TestRenderSections(t *testing.T) {
	var ins domain.AIInsights
	ins.ShortLabel = "Бьюти-блогер, Алматы"
	ins.ShortSummary = "Рассказывает про уход за кожей."
	ins.Content.PrimaryCategories = []string{"beauty"}
	ins.Content.SecondaryTopics = []string{"Макияж"}
	ins.BloggerProfile.Profession = strptr("визажист")
	ins.BloggerProfile.City = strptr("Алматы")
	ins.BloggerProfile.Country = strptr("Казахстан")
	ins.BloggerProfile.PageType = strptr("blog")
	ins.Tags = []string{"мама", "зож"}
	ins.AudienceInference.EstimatedAudienceAge = strptr("18-24")
	ins.AudienceInference.EngagementQuality = strptr("organic")
	ins.MarketingValue.BestFitIndustries = []string{"косметика"}
	ins.MarketingValue.BrandSafetyScore = intptr(4)

	text := Render(ins)
	assert.Contains(t, text, "Бьюти-блогер, Алматы. Рассказывает про уход за кожей.")
	assert.Contains(t, text, "Категория: beauty")
	assert.Contains(t, text, "Подкатегории: Макияж")
	assert.Contains(t, text, "Профессия: визажист")
	assert.Contains(t, text, "Город: Алматы, Казахстан")
	assert.Contains(t, text, "Тип: личный блог")
	assert.Contains(t, text, "Теги: мама, зож.")
	assert.Contains(t, text, "Аудитория: 18-24.")
	assert.Contains(t, text, "Подходит для рекламы: косметика.")
	assert.Contains(t, text, "вовлечённость органическая")
	assert.Contains(t, text, "безопасность для бренда 4/5")
}

func TestRenderLabelOnly(t *testing.T) {
	var ins domain.AIInsights
	ins.ShortLabel = "Фуд-блогер"
	text := Render(ins)
	assert.True(t, strings.HasPrefix(text, "Фуд-блогер"))
	assert.NotContains(t, text, "Категория")
}

func TestRenderUnknownPageTypePassesThrough(t *testing.T) {
	var ins domain.AIInsights
	ins.BloggerProfile.PageType = strptr("shop")
	assert.Contains(t, Render(ins), "Тип: shop")
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, f.err }

func TestGeneratorGenerate(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		vec := make([]float32, Dimensions)
		vec[0] = 0.5
		g := NewGenerator(fakeEmbedder{vec: vec})
		got := g.Generate(context.Background(), "blog-1", domain.AIInsights{})
		require.NotNil(t, got)
		assert.Len(t, got, Dimensions)
	})

	t.Run("provider error yields nil", func(t *testing.T) {
		g := NewGenerator(fakeEmbedder{err: errors.New("boom")})
		assert.Nil(t, g.Generate(context.Background(), "blog-1", domain.AIInsights{}))
	})

	t.Run("wrong shape yields nil", func(t *testing.T) {
		g := NewGenerator(fakeEmbedder{vec: make([]float32, 3)})
		assert.Nil(t, g.Generate(context.Background(), "blog-1", domain.AIInsights{}))
	})
}
