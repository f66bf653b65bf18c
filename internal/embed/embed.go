// Package embed renders blogger insights into Russian-language text and
// produces 1536-dimension vectors for semantic search.
package embed

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// Dimensions is the expected vector length.
const Dimensions = 1536

var pageTypeRu = map[string]string{
	"blog":     "личный блог",
	"public":   "паблик",
	"business": "бизнес",
}

var engagementRu = map[string]string{
	"organic":    "органическая",
	"mixed":      "смешанная",
	"suspicious": "подозрительная",
}

// Render builds the embedding text from insights. Sections with no data are
// dropped; a fully empty document falls back to "блогер".
func Render(ins domain.AIInsights) string {
	var parts []string

	switch {
	case ins.ShortLabel != "" && ins.ShortSummary != "":
		parts = append(parts, ins.ShortLabel+". "+ins.ShortSummary)
	case ins.ShortLabel != "":
		parts = append(parts, ins.ShortLabel)
	case ins.ShortSummary != "":
		parts = append(parts, ins.ShortSummary)
	}

	var profile []string
	if len(ins.Content.PrimaryCategories) > 0 {
		profile = append(profile, "Категория: "+strings.Join(ins.Content.PrimaryCategories, ", "))
	}
	if len(ins.Content.SecondaryTopics) > 0 {
		profile = append(profile, "Подкатегории: "+strings.Join(ins.Content.SecondaryTopics, ", "))
	}
	bp := ins.BloggerProfile
	if bp.Profession != nil {
		profile = append(profile, "Профессия: "+*bp.Profession)
	}
	switch {
	case bp.City != nil && bp.Country != nil:
		profile = append(profile, "Город: "+*bp.City+", "+*bp.Country)
	case bp.City != nil:
		profile = append(profile, "Город: "+*bp.City)
	case bp.Country != nil:
		profile = append(profile, "Страна: "+*bp.Country)
	}
	if len(bp.SpeaksLanguages) > 0 {
		profile = append(profile, "Языки: "+strings.Join(bp.SpeaksLanguages, ", "))
	}
	if bp.PageType != nil {
		t := *bp.PageType
		if ru, ok := pageTypeRu[t]; ok {
			t = ru
		}
		profile = append(profile, "Тип: "+t)
	}
	if len(profile) > 0 {
		parts = append(parts, strings.Join(profile, ". ")+".")
	}

	if len(ins.Tags) > 0 {
		parts = append(parts, "Теги: "+strings.Join(ins.Tags, ", ")+".")
	}

	aud := ins.AudienceInference
	var audParts []string
	if aud.EstimatedAudienceAge != nil {
		audParts = append(audParts, *aud.EstimatedAudienceAge)
	}
	if aud.EstimatedAudienceGeo != nil {
		audParts = append(audParts, *aud.EstimatedAudienceGeo)
	}
	if len(audParts) > 0 {
		parts = append(parts, "Аудитория: "+strings.Join(audParts, ", ")+".")
	}
	if len(aud.AudienceInterests) > 0 {
		parts = append(parts, "Интересы аудитории: "+strings.Join(aud.AudienceInterests, ", ")+".")
	}

	mv := ins.MarketingValue
	if len(mv.BestFitIndustries) > 0 {
		parts = append(parts, "Подходит для рекламы: "+strings.Join(mv.BestFitIndustries, ", ")+".")
	}
	if len(mv.NotSuitableFor) > 0 {
		parts = append(parts, "Не подходит: "+strings.Join(mv.NotSuitableFor, ", ")+".")
	}
	if len(ins.Commercial.DetectedBrandCategories) > 0 {
		parts = append(parts, "Рекламирует: "+strings.Join(ins.Commercial.DetectedBrandCategories, ", ")+".")
	}

	var traits []string
	if aud.EngagementQuality != nil {
		q := *aud.EngagementQuality
		if ru, ok := engagementRu[q]; ok {
			q = ru
		}
		traits = append(traits, "вовлечённость "+q)
	}
	if mv.BrandSafetyScore != nil {
		traits = append(traits, fmt.Sprintf("безопасность для бренда %d/5", *mv.BrandSafetyScore))
	}
	if ins.Lifestyle.LifestyleLevel != nil {
		traits = append(traits, "уровень жизни "+*ins.Lifestyle.LifestyleLevel)
	}
	if ins.Content.ContentQuality != nil {
		traits = append(traits, "качество контента "+*ins.Content.ContentQuality)
	}
	if mv.CollaborationRisk != nil {
		traits = append(traits, "риск сотрудничества "+*mv.CollaborationRisk)
	}
	if len(traits) > 0 {
		parts = append(parts, "Характеристики: "+strings.Join(traits, ", ")+".")
	}

	if len(parts) == 0 {
		return "блогер"
	}
	return strings.Join(parts, "\n")
}

// Generator produces embeddings via the provider port.
type Generator struct {
	Embedder domain.Embedder
}

// NewGenerator constructs a Generator.
func NewGenerator(e domain.Embedder) *Generator { return &Generator{Embedder: e} }

// Generate returns the vector for the insights, or nil on any failure.
// Embedding is best-effort: a missing vector never fails the pipeline.
func (g *Generator) Generate(ctx domain.Context, blogID string, ins domain.AIInsights) []float32 {
	text := Render(ins)
	vec, err := g.Embedder.Embed(ctx, text)
	if err != nil {
		observability.EmbeddingsTotal.WithLabelValues("error").Inc()
		slog.Error("embedding generation failed", slog.String("blog_id", blogID), slog.Any("error", err))
		return nil
	}
	if len(vec) != Dimensions {
		observability.EmbeddingsTotal.WithLabelValues("bad_shape").Inc()
		slog.Error("embedding has unexpected shape",
			slog.String("blog_id", blogID), slog.Int("dims", len(vec)))
		return nil
	}
	observability.EmbeddingsTotal.WithLabelValues("ok").Inc()
	return vec
}
