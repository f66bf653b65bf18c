// Package pipeline implements the asynchronous AI analysis flow: prompt
// assembly, batch submission, result reconciliation and the refusal retry.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/taxonomy"
)

const (
	// maxPromptTokens caps the user text per request; beyond it the post
	// section gets truncated. The batch endpoint rejects oversized requests
	// wholesale, which would sink the whole file.
	maxPromptTokens = 60000

	captionLimit = 500
	topHashtags  = 20
	topMentions  = 10
)

var accountTypeNames = map[int]string{
	1: "personal",
	2: "business",
	3: "creator",
}

const systemPromptHeader = `Ты — аналитик инфлюенс-маркетинга. По данным Instagram-профиля составь структурированный портрет блогера для рекламодателей.

Правила:
- Отвечай строго по схеме. Если сигнала нет — ставь null, не выдумывай.
- reasoning: кратко, на чём основаны ключевые выводы.
- page_type: blog — личная страница человека, public — тематический паблик без выраженной личности, business — страница компании или товара.
- profession: конкретная профессия или род занятий на русском, если различим.
- estimated_price_tier: оценивай по размеру и качеству аудитории и упоминаниям прайса.
- engagement_quality: suspicious — при признаках накрутки (однотипные комментарии, несоразмерные лайки), mixed — частично, organic — живая аудитория.
- short_label: 2-4 слова, ниша и город, например "Бьюти-блогер, Алматы".
- short_summary: одно предложение о блогере.
- primary_categories: от 1 до 3 кодов из справочника категорий ниже, первым — основной.
- secondary_topics: русские названия подкатегорий из справочника.
- tags: 15-40 тегов строго из справочника тегов ниже.
- confidence: целое 1-5, насколько данных хватило для выводов.

Справочник категорий (код (название): подкатегории):
`

// buildSystemPrompt renders the fixed system prompt with the taxonomy
// reference appended.
func buildSystemPrompt() (string, error) {
	tax, err := taxonomy.Load()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(systemPromptHeader)
	sb.WriteString(tax.CategoriesForPrompt())
	sb.WriteString("\nСправочник тегов по группам:\n")
	sb.WriteString(tax.TagsForPrompt())
	return sb.String(), nil
}

// PromptBuilder assembles per-blog chat completion requests for the batch
// file.
type PromptBuilder struct {
	model     string
	maxImages int
	system    string
	schema    map[string]any
}

// NewPromptBuilder loads the taxonomy and prepares the system prompt and
// response schema.
func NewPromptBuilder(model string, maxImages int) (*PromptBuilder, error) {
	system, err := buildSystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("op=pipeline.NewPromptBuilder: %w", err)
	}
	tax, err := taxonomy.Load()
	if err != nil {
		return nil, fmt.Errorf("op=pipeline.NewPromptBuilder: %w", err)
	}
	return &PromptBuilder{
		model:     model,
		maxImages: maxImages,
		system:    system,
		schema:    insightsSchema(tax.CategoryCodes()),
	}, nil
}

// ProfileText renders the scraped profile into the user prompt text.
func ProfileText(blog domain.Blog, posts []domain.Post, highlights []domain.Highlight) string {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("Username: @%s", blog.Username)
	if blog.Bio != "" {
		add("Bio: %s", blog.Bio)
	}
	if len(blog.BioLinks) > 0 {
		var links []string
		for _, l := range blog.BioLinks {
			if l.Title != "" {
				links = append(links, fmt.Sprintf("%s (%s)", l.URL, l.Title))
			} else {
				links = append(links, l.URL)
			}
		}
		add("Bio links: %s", strings.Join(links, ", "))
	}
	add("Followers: %d", blog.FollowersCount)
	add("Following: %d", blog.FollowingCount)
	add("Total posts: %d", blog.MediaCount)
	if blog.IsVerified {
		add("Is verified: yes")
	}
	if blog.IsBusiness {
		add("Is business: yes")
	}
	if blog.BusinessCategory != "" {
		add("Business category: %s", blog.BusinessCategory)
	}
	if blog.AccountType != nil {
		if name, ok := accountTypeNames[*blog.AccountType]; ok {
			add("Account type: %s", name)
		}
	}
	if blog.PublicEmail != "" {
		add("Public email: %s", blog.PublicEmail)
	}
	if blog.CityName != "" {
		add("City: %s", blog.CityName)
	}

	if blog.ER != nil {
		add("Avg ER posts: %.2f%%", *blog.ER)
	}
	if blog.ERTrend != "" {
		add("ER trend: %s", blog.ERTrend)
	}
	if blog.PostsPerWeek != nil {
		add("Posts per week: %.1f", *blog.PostsPerWeek)
	}
	if blog.AvgReelsViews != nil {
		add("Avg reels views: %d", *blog.AvgReelsViews)
	}

	if hl := highlightLines(highlights); len(hl) > 0 {
		lines = append(lines, hl...)
	}

	if len(posts) > 0 {
		lines = append(lines, "", "Recent posts:")
		for i, p := range posts {
			lines = append(lines, postLine(i+1, p))
			for _, c := range p.TopComments {
				add("  Comment by @%s: %s", c.Username, c.Text)
			}
		}
	}

	var allHashtags, allMentions, sponsorBrands []string
	for _, p := range posts {
		allHashtags = append(allHashtags, p.Hashtags...)
		allMentions = append(allMentions, p.Mentions...)
		sponsorBrands = append(sponsorBrands, p.SponsorBrands...)
	}
	if top := topCounted(allHashtags, topHashtags); len(top) > 0 {
		add("Top hashtags: %s", strings.Join(top, ", "))
	}
	if top := topCounted(allMentions, topMentions); len(top) > 0 {
		add("Top mentions: %s", strings.Join(top, ", "))
	}
	if brands := uniqueOrdered(sponsorBrands); len(brands) > 0 {
		add("Sponsor brands: %s", strings.Join(brands, ", "))
	}

	lines = append(lines, dataQualityLine(blog, posts, highlights))

	if len(posts) < 4 {
		add("Note: only %d posts available, be conservative and lower confidence.", len(posts))
	}

	return truncateToBudget(strings.Join(lines, "\n"))
}

// minCaptionRunes separates substantive captions from emoji-only filler.
const minCaptionRunes = 20

// dataQualityLine tells the model how much signal the profile actually
// carries, so sparse profiles get cautious answers instead of confabulation.
func dataQualityLine(blog domain.Blog, posts []domain.Post, highlights []domain.Highlight) string {
	withText, withComments := 0, 0
	for _, p := range posts {
		if len([]rune(strings.TrimSpace(p.CaptionText))) >= minCaptionRunes {
			withText++
		}
		if p.CommentCount > 0 {
			withComments++
		}
	}
	bio := "no"
	if strings.TrimSpace(blog.Bio) != "" {
		bio = "yes"
	}
	return fmt.Sprintf("Data quality: %d posts, %d with substantive captions, %d with comments, %d highlights, bio: %s",
		len(posts), withText, withComments, len(highlights), bio)
}

func highlightLines(highlights []domain.Highlight) []string {
	if len(highlights) == 0 {
		return nil
	}
	var titles, mentions, links, locations, sponsors, hashtags []string
	paid := false
	for _, h := range highlights {
		if h.Title != "" {
			titles = append(titles, h.Title)
		}
		mentions = append(mentions, h.StoryMentions...)
		links = append(links, h.StoryLinks...)
		locations = append(locations, h.StoryLocations...)
		sponsors = append(sponsors, h.StorySponsorTags...)
		hashtags = append(hashtags, h.StoryHashtags...)
		paid = paid || h.HasPaidPartnership
	}
	var out []string
	if len(titles) > 0 {
		out = append(out, "Highlights: "+strings.Join(titles, ", "))
	}
	if m := uniqueOrdered(mentions); len(m) > 0 {
		out = append(out, "Highlight mentions: "+strings.Join(m, ", "))
	}
	if l := uniqueOrdered(links); len(l) > 0 {
		out = append(out, "Highlight links: "+strings.Join(l, ", "))
	}
	if l := uniqueOrdered(locations); len(l) > 0 {
		out = append(out, "Highlight locations: "+strings.Join(l, ", "))
	}
	if s := uniqueOrdered(sponsors); len(s) > 0 {
		out = append(out, "Highlight sponsors: "+strings.Join(s, ", "))
	}
	if h := uniqueOrdered(hashtags); len(h) > 0 {
		out = append(out, "Highlight hashtags: "+strings.Join(h, ", "))
	}
	if paid {
		out = append(out, "Has paid partnership in highlights")
	}
	return out
}

// postLine renders one post with its attributes folded into the parenthesis.
func postLine(n int, p domain.Post) string {
	attrs := []string{
		p.TakenAt.Format("2006-01-02"),
		fmt.Sprintf("likes=%d", p.LikeCount),
		fmt.Sprintf("comments=%d", p.CommentCount),
	}
	if p.EngagementRate != nil {
		attrs = append(attrs, fmt.Sprintf("ER=%.1f%%", *p.EngagementRate))
	}
	if p.PlayCount != nil {
		attrs = append(attrs, fmt.Sprintf("plays=%d", *p.PlayCount))
	}
	if p.VideoDuration != nil {
		attrs = append(attrs, fmt.Sprintf("duration=%.0fs", *p.VideoDuration))
	}
	if p.Title != "" {
		attrs = append(attrs, "title="+p.Title)
	}
	if p.HasSponsorTag {
		if len(p.SponsorBrands) > 0 {
			attrs = append(attrs, "SPONSORED by "+strings.Join(p.SponsorBrands, ", "))
		} else {
			attrs = append(attrs, "SPONSORED")
		}
	}
	if len(p.Usertags) > 0 {
		attrs = append(attrs, "tagged="+strings.Join(p.Usertags, ", "))
	}
	if p.CommentsDisabled {
		attrs = append(attrs, "comments_disabled")
	}
	if p.CarouselMediaCount != nil {
		attrs = append(attrs, fmt.Sprintf("slides=%d", *p.CarouselMediaCount))
	}
	caption := p.CaptionText
	if r := []rune(caption); len(r) > captionLimit {
		caption = string(r[:captionLimit])
	}
	return fmt.Sprintf("Post %d (%s): %s", n, strings.Join(attrs, ", "), caption)
}

// topCounted returns up to n most frequent items as "item (count)", ties
// broken alphabetically.
func topCounted(items []string, n int) []string {
	if len(items) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[it]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s (%d)", k, counts[k])
	}
	return out
}

func uniqueOrdered(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// countTokens measures text with the cl100k_base encoding; a rough 4-chars
// estimate covers the unlikely init failure.
func countTokens(text string) int {
	encOnce.Do(func() {
		encoder, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}

// truncateToBudget cuts the text down to the prompt token budget, trimming
// from the tail so the profile header always survives.
func truncateToBudget(text string) string {
	tokens := countTokens(text)
	if tokens <= maxPromptTokens {
		return text
	}
	r := []rune(text)
	keep := int(float64(len(r)) * float64(maxPromptTokens) / float64(tokens))
	if keep > len(r) {
		keep = len(r)
	}
	return string(r[:keep]) + "\n[truncated]"
}

// Request builds one batch request line body. textOnly omits every image.
func (b *PromptBuilder) Request(customID string, blog domain.Blog, posts []domain.Post, highlights []domain.Highlight, textOnly bool) map[string]any {
	text := ProfileText(blog, posts, highlights)
	if textOnly {
		text += "\nImages are unavailable, analyze text only."
	}

	content := []map[string]any{
		{"type": "text", "text": text},
	}
	if !textOnly {
		for _, url := range imageURLs(blog, posts, b.maxImages) {
			content = append(content, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url, "detail": "low"},
			})
		}
	}

	return map[string]any{
		"custom_id": customID,
		"method":    "POST",
		"url":       "/v1/chat/completions",
		"body": map[string]any{
			"model": b.model,
			"messages": []map[string]any{
				{"role": "system", "content": b.system},
				{"role": "user", "content": content},
			},
			"response_format": map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "ai_insights",
					"strict": true,
					"schema": b.schema,
				},
			},
		},
	}
}

// imageURLs collects the avatar and post thumbnails up to the cap.
func imageURLs(blog domain.Blog, posts []domain.Post, max int) []string {
	var urls []string
	if blog.AvatarURL != "" {
		urls = append(urls, blog.AvatarURL)
	}
	for _, p := range posts {
		if len(urls) >= max {
			break
		}
		if p.ThumbnailURL != "" {
			urls = append(urls, p.ThumbnailURL)
		}
	}
	if len(urls) > max {
		urls = urls[:max]
	}
	return urls
}

// oldestStart returns the earliest started_at among the tasks, zero when none
// carries one.
func oldestStart(tasks []domain.Task) time.Time {
	var oldest time.Time
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		if oldest.IsZero() || t.StartedAt.Before(oldest) {
			oldest = *t.StartedAt
		}
	}
	return oldest
}
