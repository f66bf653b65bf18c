// Package scraper holds the scraping backends and the pure profile metrics
// derived from scraped posts.
package scraper

import (
	"math"
	"regexp"
	"sort"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// ERTrend values.
const (
	TrendGrowing   = "growing"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// CalculateER returns median(likes+comments)/followers*100 rounded to two
// decimals. Median instead of mean keeps viral outliers from skewing the
// rate. Nil when there are no posts or no followers.
func CalculateER(posts []domain.Post, followers int) *float64 {
	if len(posts) == 0 || followers == 0 {
		return nil
	}
	engagements := make([]float64, len(posts))
	for i, p := range posts {
		engagements[i] = float64(p.LikeCount + p.CommentCount)
	}
	er := round2(median(engagements) / float64(followers) * 100)
	return &er
}

// CalculateERTrend compares the newer half of posts against the older half.
// A change beyond ±20% is growing/declining, otherwise stable. Needs at
// least 4 posts.
func CalculateERTrend(posts []domain.Post, followers int) string {
	if len(posts) < 4 || followers == 0 {
		return ""
	}
	sorted := make([]domain.Post, len(posts))
	copy(sorted, posts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TakenAt.After(sorted[j].TakenAt) })
	mid := len(sorted) / 2
	erNewer := CalculateER(sorted[:mid], followers)
	erOlder := CalculateER(sorted[mid:], followers)
	if erNewer == nil || erOlder == nil || *erOlder == 0 {
		return ""
	}
	change := (*erNewer - *erOlder) / *erOlder
	switch {
	case change > 0.2:
		return TrendGrowing
	case change < -0.2:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// CalculatePostsPerWeek returns posts divided by the covered period in weeks.
// Nil with fewer than 2 posts or a zero-length period.
func CalculatePostsPerWeek(posts []domain.Post) *float64 {
	if len(posts) < 2 {
		return nil
	}
	sorted := make([]domain.Post, len(posts))
	copy(sorted, posts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TakenAt.Before(sorted[j].TakenAt) })
	days := sorted[len(sorted)-1].TakenAt.Sub(sorted[0].TakenAt).Seconds() / 86400
	if days == 0 {
		return nil
	}
	v := round2(float64(len(posts)) / (days / 7))
	return &v
}

// Reels returns the posts that are reels (video clips).
func Reels(posts []domain.Post) []domain.Post {
	var out []domain.Post
	for _, p := range posts {
		if p.MediaType == 2 && p.ProductType == "clips" {
			out = append(out, p)
		}
	}
	return out
}

// CalculateAvgReelsViews returns the mean play count over reels, nil when
// none carry one.
func CalculateAvgReelsViews(posts []domain.Post) *int {
	var sum, n int
	for _, p := range Reels(posts) {
		if p.PlayCount != nil {
			sum += *p.PlayCount
			n++
		}
	}
	if n == 0 {
		return nil
	}
	v := sum / n
	return &v
}

var (
	hashtagRe = regexp.MustCompile(`#[а-яА-ЯёЁa-zA-Z0-9_]+`)
	mentionRe = regexp.MustCompile(`@[a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*`)
)

// ExtractHashtags pulls hashtags from a caption, cyrillic included.
func ExtractHashtags(text string) []string { return hashtagRe.FindAllString(text, -1) }

// ExtractMentions pulls @username mentions from a caption. Dots are only
// allowed inside the handle, never trailing.
func ExtractMentions(text string) []string { return mentionRe.FindAllString(text, -1) }

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
