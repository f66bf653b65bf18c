// Package stub is a fast, deterministic scraping backend for local runs and
// tests.
package stub

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// Client fabricates plausible profiles without touching the network. Output
// is a pure function of the username so tests stay reproducible.
type Client struct{}

func New() *Client { return &Client{} }

func seed(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// ScrapeProfile returns a deterministic profile for the username. Usernames
// prefixed "private_" and "missing_" exercise the typed error paths.
func (c *Client) ScrapeProfile(_ domain.Context, username string) (domain.ScrapedProfile, error) {
	switch {
	case len(username) > 8 && username[:8] == "private_":
		return domain.ScrapedProfile{}, fmt.Errorf("op=stub.scrape: @%s: %w", username, domain.ErrPrivateAccount)
	case len(username) > 8 && username[:8] == "missing_":
		return domain.ScrapedProfile{}, fmt.Errorf("op=stub.scrape: @%s: %w", username, domain.ErrUserNotFound)
	}
	n := seed(username)
	followers := int(n%90000) + 10000
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	posts := make([]domain.Post, 0, 12)
	for i := 0; i < 12; i++ {
		likes := int(n%500) + 100 + i*10
		comments := int(n%50) + 5
		p := domain.Post{
			PlatformID:   fmt.Sprintf("%d_%d", n, i),
			MediaType:    1,
			CaptionText:  fmt.Sprintf("пост %d от @%s #блог", i, username),
			Hashtags:     []string{"#блог"},
			LikeCount:    likes,
			CommentCount: comments,
			TakenAt:      base.AddDate(0, 0, -i*3),
		}
		if i%3 == 0 {
			p.MediaType = 2
			p.ProductType = "clips"
			plays := likes * 20
			p.PlayCount = &plays
		}
		er := float64(likes+comments) / float64(followers) * 100
		p.EngagementRate = &er
		posts = append(posts, p)
	}
	return domain.ScrapedProfile{
		PlatformID:     fmt.Sprint(n % 1_000_000_000),
		Username:       username,
		FullName:       "Stub " + username,
		Biography:      "лайфстайл блогер из Алматы",
		FollowerCount:  followers,
		FollowingCount: int(n % 900),
		MediaCount:     len(posts),
		ProfilePicURL:  "https://img.example/" + username + ".jpg",
		Medias:         posts,
		Highlights: []domain.Highlight{
			{PlatformID: fmt.Sprintf("%d_hl", n), Title: "обо мне", MediaCount: 3},
		},
	}, nil
}

// Discover returns a fixed set of candidates derived from the hashtag.
func (c *Client) Discover(_ domain.Context, hashtag string, minFollowers int) ([]domain.CandidateUser, error) {
	n := seed(hashtag)
	out := make([]domain.CandidateUser, 0, 5)
	for i := 0; i < 5; i++ {
		followers := minFollowers + int(n%5000) + i*1000
		out = append(out, domain.CandidateUser{
			PlatformID:    fmt.Sprintf("%d_%d", n, i),
			Username:      fmt.Sprintf("%s_user%d", hashtag, i),
			FullName:      fmt.Sprintf("User %d", i),
			Biography:     "блог про " + hashtag,
			FollowerCount: followers,
			MediaCount:    20 + i,
			IsPrivate:     i == 4, // one private candidate to exercise the filter
		})
	}
	return out, nil
}
