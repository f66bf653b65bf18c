// Package hikerapi implements the scraping backend on top of the HikerAPI
// SaaS. Responses are normalised into domain types and upstream failures are
// mapped onto the typed scraper errors.
package hikerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/scraper"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

const (
	highlightsToFetch = 5
	postsWithComments = 3
	commentsToFetch   = 10
	discoverUserCap   = 30
)

// Client is a HikerAPI HTTP client implementing domain.Scraper.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New constructs a Client for the given base URL and access token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Detail string `json:"detail"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("op=hikerapi.get: %w", err)
	}
	req.Header.Set("x-access-key", c.token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=hikerapi.get %s: %w: %w", path, domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("op=hikerapi.get %s: %w: %w", path, domain.ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		return fmt.Errorf("op=hikerapi.get %s: %s: %w", path, ae.Detail, domain.ErrInsufficientBalance)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=hikerapi.get %s: %w", path, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("op=hikerapi.get %s: %w", path, domain.ErrUserNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("op=hikerapi.get %s: status %d: %w", path, resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode >= 400:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		return fmt.Errorf("op=hikerapi.get %s: status %d: %s", path, resp.StatusCode, ae.Detail)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=hikerapi.get %s: decode: %w", path, err)
	}
	return nil
}

type hikerUser struct {
	PK                   json.Number    `json:"pk"`
	Username             string         `json:"username"`
	FullName             string         `json:"full_name"`
	Biography            string         `json:"biography"`
	IsPrivate            bool           `json:"is_private"`
	IsVerified           bool           `json:"is_verified"`
	IsBusiness           bool           `json:"is_business"`
	FollowerCount        int            `json:"follower_count"`
	FollowingCount       int            `json:"following_count"`
	MediaCount           int            `json:"media_count"`
	AccountType          *int           `json:"account_type"`
	PublicEmail          string         `json:"public_email"`
	CityName             string         `json:"city_name"`
	ProfilePicURL        string         `json:"profile_pic_url"`
	BusinessCategoryName string         `json:"business_category_name"`
	CategoryName         string         `json:"category_name"`
	BioLinks             []hikerBioLink `json:"bio_links"`
}

type hikerBioLink struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	LinkType string `json:"link_type"`
}

type hikerSponsor struct {
	Username string `json:"username"`
}

type hikerUsertag struct {
	User hikerSponsor `json:"user"`
}

type hikerImageVersion struct {
	URL string `json:"url"`
}

type hikerMedia struct {
	PK                 json.Number         `json:"pk"`
	MediaType          int                 `json:"media_type"`
	ProductType        string              `json:"product_type"`
	CaptionText        string              `json:"caption_text"`
	LikeCount          int                 `json:"like_count"`
	CommentCount       int                 `json:"comment_count"`
	PlayCount          *int                `json:"play_count"`
	ThumbnailURL       string              `json:"thumbnail_url"`
	TakenAt            json.Number         `json:"taken_at"`
	VideoDuration      *float64            `json:"video_duration"`
	CommentsDisabled   bool                `json:"comments_disabled"`
	Title              string              `json:"title"`
	SponsorTags        []hikerSponsor      `json:"sponsor_tags"`
	Usertags           []hikerUsertag      `json:"usertags"`
	Resources          []json.RawMessage   `json:"resources"`
	ImageVersions2     struct {
		Candidates []hikerImageVersion `json:"candidates"`
	} `json:"image_versions2"`
	User hikerUser `json:"user"`
}

type hikerComment struct {
	Text string    `json:"text"`
	User hikerUser `json:"user"`
}

type hikerHighlight struct {
	PK         json.Number `json:"pk"`
	Title      string      `json:"title"`
	MediaCount int         `json:"media_count"`
	CoverMedia struct {
		CroppedImageVersion hikerImageVersion `json:"cropped_image_version"`
	} `json:"cover_media"`
}

type hikerStoryItem struct {
	Mentions []hikerUsertag `json:"mentions"`
	Locations []struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"locations"`
	Links []struct {
		WebURI string `json:"webUri"`
		URL    string `json:"url"`
	} `json:"links"`
	SponsorTags       []hikerSponsor `json:"sponsor_tags"`
	IsPaidPartnership bool           `json:"is_paid_partnership"`
	Hashtags          []struct {
		Hashtag struct {
			Name string `json:"name"`
		} `json:"hashtag"`
	} `json:"hashtags"`
}

func (m hikerMedia) toPost(followers int) domain.Post {
	p := domain.Post{
		PlatformID:       m.PK.String(),
		MediaType:        m.MediaType,
		ProductType:      m.ProductType,
		CaptionText:      m.CaptionText,
		Hashtags:         scraper.ExtractHashtags(m.CaptionText),
		Mentions:         scraper.ExtractMentions(m.CaptionText),
		LikeCount:        m.LikeCount,
		CommentCount:     m.CommentCount,
		PlayCount:        m.PlayCount,
		ThumbnailURL:     m.ThumbnailURL,
		CommentsDisabled: m.CommentsDisabled,
		Title:            m.Title,
	}
	if p.ThumbnailURL == "" && len(m.ImageVersions2.Candidates) > 0 {
		p.ThumbnailURL = m.ImageVersions2.Candidates[0].URL
	}
	for _, s := range m.SponsorTags {
		if s.Username != "" {
			p.SponsorBrands = append(p.SponsorBrands, s.Username)
		}
	}
	p.HasSponsorTag = len(p.SponsorBrands) > 0
	for _, ut := range m.Usertags {
		if ut.User.Username != "" {
			p.Usertags = append(p.Usertags, ut.User.Username)
		}
	}
	if m.MediaType == 2 && m.VideoDuration != nil && *m.VideoDuration > 0 {
		p.VideoDuration = m.VideoDuration
	}
	if m.MediaType == 8 && len(m.Resources) > 0 {
		n := len(m.Resources)
		p.CarouselMediaCount = &n
	}
	if ts, err := m.TakenAt.Int64(); err == nil && ts > 0 {
		p.TakenAt = time.Unix(ts, 0).UTC()
	} else {
		p.TakenAt = time.Now().UTC()
	}
	if followers > 0 {
		er := float64(m.LikeCount+m.CommentCount) / float64(followers) * 100
		er = float64(int(er*100+0.5)) / 100
		p.EngagementRate = &er
	}
	return p
}

// ScrapeProfile fetches the user, recent medias, highlights and top comments
// and maps them into a ScrapedProfile.
func (c *Client) ScrapeProfile(ctx context.Context, username string) (domain.ScrapedProfile, error) {
	var userResp struct {
		User hikerUser `json:"user"`
	}
	if err := c.get(ctx, "/v2/user/by/username", url.Values{"username": {username}}, &userResp); err != nil {
		observability.ScrapeRequestsTotal.WithLabelValues("profile", "error").Inc()
		return domain.ScrapedProfile{}, err
	}
	user := userResp.User
	if user.PK.String() == "" || user.PK.String() == "0" {
		return domain.ScrapedProfile{}, fmt.Errorf("op=hikerapi.scrape: @%s: %w", username, domain.ErrUserNotFound)
	}
	if user.IsPrivate {
		return domain.ScrapedProfile{}, fmt.Errorf("op=hikerapi.scrape: @%s: %w", username, domain.ErrPrivateAccount)
	}
	userID := user.PK.String()

	var chunk []json.RawMessage
	if err := c.get(ctx, "/v1/user/medias/chunk", url.Values{"user_id": {userID}}, &chunk); err != nil {
		observability.ScrapeRequestsTotal.WithLabelValues("medias", "error").Inc()
		return domain.ScrapedProfile{}, err
	}
	var rawMedias []hikerMedia
	if len(chunk) > 0 {
		// chunk response is [medias, next_cursor]
		if err := json.Unmarshal(chunk[0], &rawMedias); err != nil {
			return domain.ScrapedProfile{}, fmt.Errorf("op=hikerapi.scrape: decode medias: %w", err)
		}
	}

	posts := make([]domain.Post, 0, len(rawMedias))
	for _, m := range rawMedias {
		posts = append(posts, m.toPost(user.FollowerCount))
	}

	highlights := c.fetchHighlights(ctx, userID)
	c.fetchComments(ctx, posts)

	var links []domain.BioLink
	for _, l := range user.BioLinks {
		if l.URL != "" {
			links = append(links, domain.BioLink{URL: l.URL, Title: l.Title, LinkType: l.LinkType})
		}
	}
	businessCategory := user.BusinessCategoryName
	if businessCategory == "" {
		businessCategory = user.CategoryName
	}

	observability.ScrapeRequestsTotal.WithLabelValues("profile", "ok").Inc()
	slog.Info("profile scraped",
		slog.String("username", user.Username),
		slog.Int("posts", len(posts)),
		slog.Int("highlights", len(highlights)))

	return domain.ScrapedProfile{
		PlatformID:       userID,
		Username:         user.Username,
		FullName:         user.FullName,
		Biography:        user.Biography,
		BioLinks:         links,
		FollowerCount:    user.FollowerCount,
		FollowingCount:   user.FollowingCount,
		MediaCount:       user.MediaCount,
		IsVerified:       user.IsVerified,
		IsBusiness:       user.IsBusiness,
		BusinessCategory: businessCategory,
		AccountType:      user.AccountType,
		PublicEmail:      user.PublicEmail,
		CityName:         user.CityName,
		ProfilePicURL:    user.ProfilePicURL,
		Medias:           posts,
		Highlights:       highlights,
	}, nil
}

func (c *Client) fetchHighlights(ctx context.Context, userID string) []domain.Highlight {
	var raw []hikerHighlight
	if err := c.get(ctx, "/v1/user/highlights", url.Values{"user_id": {userID}, "amount": {fmt.Sprint(highlightsToFetch)}}, &raw); err != nil {
		slog.Warn("highlights fetch failed", slog.String("user_id", userID), slog.Any("error", err))
		return nil
	}
	if len(raw) > highlightsToFetch {
		raw = raw[:highlightsToFetch]
	}
	out := make([]domain.Highlight, 0, len(raw))
	for _, hl := range raw {
		pk := strings.TrimPrefix(hl.PK.String(), "highlight:")
		var detail struct {
			Response struct {
				Reels map[string]struct {
					Items []hikerStoryItem `json:"items"`
				} `json:"reels"`
			} `json:"response"`
		}
		var items []hikerStoryItem
		if err := c.get(ctx, "/v2/highlight/by/id", url.Values{"id": {pk}}, &detail); err != nil {
			slog.Warn("highlight detail fetch failed", slog.String("highlight", pk), slog.Any("error", err))
		} else {
			for _, reel := range detail.Response.Reels {
				items = reel.Items
				break
			}
		}
		out = append(out, mapHighlight(hl, items))
	}
	return out
}

func mapHighlight(hl hikerHighlight, items []hikerStoryItem) domain.Highlight {
	h := domain.Highlight{
		PlatformID: hl.PK.String(),
		Title:      hl.Title,
		MediaCount: hl.MediaCount,
		CoverURL:   hl.CoverMedia.CroppedImageVersion.URL,
	}
	mentions := map[string]bool{}
	locations := map[string]bool{}
	linkSet := map[string]bool{}
	sponsors := map[string]bool{}
	hashtags := map[string]bool{}
	for _, it := range items {
		for _, m := range it.Mentions {
			if m.User.Username != "" {
				mentions[m.User.Username] = true
			}
		}
		for _, l := range it.Locations {
			if l.Location.Name != "" {
				locations[l.Location.Name] = true
			}
		}
		for _, l := range it.Links {
			u := l.WebURI
			if u == "" {
				u = l.URL
			}
			if u != "" {
				linkSet[u] = true
			}
		}
		for _, s := range it.SponsorTags {
			if s.Username != "" {
				sponsors[s.Username] = true
			}
		}
		for _, ht := range it.Hashtags {
			if ht.Hashtag.Name != "" {
				hashtags[ht.Hashtag.Name] = true
			}
		}
		if it.IsPaidPartnership {
			h.HasPaidPartnership = true
		}
	}
	h.StoryMentions = sortedKeys(mentions)
	h.StoryLocations = sortedKeys(locations)
	h.StoryLinks = sortedKeys(linkSet)
	h.StorySponsorTags = sortedKeys(sponsors)
	h.StoryHashtags = sortedKeys(hashtags)
	return h
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fetchComments loads top comments for the first few posts that allow them.
func (c *Client) fetchComments(ctx context.Context, posts []domain.Post) {
	fetched := 0
	for i := range posts {
		if fetched >= postsWithComments {
			return
		}
		p := &posts[i]
		if p.CommentsDisabled || p.CommentCount == 0 {
			continue
		}
		fetched++
		var chunk []json.RawMessage
		if err := c.get(ctx, "/v1/media/comments/chunk", url.Values{"id": {p.PlatformID}}, &chunk); err != nil {
			slog.Warn("comments fetch failed", slog.String("media", p.PlatformID), slog.Any("error", err))
			continue
		}
		var raw []hikerComment
		if len(chunk) > 0 {
			if err := json.Unmarshal(chunk[0], &raw); err != nil {
				slog.Warn("comments decode failed", slog.String("media", p.PlatformID), slog.Any("error", err))
				continue
			}
		}
		if len(raw) > commentsToFetch {
			raw = raw[:commentsToFetch]
		}
		for _, cm := range raw {
			text := strings.TrimSpace(cm.Text)
			if text != "" && cm.User.Username != "" {
				p.TopComments = append(p.TopComments, domain.Comment{Username: cm.User.Username, Text: text})
			}
		}
	}
}

// Discover searches recent top medias for the hashtag and resolves their
// authors into candidates. Followers below the threshold are kept here; the
// worker applies the full candidate filter.
func (c *Client) Discover(ctx context.Context, hashtag string, minFollowers int) ([]domain.CandidateUser, error) {
	var resp struct {
		Medias []hikerMedia `json:"medias"`
	}
	if err := c.get(ctx, "/v2/hashtag/medias/top", url.Values{"name": {hashtag}}, &resp); err != nil {
		observability.ScrapeRequestsTotal.WithLabelValues("discover", "error").Inc()
		return nil, err
	}
	seen := map[string]bool{}
	var out []domain.CandidateUser
	for _, m := range resp.Medias {
		uname := m.User.Username
		if uname == "" || seen[uname] {
			continue
		}
		seen[uname] = true
		if len(out) >= discoverUserCap {
			break
		}
		var userResp struct {
			User hikerUser `json:"user"`
		}
		if err := c.get(ctx, "/v2/user/by/username", url.Values{"username": {uname}}, &userResp); err != nil {
			slog.Warn("discover user fetch failed", slog.String("username", uname), slog.Any("error", err))
			continue
		}
		u := userResp.User
		out = append(out, domain.CandidateUser{
			PlatformID:    u.PK.String(),
			Username:      u.Username,
			FullName:      u.FullName,
			Biography:     u.Biography,
			FollowerCount: u.FollowerCount,
			MediaCount:    u.MediaCount,
			IsPrivate:     u.IsPrivate,
			IsVerified:    u.IsVerified,
			IsBusiness:    u.IsBusiness,
		})
	}
	observability.ScrapeRequestsTotal.WithLabelValues("discover", "ok").Inc()
	slog.Info("hashtag discovery finished", slog.String("hashtag", hashtag), slog.Int("candidates", len(out)))
	return out, nil
}
