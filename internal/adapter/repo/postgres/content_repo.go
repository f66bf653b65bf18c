package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// ContentRepo persists posts and highlights from PostgreSQL.
type ContentRepo struct{ Pool PgxPool }

// NewContentRepo constructs a ContentRepo with the given pool.
func NewContentRepo(p PgxPool) *ContentRepo { return &ContentRepo{Pool: p} }

// UpsertPosts writes posts keyed by (blog_id, platform_id) in one transaction.
func (r *ContentRepo) UpsertPosts(ctx domain.Context, blogID string, posts []domain.Post) error {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.UpsertPosts")
	defer span.End()
	if len(posts) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=content.upsert_posts: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO blog_posts (blog_id, platform_id, media_type, product_type, caption_text, hashtags, mentions,
  has_sponsor_tag, sponsor_brands, like_count, comment_count, play_count, engagement_rate, thumbnail_url,
  taken_at, video_duration, usertags, comments_disabled, title, carousel_media_count, top_comments)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (blog_id, platform_id) DO UPDATE SET
  media_type=EXCLUDED.media_type, product_type=EXCLUDED.product_type, caption_text=EXCLUDED.caption_text,
  hashtags=EXCLUDED.hashtags, mentions=EXCLUDED.mentions, has_sponsor_tag=EXCLUDED.has_sponsor_tag,
  sponsor_brands=EXCLUDED.sponsor_brands, like_count=EXCLUDED.like_count, comment_count=EXCLUDED.comment_count,
  play_count=EXCLUDED.play_count, engagement_rate=EXCLUDED.engagement_rate, thumbnail_url=EXCLUDED.thumbnail_url,
  taken_at=EXCLUDED.taken_at, video_duration=EXCLUDED.video_duration, usertags=EXCLUDED.usertags,
  comments_disabled=EXCLUDED.comments_disabled, title=EXCLUDED.title,
  carousel_media_count=EXCLUDED.carousel_media_count, top_comments=EXCLUDED.top_comments`
	for _, p := range posts {
		comments, err := json.Marshal(p.TopComments)
		if err != nil {
			return fmt.Errorf("op=content.upsert_posts: encode comments: %w", err)
		}
		if _, err := tx.Exec(ctx, q, blogID, p.PlatformID, p.MediaType, p.ProductType, p.CaptionText,
			p.Hashtags, p.Mentions, p.HasSponsorTag, p.SponsorBrands, p.LikeCount, p.CommentCount,
			p.PlayCount, p.EngagementRate, p.ThumbnailURL, p.TakenAt, p.VideoDuration, p.Usertags,
			p.CommentsDisabled, p.Title, p.CarouselMediaCount, comments); err != nil {
			return fmt.Errorf("op=content.upsert_posts: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=content.upsert_posts: %w", err)
	}
	return nil
}

// UpsertHighlights writes highlights keyed by (blog_id, platform_id).
func (r *ContentRepo) UpsertHighlights(ctx domain.Context, blogID string, highlights []domain.Highlight) error {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.UpsertHighlights")
	defer span.End()
	if len(highlights) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=content.upsert_highlights: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO blog_highlights (blog_id, platform_id, title, media_count, cover_url, story_mentions,
  story_locations, story_links, story_sponsor_tags, story_hashtags, has_paid_partnership)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (blog_id, platform_id) DO UPDATE SET
  title=EXCLUDED.title, media_count=EXCLUDED.media_count, cover_url=EXCLUDED.cover_url,
  story_mentions=EXCLUDED.story_mentions, story_locations=EXCLUDED.story_locations,
  story_links=EXCLUDED.story_links, story_sponsor_tags=EXCLUDED.story_sponsor_tags,
  story_hashtags=EXCLUDED.story_hashtags, has_paid_partnership=EXCLUDED.has_paid_partnership`
	for _, h := range highlights {
		if _, err := tx.Exec(ctx, q, blogID, h.PlatformID, h.Title, h.MediaCount, h.CoverURL,
			h.StoryMentions, h.StoryLocations, h.StoryLinks, h.StorySponsorTags, h.StoryHashtags,
			h.HasPaidPartnership); err != nil {
			return fmt.Errorf("op=content.upsert_highlights: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=content.upsert_highlights: %w", err)
	}
	return nil
}

// RecentPosts returns the blog's newest posts, newest first.
func (r *ContentRepo) RecentPosts(ctx domain.Context, blogID string, limit int) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.RecentPosts")
	defer span.End()
	q := `SELECT blog_id, platform_id, media_type, COALESCE(product_type,''), COALESCE(caption_text,''),
  hashtags, mentions, has_sponsor_tag, sponsor_brands, like_count, comment_count, play_count,
  engagement_rate, COALESCE(thumbnail_url,''), taken_at, video_duration, usertags, comments_disabled,
  COALESCE(title,''), carousel_media_count, COALESCE(top_comments,'[]'::jsonb)
FROM blog_posts WHERE blog_id=$1 ORDER BY taken_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, blogID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=content.recent_posts: %w", err)
	}
	defer rows.Close()
	var out []domain.Post
	for rows.Next() {
		var p domain.Post
		var comments []byte
		if err := rows.Scan(&p.BlogID, &p.PlatformID, &p.MediaType, &p.ProductType, &p.CaptionText,
			&p.Hashtags, &p.Mentions, &p.HasSponsorTag, &p.SponsorBrands, &p.LikeCount, &p.CommentCount,
			&p.PlayCount, &p.EngagementRate, &p.ThumbnailURL, &p.TakenAt, &p.VideoDuration, &p.Usertags,
			&p.CommentsDisabled, &p.Title, &p.CarouselMediaCount, &comments); err != nil {
			return nil, fmt.Errorf("op=content.recent_posts: %w", err)
		}
		if len(comments) > 0 && string(comments) != "[]" {
			if err := json.Unmarshal(comments, &p.TopComments); err != nil {
				return nil, fmt.Errorf("op=content.recent_posts: decode comments: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=content.recent_posts: %w", err)
	}
	return out, nil
}

// Highlights returns the blog's highlights.
func (r *ContentRepo) Highlights(ctx domain.Context, blogID string) ([]domain.Highlight, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.Highlights")
	defer span.End()
	q := `SELECT blog_id, platform_id, COALESCE(title,''), media_count, COALESCE(cover_url,''),
  story_mentions, story_locations, story_links, story_sponsor_tags, story_hashtags, has_paid_partnership
FROM blog_highlights WHERE blog_id=$1`
	rows, err := r.Pool.Query(ctx, q, blogID)
	if err != nil {
		return nil, fmt.Errorf("op=content.highlights: %w", err)
	}
	defer rows.Close()
	var out []domain.Highlight
	for rows.Next() {
		var h domain.Highlight
		if err := rows.Scan(&h.BlogID, &h.PlatformID, &h.Title, &h.MediaCount, &h.CoverURL,
			&h.StoryMentions, &h.StoryLocations, &h.StoryLinks, &h.StorySponsorTags, &h.StoryHashtags,
			&h.HasPaidPartnership); err != nil {
			return nil, fmt.Errorf("op=content.highlights: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=content.highlights: %w", err)
	}
	return out, nil
}
