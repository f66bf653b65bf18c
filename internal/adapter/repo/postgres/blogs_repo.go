package postgres

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// BlogRepo persists and loads blogs from PostgreSQL.
type BlogRepo struct{ Pool PgxPool }

// NewBlogRepo constructs a BlogRepo with the given pool.
func NewBlogRepo(p PgxPool) *BlogRepo { return &BlogRepo{Pool: p} }

const blogColumns = `id, platform, username, COALESCE(platform_id,''), COALESCE(bio,''), COALESCE(bio_links,'[]'::jsonb), followers_count, following_count, media_count, is_verified, is_business, COALESCE(business_category,''), account_type, COALESCE(public_email,''), COALESCE(city_name,''), COALESCE(avatar_url,''), er, er_reels, COALESCE(er_trend,''), posts_per_week, avg_reels_views, scrape_status, ai_insights, ai_confidence, ai_analyzed_at, scraped_at, created_at`

func scanBlog(row pgx.Row) (domain.Blog, error) {
	var b domain.Blog
	var links []byte
	if err := row.Scan(&b.ID, &b.Platform, &b.Username, &b.PlatformID, &b.Bio, &links,
		&b.FollowersCount, &b.FollowingCount, &b.MediaCount, &b.IsVerified, &b.IsBusiness,
		&b.BusinessCategory, &b.AccountType, &b.PublicEmail, &b.CityName, &b.AvatarURL,
		&b.ER, &b.ERReels, &b.ERTrend, &b.PostsPerWeek, &b.AvgReelsViews,
		&b.ScrapeStatus, &b.AIInsights, &b.AIConfidence, &b.AIAnalyzedAt, &b.ScrapedAt, &b.CreatedAt); err != nil {
		return domain.Blog{}, err
	}
	if len(links) > 0 && string(links) != "[]" {
		if err := json.Unmarshal(links, &b.BioLinks); err != nil {
			return domain.Blog{}, fmt.Errorf("decode bio_links: %w", err)
		}
	}
	return b, nil
}

// Create inserts a pending blog row and returns its id. A concurrent insert
// of the same (platform, username) surfaces as ErrConflict; the caller
// recovers with FindByUsername.
func (r *BlogRepo) Create(ctx domain.Context, platform, username string) (string, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.Create")
	defer span.End()
	id := uuid.New().String()
	q := `INSERT INTO blogs (id, platform, username, scrape_status, created_at) VALUES ($1,$2,$3,'pending',now())
ON CONFLICT (platform, username) DO NOTHING
RETURNING id`
	if err := r.Pool.QueryRow(ctx, q, id, platform, username).Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("op=blog.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=blog.create: %w", err)
	}
	return id, nil
}

// FindByUsername loads a blog by its unique (platform, username) pair.
func (r *BlogRepo) FindByUsername(ctx domain.Context, platform, username string) (domain.Blog, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.FindByUsername")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+blogColumns+` FROM blogs WHERE platform=$1 AND username=$2`, platform, username)
	b, err := scanBlog(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Blog{}, fmt.Errorf("op=blog.find: %w", domain.ErrNotFound)
		}
		return domain.Blog{}, fmt.Errorf("op=blog.find: %w", err)
	}
	return b, nil
}

// Get loads a blog by id.
func (r *BlogRepo) Get(ctx domain.Context, id string) (domain.Blog, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+blogColumns+` FROM blogs WHERE id=$1`, id)
	b, err := scanBlog(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Blog{}, fmt.Errorf("op=blog.get: %w", domain.ErrNotFound)
		}
		return domain.Blog{}, fmt.Errorf("op=blog.get: %w", err)
	}
	return b, nil
}

// IsFresh reports whether the blog was scraped within the window.
func (r *BlogRepo) IsFresh(ctx domain.Context, id string, window time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.IsFresh")
	defer span.End()
	var fresh bool
	q := `SELECT scraped_at IS NOT NULL AND scraped_at > now() - $2::interval FROM blogs WHERE id=$1`
	if err := r.Pool.QueryRow(ctx, q, id, window.String()).Scan(&fresh); err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=blog.is_fresh: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=blog.is_fresh: %w", err)
	}
	return fresh, nil
}

// SetScrapeStatus updates the blog lifecycle state.
func (r *BlogRepo) SetScrapeStatus(ctx domain.Context, id string, status domain.ScrapeStatus) error {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.SetScrapeStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE blogs SET scrape_status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=blog.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=blog.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateScraped stores the scraped profile fields, derived metrics and stamps
// scraped_at.
func (r *BlogRepo) UpdateScraped(ctx domain.Context, id string, b domain.Blog) error {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.UpdateScraped")
	defer span.End()
	links, err := json.Marshal(b.BioLinks)
	if err != nil {
		return fmt.Errorf("op=blog.update_scraped: encode bio_links: %w", err)
	}
	q := `UPDATE blogs SET
  platform_id=$2, bio=$3, bio_links=$4, followers_count=$5, following_count=$6, media_count=$7,
  is_verified=$8, is_business=$9, business_category=$10, account_type=$11, public_email=$12,
  city_name=$13, avatar_url=$14, er=$15, er_reels=$16, er_trend=$17, posts_per_week=$18,
  avg_reels_views=$19, scrape_status=$20, scraped_at=now()
WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, b.PlatformID, b.Bio, links, b.FollowersCount, b.FollowingCount,
		b.MediaCount, b.IsVerified, b.IsBusiness, b.BusinessCategory, b.AccountType, b.PublicEmail,
		b.CityName, b.AvatarURL, b.ER, b.ERReels, b.ERTrend, b.PostsPerWeek, b.AvgReelsViews, b.ScrapeStatus)
	if err != nil {
		return fmt.Errorf("op=blog.update_scraped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=blog.update_scraped: %w", domain.ErrNotFound)
	}
	return nil
}

// SaveInsights stores the analysis output and flips the blog status.
func (r *BlogRepo) SaveInsights(ctx domain.Context, id string, insights []byte, confidence int, status domain.ScrapeStatus) error {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.SaveInsights")
	defer span.End()
	// Confidence 0 (refusal records) stores as NULL.
	q := `UPDATE blogs SET ai_insights=$2, ai_confidence=NULLIF($3,0), ai_analyzed_at=now(), scrape_status=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, insights, confidence, status)
	if err != nil {
		return fmt.Errorf("op=blog.save_insights: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=blog.save_insights: %w", domain.ErrNotFound)
	}
	return nil
}

// SetEmbedding stores the 1536-dim vector as a pgvector literal.
func (r *BlogRepo) SetEmbedding(ctx domain.Context, id string, vec []float32) error {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.SetEmbedding")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE blogs SET embedding=$2::vector WHERE id=$1`, id, vectorLiteral(vec))
	if err != nil {
		return fmt.Errorf("op=blog.set_embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=blog.set_embedding: %w", domain.ErrNotFound)
	}
	return nil
}

// vectorLiteral renders the pgvector input format, e.g. [0.1,0.2].
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// MissingEmbeddings lists analysed blogs that still lack a vector.
func (r *BlogRepo) MissingEmbeddings(ctx domain.Context, limit int) ([]domain.Blog, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.MissingEmbeddings")
	defer span.End()
	q := `SELECT ` + blogColumns + ` FROM blogs
WHERE ai_insights IS NOT NULL AND embedding IS NULL
ORDER BY ai_analyzed_at ASC
LIMIT $1`
	return r.queryBlogs(ctx, "op=blog.missing_embeddings", q, limit)
}

// MissingTaxonomy lists analysed blogs without any category rows.
func (r *BlogRepo) MissingTaxonomy(ctx domain.Context, limit int) ([]domain.Blog, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.MissingTaxonomy")
	defer span.End()
	q := `SELECT ` + blogColumns + ` FROM blogs b
WHERE b.ai_insights IS NOT NULL AND b.scrape_status='ai_analyzed'
  AND NOT EXISTS (SELECT 1 FROM blog_categories bc WHERE bc.blog_id = b.id)
ORDER BY b.ai_analyzed_at ASC
LIMIT $1`
	return r.queryBlogs(ctx, "op=blog.missing_taxonomy", q, limit)
}

// StaleActive lists active blogs scraped before the window, most followed
// first.
func (r *BlogRepo) StaleActive(ctx domain.Context, window time.Duration, limit int) ([]domain.Blog, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.StaleActive")
	defer span.End()
	q := `SELECT ` + blogColumns + ` FROM blogs
WHERE scrape_status IN ('active','ai_analyzed') AND scraped_at < now() - $1::interval
ORDER BY followers_count DESC
LIMIT $2`
	return r.queryBlogs(ctx, "op=blog.stale_active", q, window.String(), limit)
}

// StaleIDs lists blog ids scraped before the window regardless of status.
func (r *BlogRepo) StaleIDs(ctx domain.Context, window time.Duration, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.StaleIDs")
	defer span.End()
	q := `SELECT id FROM blogs WHERE scraped_at < now() - $1::interval ORDER BY scraped_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, window.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=blog.stale_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=blog.stale_ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=blog.stale_ids: %w", err)
	}
	return ids, nil
}

// DeletedIDs lists blogs whose upstream account disappeared; their stored
// images are garbage.
func (r *BlogRepo) DeletedIDs(ctx domain.Context, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.DeletedIDs")
	defer span.End()
	q := `SELECT id FROM blogs WHERE scrape_status='deleted' LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=blog.deleted_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=blog.deleted_ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=blog.deleted_ids: %w", err)
	}
	return ids, nil
}

// CountAll counts blog rows.
func (r *BlogRepo) CountAll(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.CountAll")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM blogs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=blog.count: %w", err)
	}
	return n, nil
}

func (r *BlogRepo) CountByStatus(ctx domain.Context, status domain.ScrapeStatus) (int, error) {
	tracer := otel.Tracer("repo.blogs")
	ctx, span := tracer.Start(ctx, "blogs.CountByStatus")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM blogs WHERE scrape_status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=blog.count_by_status: %w", err)
	}
	return n, nil
}

func (r *BlogRepo) queryBlogs(ctx domain.Context, op, q string, args ...any) ([]domain.Blog, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Blog
	for rows.Next() {
		b, err := scanBlog(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
