package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// TaxonomyRepo loads the taxonomy and replaces per-blog join rows.
type TaxonomyRepo struct{ Pool PgxPool }

// NewTaxonomyRepo constructs a TaxonomyRepo with the given pool.
func NewTaxonomyRepo(p PgxPool) *TaxonomyRepo { return &TaxonomyRepo{Pool: p} }

// Categories loads the full category tree.
func (r *TaxonomyRepo) Categories(ctx domain.Context) ([]domain.Category, error) {
	tracer := otel.Tracer("repo.taxonomy")
	ctx, span := tracer.Start(ctx, "taxonomy.Categories")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, parent_id, COALESCE(code,''), name FROM categories`)
	if err != nil {
		return nil, fmt.Errorf("op=taxonomy.categories: %w", err)
	}
	defer rows.Close()
	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Code, &c.Name); err != nil {
			return nil, fmt.Errorf("op=taxonomy.categories: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=taxonomy.categories: %w", err)
	}
	return out, nil
}

// ActiveTags loads tags usable for matching.
func (r *TaxonomyRepo) ActiveTags(ctx domain.Context) ([]domain.Tag, error) {
	tracer := otel.Tracer("repo.taxonomy")
	ctx, span := tracer.Start(ctx, "taxonomy.ActiveTags")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, name, grp, status FROM tags WHERE status='active'`)
	if err != nil {
		return nil, fmt.Errorf("op=taxonomy.tags: %w", err)
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Group, &t.Status); err != nil {
			return nil, fmt.Errorf("op=taxonomy.tags: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=taxonomy.tags: %w", err)
	}
	return out, nil
}

// ReplaceBlogCategories replaces the blog's category rows in one transaction.
func (r *TaxonomyRepo) ReplaceBlogCategories(ctx domain.Context, blogID string, rows []domain.BlogCategory) error {
	tracer := otel.Tracer("repo.taxonomy")
	ctx, span := tracer.Start(ctx, "taxonomy.ReplaceBlogCategories")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=taxonomy.replace_categories: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM blog_categories WHERE blog_id=$1`, blogID); err != nil {
		return fmt.Errorf("op=taxonomy.replace_categories: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(ctx, `INSERT INTO blog_categories (blog_id, category_id, is_primary) VALUES ($1,$2,$3)`,
			row.BlogID, row.CategoryID, row.IsPrimary); err != nil {
			return fmt.Errorf("op=taxonomy.replace_categories: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=taxonomy.replace_categories: %w", err)
	}
	return nil
}

// ReplaceBlogTags replaces the blog's tag rows in one transaction.
func (r *TaxonomyRepo) ReplaceBlogTags(ctx domain.Context, blogID string, rows []domain.BlogTag) error {
	tracer := otel.Tracer("repo.taxonomy")
	ctx, span := tracer.Start(ctx, "taxonomy.ReplaceBlogTags")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=taxonomy.replace_tags: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM blog_tags WHERE blog_id=$1`, blogID); err != nil {
		return fmt.Errorf("op=taxonomy.replace_tags: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(ctx, `INSERT INTO blog_tags (blog_id, tag_id) VALUES ($1,$2)`,
			row.BlogID, row.TagID); err != nil {
			return fmt.Errorf("op=taxonomy.replace_tags: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=taxonomy.replace_tags: %w", err)
	}
	return nil
}
