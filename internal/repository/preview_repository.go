package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// PreviewRepository tracks preview datasets and tears them down
type PreviewRepository struct {
	db *database.DB
}

// NewPreviewRepository creates a new preview repository
func NewPreviewRepository(db *database.DB) *PreviewRepository {
	return &PreviewRepository{db: db}
}

// Create registers a preview
func (r *PreviewRepository) Create(ctx context.Context, p models.Preview) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO previews (preview_id, username, range_start, range_end, created_at)
		VALUES (?, ?, ?, ?, ?)`, p.ID, p.Username, toMillis(p.Start), toMillis(p.End), toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create preview: %w", err)
	}
	return nil
}

// Get returns the preview owned by username or models.ErrNotFound
func (r *PreviewRepository) Get(ctx context.Context, username, previewID string) (*models.Preview, error) {
	var (
		p                         models.Preview
		start, end, createdMillis int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT preview_id, username, range_start, range_end, created_at
		FROM previews WHERE preview_id = ? AND username = ?`, previewID, username).
		Scan(&p.ID, &p.Username, &start, &end, &createdMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preview: %w", err)
	}
	p.Start = fromMillis(start)
	p.End = fromMillis(end)
	p.CreatedAt = fromMillis(createdMillis)
	return &p, nil
}

// previewTables are cleared child-first so foreign keys never dangle
var previewTables = []string{"trips", "processed_visits", "visits", "significant_places", "detection_parameters", "location_points"}

// Delete removes a preview and every row in its scope
func (r *PreviewRepository) Delete(ctx context.Context, scope models.Scope) error {
	if !scope.IsPreview() {
		return fmt.Errorf("%w: refusing to delete the live scope", models.ErrInvalidInput)
	}
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, table := range previewTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE username = ? AND preview_id = ?`,
				scope.Username, scope.PreviewID); err != nil {
				return fmt.Errorf("failed to delete preview rows from %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM previews WHERE preview_id = ? AND username = ?`,
			scope.PreviewID, scope.Username); err != nil {
			return fmt.Errorf("failed to delete preview: %w", err)
		}
		return nil
	})
}

// Expired lists previews created before the cutoff
func (r *PreviewRepository) Expired(ctx context.Context, cutoff time.Time) ([]models.Scope, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username, preview_id FROM previews WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired previews: %w", err)
	}
	defer rows.Close()

	var scopes []models.Scope
	for rows.Next() {
		var s models.Scope
		if err := rows.Scan(&s.Username, &s.PreviewID); err != nil {
			return nil, fmt.Errorf("failed to scan preview: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}
