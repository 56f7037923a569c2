package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// TransportModeRepository stores per-user speed thresholds
type TransportModeRepository struct {
	db       *database.DB
	defaults []models.TransportModeThreshold
}

// NewTransportModeRepository creates a new transport mode repository
func NewTransportModeRepository(db *database.DB) *TransportModeRepository {
	return &TransportModeRepository{db: db, defaults: models.DefaultTransportModes()}
}

// SetDefaults changes the table returned for users without one
func (r *TransportModeRepository) SetDefaults(modes []models.TransportModeThreshold) {
	if len(modes) > 0 {
		r.defaults = modes
	}
}

// Get returns the user's table in configured order, or the defaults when none is stored
func (r *TransportModeRepository) Get(ctx context.Context, username string) ([]models.TransportModeThreshold, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT mode, max_speed_kmh FROM transport_mode_configs
		WHERE username = ? ORDER BY position`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query transport modes: %w", err)
	}
	defer rows.Close()

	var modes []models.TransportModeThreshold
	for rows.Next() {
		var m models.TransportModeThreshold
		if err := rows.Scan(&m.Mode, &m.MaxSpeedKmh); err != nil {
			return nil, fmt.Errorf("failed to scan transport mode: %w", err)
		}
		modes = append(modes, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(modes) == 0 {
		return append([]models.TransportModeThreshold(nil), r.defaults...), nil
	}
	return modes, nil
}

// Replace overwrites the user's table
func (r *TransportModeRepository) Replace(ctx context.Context, username string, modes []models.TransportModeThreshold) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transport_mode_configs WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to delete transport modes: %w", err)
		}
		for i, m := range modes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO transport_mode_configs (username, position, mode, max_speed_kmh)
				VALUES (?, ?, ?, ?)`, username, i, m.Mode, m.MaxSpeedKmh); err != nil {
				return fmt.Errorf("failed to insert transport mode: %w", err)
			}
		}
		return nil
	})
}
