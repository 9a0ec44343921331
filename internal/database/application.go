package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// applicationRepo implements ApplicationRepository.
type applicationRepo struct {
	db *DB
}

// NewApplicationRepository creates a new ApplicationRepository.
func NewApplicationRepository(db *DB) ApplicationRepository {
	return &applicationRepo{db: db}
}

func (r *applicationRepo) Create(ctx context.Context, app *models.Application) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (account_id, friendly_name, voice_url, voice_method,
		 voice_fallback_url, voice_fallback_method)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		app.AccountID, app.FriendlyName, app.VoiceURL, app.VoiceMethod,
		app.VoiceFallbackURL, app.VoiceFallbackMethod,
	)
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	app.ID = id
	return nil
}

func (r *applicationRepo) GetByID(ctx context.Context, id int64) (*models.Application, error) {
	var app models.Application
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, friendly_name, voice_url, voice_method,
		 voice_fallback_url, voice_fallback_method, created_at, updated_at
		 FROM applications WHERE id = ?`, id,
	).Scan(&app.ID, &app.AccountID, &app.FriendlyName, &app.VoiceURL,
		&app.VoiceMethod, &app.VoiceFallbackURL, &app.VoiceFallbackMethod,
		&app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}
	return &app, nil
}

func (r *applicationRepo) List(ctx context.Context) ([]models.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, friendly_name, voice_url, voice_method,
		 voice_fallback_url, voice_fallback_method, created_at, updated_at
		 FROM applications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		var app models.Application
		if err := rows.Scan(&app.ID, &app.AccountID, &app.FriendlyName,
			&app.VoiceURL, &app.VoiceMethod, &app.VoiceFallbackURL,
			&app.VoiceFallbackMethod, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning application row: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}
