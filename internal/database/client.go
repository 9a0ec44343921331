package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// clientRepo implements ClientRepository.
type clientRepo struct {
	db *DB
}

// NewClientRepository creates a new ClientRepository.
func NewClientRepository(db *DB) ClientRepository {
	return &clientRepo{db: db}
}

const clientColumns = `id, account_id, login, password, friendly_name, status,
	voice_url, voice_method, voice_fallback_url, voice_fallback_method,
	voice_application_id, created_at, updated_at`

func (r *clientRepo) Create(ctx context.Context, client *models.Client) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (account_id, login, password, friendly_name, status,
		 voice_url, voice_method, voice_fallback_url, voice_fallback_method,
		 voice_application_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.AccountID, client.Login, client.Password, client.FriendlyName,
		client.Status, client.VoiceURL, client.VoiceMethod,
		client.VoiceFallbackURL, client.VoiceFallbackMethod, client.VoiceApplicationID,
	)
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	client.ID = id
	return nil
}

func (r *clientRepo) GetByID(ctx context.Context, id int64) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
}

func (r *clientRepo) GetByLogin(ctx context.Context, login string) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE login = ?`, login)
}

func (r *clientRepo) getOne(ctx context.Context, query string, arg any) (*models.Client, error) {
	var c models.Client
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ID, &c.AccountID, &c.Login, &c.Password, &c.FriendlyName, &c.Status,
		&c.VoiceURL, &c.VoiceMethod, &c.VoiceFallbackURL, &c.VoiceFallbackMethod,
		&c.VoiceApplicationID, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return &c, nil
}

func (r *clientRepo) List(ctx context.Context) ([]models.Client, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client
	for rows.Next() {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Login, &c.Password,
			&c.FriendlyName, &c.Status, &c.VoiceURL, &c.VoiceMethod,
			&c.VoiceFallbackURL, &c.VoiceFallbackMethod,
			&c.VoiceApplicationID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *clientRepo) Update(ctx context.Context, client *models.Client) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE clients SET password = ?, friendly_name = ?, status = ?,
		 voice_url = ?, voice_method = ?, voice_fallback_url = ?,
		 voice_fallback_method = ?, voice_application_id = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		client.Password, client.FriendlyName, client.Status,
		client.VoiceURL, client.VoiceMethod, client.VoiceFallbackURL,
		client.VoiceFallbackMethod, client.VoiceApplicationID, client.ID,
	)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	return nil
}

func (r *clientRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return nil
}
