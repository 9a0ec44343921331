package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// incomingNumberRepo implements IncomingNumberRepository.
type incomingNumberRepo struct {
	db *DB
}

// NewIncomingNumberRepository creates a new IncomingNumberRepository.
func NewIncomingNumberRepository(db *DB) IncomingNumberRepository {
	return &incomingNumberRepo{db: db}
}

const numberColumns = `id, account_id, phone_number, friendly_name,
	voice_url, voice_method, voice_fallback_url, voice_fallback_method,
	status_callback_url, status_callback_method, voice_application_id,
	created_at, updated_at`

func (r *incomingNumberRepo) Create(ctx context.Context, num *models.IncomingNumber) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO incoming_numbers (account_id, phone_number, friendly_name,
		 voice_url, voice_method, voice_fallback_url, voice_fallback_method,
		 status_callback_url, status_callback_method, voice_application_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		num.AccountID, num.PhoneNumber, num.FriendlyName,
		num.VoiceURL, num.VoiceMethod, num.VoiceFallbackURL, num.VoiceFallbackMethod,
		num.StatusCallbackURL, num.StatusCallbackMethod, num.VoiceApplicationID,
	)
	if err != nil {
		return fmt.Errorf("inserting incoming number: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	num.ID = id
	return nil
}

func (r *incomingNumberRepo) GetByID(ctx context.Context, id int64) (*models.IncomingNumber, error) {
	return r.getOne(ctx, `SELECT `+numberColumns+` FROM incoming_numbers WHERE id = ?`, id)
}

func (r *incomingNumberRepo) GetByNumber(ctx context.Context, number string) (*models.IncomingNumber, error) {
	return r.getOne(ctx, `SELECT `+numberColumns+` FROM incoming_numbers WHERE phone_number = ?`, number)
}

func (r *incomingNumberRepo) getOne(ctx context.Context, query string, arg any) (*models.IncomingNumber, error) {
	var num models.IncomingNumber
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&num.ID, &num.AccountID, &num.PhoneNumber, &num.FriendlyName,
		&num.VoiceURL, &num.VoiceMethod, &num.VoiceFallbackURL,
		&num.VoiceFallbackMethod, &num.StatusCallbackURL, &num.StatusCallbackMethod,
		&num.VoiceApplicationID, &num.CreatedAt, &num.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying incoming number: %w", err)
	}
	return &num, nil
}

func (r *incomingNumberRepo) List(ctx context.Context) ([]models.IncomingNumber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+numberColumns+` FROM incoming_numbers ORDER BY phone_number`)
	if err != nil {
		return nil, fmt.Errorf("querying incoming numbers: %w", err)
	}
	defer rows.Close()

	var nums []models.IncomingNumber
	for rows.Next() {
		var num models.IncomingNumber
		if err := rows.Scan(&num.ID, &num.AccountID, &num.PhoneNumber,
			&num.FriendlyName, &num.VoiceURL, &num.VoiceMethod,
			&num.VoiceFallbackURL, &num.VoiceFallbackMethod,
			&num.StatusCallbackURL, &num.StatusCallbackMethod,
			&num.VoiceApplicationID, &num.CreatedAt, &num.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning incoming number row: %w", err)
		}
		nums = append(nums, num)
	}
	return nums, rows.Err()
}

func (r *incomingNumberRepo) Update(ctx context.Context, num *models.IncomingNumber) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE incoming_numbers SET friendly_name = ?, voice_url = ?,
		 voice_method = ?, voice_fallback_url = ?, voice_fallback_method = ?,
		 status_callback_url = ?, status_callback_method = ?,
		 voice_application_id = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		num.FriendlyName, num.VoiceURL, num.VoiceMethod,
		num.VoiceFallbackURL, num.VoiceFallbackMethod,
		num.StatusCallbackURL, num.StatusCallbackMethod, num.VoiceApplicationID, num.ID,
	)
	if err != nil {
		return fmt.Errorf("updating incoming number: %w", err)
	}
	return nil
}

func (r *incomingNumberRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM incoming_numbers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting incoming number: %w", err)
	}
	return nil
}
