package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `id, call_sid, call_id, from_uri, to_uri, direction,
	status, start_time, answer_time, end_time, duration`

func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_sid, call_id, from_uri, to_uri, direction,
		 status, start_time, answer_time, end_time, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallSid, rec.CallID, rec.From, rec.To, rec.Direction,
		rec.Status, rec.StartTime, rec.AnswerTime, rec.EndTime, rec.Duration,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?`, callID,
	).Scan(&rec.ID, &rec.CallSid, &rec.CallID, &rec.From, &rec.To, &rec.Direction,
		&rec.Status, &rec.StartTime, &rec.AnswerTime, &rec.EndTime, &rec.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}
	return &rec, nil
}

func (r *callRecordRepo) Update(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET status = ?, answer_time = ?, end_time = ?, duration = ?
		 WHERE id = ?`,
		rec.Status, rec.AnswerTime, rec.EndTime, rec.Duration, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return nil
}

func (r *callRecordRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_records GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call records by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var direction string
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, fmt.Errorf("scanning call record count row: %w", err)
		}
		counts[direction] = count
	}
	return counts, rows.Err()
}

func (r *callRecordRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.CallSid, &rec.CallID, &rec.From, &rec.To,
			&rec.Direction, &rec.Status, &rec.StartTime, &rec.AnswerTime,
			&rec.EndTime, &rec.Duration); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
