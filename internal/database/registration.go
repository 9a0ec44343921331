package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// registrationRepo implements RegistrationRepository.
type registrationRepo struct {
	db *DB
}

// NewRegistrationRepository creates a new RegistrationRepository.
func NewRegistrationRepository(db *DB) RegistrationRepository {
	return &registrationRepo{db: db}
}

const registrationColumns = `id, instance_id, aor_user, display_name, contact_uri,
	user_agent, transport, source_ip, source_port, ttl, webrtc, created_at, updated_at`

// Upsert refreshes the binding for (user, contact) or inserts a new one.
// Returns true when a new binding was created.
func (r *registrationRepo) Upsert(ctx context.Context, reg *models.Registration) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE registrations SET instance_id = ?, display_name = ?, user_agent = ?,
		 transport = ?, source_ip = ?, source_port = ?, ttl = ?, webrtc = ?,
		 updated_at = datetime('now')
		 WHERE aor_user = ? AND contact_uri = ?`,
		reg.InstanceID, reg.DisplayName, reg.UserAgent,
		reg.Transport, reg.SourceIP, reg.SourcePort, reg.TTL, reg.WebRTC,
		reg.User, reg.ContactURI,
	)
	if err != nil {
		return false, fmt.Errorf("updating registration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected > 0 {
		return false, nil
	}

	result, err = r.db.ExecContext(ctx,
		`INSERT INTO registrations (instance_id, aor_user, display_name, contact_uri,
		 user_agent, transport, source_ip, source_port, ttl, webrtc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.InstanceID, reg.User, reg.DisplayName, reg.ContactURI,
		reg.UserAgent, reg.Transport, reg.SourceIP, reg.SourcePort, reg.TTL, reg.WebRTC,
	)
	if err != nil {
		return false, fmt.Errorf("inserting registration: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("getting last insert id: %w", err)
	}
	reg.ID = id
	return true, nil
}

// GetByUser returns all bindings for an address-of-record user.
func (r *registrationRepo) GetByUser(ctx context.Context, user string) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE aor_user = ? ORDER BY updated_at DESC`, user,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registrations by user: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// List returns every binding, most recently refreshed first.
func (r *registrationRepo) List(ctx context.Context) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (r *registrationRepo) DeleteByID(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	return nil
}

func (r *registrationRepo) DeleteByUserAndContact(ctx context.Context, user, contactURI string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE aor_user = ? AND contact_uri = ?`,
		user, contactURI)
	if err != nil {
		return fmt.Errorf("deleting registration by user and contact: %w", err)
	}
	return nil
}

// Touch refreshes a binding's updated_at, extending its life. Used when a
// keepalive ping is answered.
func (r *registrationRepo) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE registrations SET updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touching registration: %w", err)
	}
	return nil
}

func (r *registrationRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}
	return count, nil
}

// scanRegistrations reads registration rows shared by the list queries.
func scanRegistrations(rows *sql.Rows) ([]models.Registration, error) {
	var regs []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.InstanceID, &reg.User, &reg.DisplayName,
			&reg.ContactURI, &reg.UserAgent, &reg.Transport, &reg.SourceIP,
			&reg.SourcePort, &reg.TTL, &reg.WebRTC, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning registration row: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}
