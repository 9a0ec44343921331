package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store backs registrations and notifications with PostgreSQL so several
// nodes can share one location service. Each binding carries the instance id
// of the node that accepted it, which the dispatcher uses to skip WebRTC
// bindings owned by other nodes.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// Registrations returns the shared RegistrationRepository.
func (s *Store) Registrations() *RegistrationRepo {
	return &RegistrationRepo{db: s.db}
}

// Notifications returns the shared NotificationRepository.
func (s *Store) Notifications() *NotificationRepo {
	return &NotificationRepo{db: s.db}
}

// RegistrationRepo is the Postgres implementation of
// database.RegistrationRepository.
type RegistrationRepo struct {
	db *sql.DB
}

const registrationColumns = `id, instance_id, aor_user, display_name, contact_uri,
	user_agent, transport, source_ip, source_port, ttl, webrtc, created_at, updated_at`

// Upsert refreshes the binding for (user, contact) or inserts a new one.
func (r *RegistrationRepo) Upsert(ctx context.Context, reg *models.Registration) (bool, error) {
	var created bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO registrations (instance_id, aor_user, display_name, contact_uri,
		 user_agent, transport, source_ip, source_port, ttl, webrtc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (aor_user, contact_uri) DO UPDATE SET
		   instance_id = EXCLUDED.instance_id,
		   display_name = EXCLUDED.display_name,
		   user_agent = EXCLUDED.user_agent,
		   transport = EXCLUDED.transport,
		   source_ip = EXCLUDED.source_ip,
		   source_port = EXCLUDED.source_port,
		   ttl = EXCLUDED.ttl,
		   webrtc = EXCLUDED.webrtc,
		   updated_at = NOW()
		 RETURNING id, (xmax = 0)`,
		reg.InstanceID, reg.User, reg.DisplayName, reg.ContactURI,
		reg.UserAgent, reg.Transport, reg.SourceIP, reg.SourcePort, reg.TTL, reg.WebRTC,
	).Scan(&reg.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upserting registration: %w", err)
	}
	return created, nil
}

func (r *RegistrationRepo) GetByUser(ctx context.Context, user string) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE aor_user = $1 ORDER BY updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("querying registrations by user: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (r *RegistrationRepo) List(ctx context.Context) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (r *RegistrationRepo) DeleteByID(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	return nil
}

func (r *RegistrationRepo) DeleteByUserAndContact(ctx context.Context, user, contactURI string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE aor_user = $1 AND contact_uri = $2`,
		user, contactURI)
	if err != nil {
		return fmt.Errorf("deleting registration by user and contact: %w", err)
	}
	return nil
}

func (r *RegistrationRepo) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE registrations SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching registration: %w", err)
	}
	return nil
}

func (r *RegistrationRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}
	return count, nil
}

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

// NotificationRepo is the Postgres implementation of
// database.NotificationRepository.
type NotificationRepo struct {
	db *sql.DB
}

func (r *NotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notifications (level, error_code, message)
		 VALUES ($1, $2, $3) RETURNING id`,
		n.Level, n.ErrorCode, n.Message,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (r *NotificationRepo) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, level, error_code, message, created_at
		 FROM notifications ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var notes []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Level, &n.ErrorCode, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
