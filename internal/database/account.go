package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) Create(ctx context.Context, acct *models.Account) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (friendly_name, status) VALUES (?, ?)`,
		acct.FriendlyName, acct.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	acct.ID = id
	return nil
}

func (r *accountRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	var acct models.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, friendly_name, status, created_at, updated_at
		 FROM accounts WHERE id = ?`, id,
	).Scan(&acct.ID, &acct.FriendlyName, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return &acct, nil
}

func (r *accountRepo) List(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, friendly_name, status, created_at, updated_at
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accts []models.Account
	for rows.Next() {
		var acct models.Account
		if err := rows.Scan(&acct.ID, &acct.FriendlyName, &acct.Status,
			&acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accts = append(accts, acct)
	}
	return accts, rows.Err()
}
