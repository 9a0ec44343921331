package database

import (
	"context"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// AccountRepository manages tenant accounts.
type AccountRepository interface {
	Create(ctx context.Context, acct *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
}

// ClientRepository manages SIP clients.
type ClientRepository interface {
	Create(ctx context.Context, client *models.Client) error
	GetByID(ctx context.Context, id int64) (*models.Client, error)
	GetByLogin(ctx context.Context, login string) (*models.Client, error)
	List(ctx context.Context) ([]models.Client, error)
	Update(ctx context.Context, client *models.Client) error
	Delete(ctx context.Context, id int64) error
}

// ApplicationRepository manages voice applications.
type ApplicationRepository interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id int64) (*models.Application, error)
	List(ctx context.Context) ([]models.Application, error)
}

// IncomingNumberRepository manages hosted DID mappings.
type IncomingNumberRepository interface {
	Create(ctx context.Context, num *models.IncomingNumber) error
	GetByID(ctx context.Context, id int64) (*models.IncomingNumber, error)
	GetByNumber(ctx context.Context, number string) (*models.IncomingNumber, error)
	List(ctx context.Context) ([]models.IncomingNumber, error)
	Update(ctx context.Context, num *models.IncomingNumber) error
	Delete(ctx context.Context, id int64) error
}

// RegistrationRepository manages live SIP bindings. Upsert reports whether a
// new binding was created (true) or an existing one refreshed (false).
type RegistrationRepository interface {
	Upsert(ctx context.Context, reg *models.Registration) (bool, error)
	GetByUser(ctx context.Context, user string) ([]models.Registration, error)
	List(ctx context.Context) ([]models.Registration, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteByUserAndContact(ctx context.Context, user, contactURI string) error
	Touch(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// NotificationRepository persists operator-visible events.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
}

// CallRecordRepository manages call detail records.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	Update(ctx context.Context, rec *models.CallRecord) error
	CountByDirection(ctx context.Context) (map[string]int64, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
}
