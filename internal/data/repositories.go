package data

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrEditConflict   = errors.New("edit conflict")
)

// IsUniqueViolation reports whether err is a postgres unique constraint
// violation, used where a partial unique index backs an invariant.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Models bundles one model per entity over a shared handle.
type Models struct {
	Devices       DeviceModel
	Streams       StreamModel
	Producers     ProducerModel
	Consumers     ConsumerModel
	Snapshots     SnapshotModel
	Bookmarks     BookmarkModel
	Clients       ClientModel
	RefreshTokens RefreshTokenModel
}

func NewModels(db DBTX) Models {
	return Models{
		Devices:       DeviceModel{DB: db},
		Streams:       StreamModel{DB: db},
		Producers:     ProducerModel{DB: db},
		Consumers:     ConsumerModel{DB: db},
		Snapshots:     SnapshotModel{DB: db},
		Bookmarks:     BookmarkModel{DB: db},
		Clients:       ClientModel{DB: db},
		RefreshTokens: RefreshTokenModel{DB: db},
	}
}
