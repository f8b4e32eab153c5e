package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyProcessed is returned when a pipeline record was consumed
	// by another worker first. Nothing was written.
	ErrAlreadyProcessed = errors.New("storage: already processed")
)

// isForeignKeyViolation reports whether err is a Postgres FK violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
