package bunstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/bidfoundry/rfpflow"
)

// storageErr classifies a backend failure under rfpflow.ErrStorage so
// callers can tell infrastructure faults from workflow errors. The
// original cause stays in the chain.
func storageErr(err error, format string, args ...any) error {
	return fmt.Errorf("rfpflow/bun: %s: %w: %w", fmt.Sprintf(format, args...), rfpflow.ErrStorage, err)
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}
