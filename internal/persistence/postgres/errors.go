package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUndefinedTable  = "42P01"
	codeUniqueViolation = "23505"
)

// describe adds the Postgres error code and a hint for the errors operators hit most.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUndefinedTable:
		return fmt.Errorf("%w (table missing, run with ensure schema)", err)
	case codeUniqueViolation:
		return fmt.Errorf("%w (constraint %s)", err, pgErr.ConstraintName)
	default:
		return fmt.Errorf("%w (sqlstate %s)", err, pgErr.Code)
	}
}
