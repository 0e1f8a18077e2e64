package repository

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}
