package engine

import (
	"database/sql"
	"errors"

	"github.com/flowkit/engine-go/internal/repo"
)

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
