package mysql

import (
	"context"
	"database/sql"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type sequence struct {
	db *sql.DB
}

func NewSequence(db *sql.DB) database.SequenceRepo {
	return &sequence{
		db: db,
	}
}

// Next allocates the next value of the named counter. The
// LAST_INSERT_ID(expr) trick gives an atomic increment-and-read in a single
// statement, so concurrent callers never observe the same value and a
// restart continues where the table left off.
func (s *sequence) Next(ctx context.Context, name string) (int64, error) {
	row, err := s.db.ExecContext(ctx,
		`INSERT INTO sequence (name, value) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE value = LAST_INSERT_ID(value + 1)`,
		name,
	)
	if err != nil {
		return 0, errors.Wrap(err, "fail bump sequence")
	}

	value, err := row.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "fail read sequence value")
	}
	if value == 0 {
		// fresh row, LAST_INSERT_ID reflects the insert id not the value
		return 1, nil
	}
	return value, nil
}
