package mysql

import (
	"context"
	"database/sql"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type gitopsCommit struct {
	db *sql.DB
}

func NewGitopsCommit(db *sql.DB) database.GitopsCommitRepo {
	return &gitopsCommit{
		db: db,
	}
}

func (g *gitopsCommit) Create(ctx context.Context, gc *database.GitopsCommit) error {
	row, err := g.db.ExecContext(ctx,
		`INSERT INTO gitops_commit (run_id, file_path, field_path, old_value, new_value, commit_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		gc.RunID,
		gc.FilePath,
		gc.FieldPath,
		gc.OldValue,
		gc.NewValue,
		gc.CommitID,
		gc.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "fail insert gitops commit")
	}

	gc.ID, err = row.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "fail get last insert id from gitops commit")
	}
	return nil
}
