package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type pipeline struct {
	db *sql.DB
}

func NewPipeline(db *sql.DB) database.PipelineRepo {
	return &pipeline{
		db: db,
	}
}

func (p *pipeline) Save(ctx context.Context, pl *v1alpha1.Pipeline) error {
	specByte, err := json.Marshal(pl.Spec)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline spec")
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO pipeline (name, spec) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE spec = VALUES(spec)`,
		pl.Name,
		string(specByte),
	)
	if err != nil {
		return errors.Wrap(err, "fail save pipeline")
	}
	return nil
}

func (p *pipeline) Get(ctx context.Context, name string) (*v1alpha1.Pipeline, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT name, spec FROM pipeline WHERE name = ?`,
		name)

	pl := &v1alpha1.Pipeline{}
	var spec string
	err := row.Scan(&pl.Name, &spec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline")
	}

	err = json.Unmarshal([]byte(spec), &pl.Spec)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal pipeline spec")
	}
	return pl, nil
}
