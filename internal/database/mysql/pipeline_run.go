package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type pipelineRun struct {
	db *sql.DB
}

func NewPipelineRun(db *sql.DB) database.PipelineRunRepo {
	return &pipelineRun{
		db: db,
	}
}

func (p *pipelineRun) Create(ctx context.Context, plr *database.PipelineRun) error {
	plByte, err := json.Marshal(plr.Pipeline)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline")
	}
	specByte, err := json.Marshal(plr.Spec)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline run spec")
	}
	statusByte, err := json.Marshal(plr.Status)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline run status")
	}

	row, err := p.db.ExecContext(ctx,
		`INSERT INTO pipeline_run (number, kind, pipeline, spec, status, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plr.Number,
		plr.Kind,
		string(plByte),
		string(specByte),
		string(statusByte),
		plr.State,
		plr.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "fail insert pipeline run")
	}

	plr.ID, err = row.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "fail get last insert id from pipeline run")
	}
	return nil
}

func (p *pipelineRun) Update(ctx context.Context, plr *database.PipelineRun) error {
	specByte, err := json.Marshal(plr.Spec)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline run spec")
	}
	statusByte, err := json.Marshal(plr.Status)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline run status")
	}

	plr.UpdatedAt = time.Now().Unix()
	_, err = p.db.ExecContext(ctx,
		`UPDATE pipeline_run SET spec = ?, status = ?, state = ?, updated_at = ? WHERE id = ?`,
		string(specByte),
		string(statusByte),
		plr.State,
		plr.UpdatedAt,
		plr.ID,
	)
	if err != nil {
		return errors.Wrap(err, "fail update pipeline run")
	}
	return nil
}

func (p *pipelineRun) Get(ctx context.Context, id int64) (*database.PipelineRun, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, number, kind, pipeline, spec, status, state, aborting, created_at, updated_at
		FROM pipeline_run WHERE id = ?`,
		id)

	plr := &database.PipelineRun{}
	var updatedAt sql.NullInt64
	var pipeline string
	var spec string
	var status string
	var state sql.NullString
	var kind string

	err := row.Scan(&plr.ID, &plr.Number, &kind, &pipeline, &spec, &status, &state, &plr.Aborting, &plr.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run")
	}

	err = json.Unmarshal([]byte(pipeline), &plr.Pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal pipeline")
	}
	err = json.Unmarshal([]byte(spec), &plr.Spec)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal spec")
	}
	err = json.Unmarshal([]byte(status), &plr.Status)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal status")
	}
	plr.Kind = v1alpha1.PipelineKind(kind)
	plr.UpdatedAt = updatedAt.Int64
	plr.State = v1alpha1.RunStatus(state.String)

	return plr, nil
}

func (p *pipelineRun) ListRunning(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM pipeline_run WHERE state IN (?, ?)`,
		v1alpha1.RunPending, v1alpha1.RunRunning,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fail list running pipeline run")
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		err = rows.Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "fail scan pipeline run id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *pipelineRun) MarkAborting(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_run SET aborting = 1 WHERE id = ? AND state IN (?, ?)`,
		id, v1alpha1.RunPending, v1alpha1.RunRunning,
	)
	if err != nil {
		return errors.Wrap(err, "fail mark pipeline run aborting")
	}
	return nil
}
