package service

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/internal/database/mysql"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

func NewPipelineService(plrs apis.PipelineRunService) apis.PipelineService {
	return &pipelineService{
		pipelineRun: plrs,
	}
}

type pipelineService struct {
	logger log.Logger

	pipelineRepo database.PipelineRepo
	pipelineRun  apis.PipelineRunService
}

func (p *pipelineService) SetLogger(logger log.Logger) {
	p.logger = log.With(logger, "module", "service")
}

func (p *pipelineService) SetDB(db *sql.DB) {
	p.pipelineRepo = mysql.NewPipeline(db)
}

func (p *pipelineService) Save(ctx context.Context, in *apis.SavePipeline) error {
	if err := validatePipeline(&in.Pipeline); err != nil {
		return err
	}

	err := p.pipelineRepo.Save(ctx, &in.Pipeline)
	if err != nil {
		level.Error(p.logger).Log("message", err.Error())
		return errors.Wrap(err, "fail save pipeline to database")
	}
	return nil
}

func (p *pipelineService) Exec(ctx context.Context, in *apis.ExecPipeline) (*apis.ExecPipelineResponse, error) {
	// get pipeline by name
	pipeline, err := p.pipelineRepo.Get(ctx, in.Name)
	if err != nil {
		level.Error(p.logger).Log("message", err.Error())
		return nil, errors.Wrap(err, "fail get pipeline, while exec pipeline run")
	}
	if pipeline == nil {
		return nil, errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusNotFound,
			Message: "pipeline not exists",
		})
	}

	// a deployment run must trace back to the integration run that
	// produced its artifact
	if pipeline.Spec.Kind == v1alpha1.KindCD && in.UpstreamRunID == 0 {
		return nil, errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusBadRequest,
			Message: "deployment pipeline requires an upstream run",
		})
	}

	runID, err := p.pipelineRun.Create(ctx, &apis.CreatePipelineRun{
		Pipeline:      pipeline,
		Params:        in.Params,
		CommitID:      in.CommitID,
		UpstreamRunID: in.UpstreamRunID,
	})
	if err != nil {
		level.Error(p.logger).Log("message", err.Error())
		return nil, errors.Wrap(err, "fail create pipeline run")
	}
	return &apis.ExecPipelineResponse{RunID: runID}, nil
}

func validatePipeline(pl *v1alpha1.Pipeline) error {
	var bad = func(message string) error {
		return errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusBadRequest,
			Message: message,
		})
	}

	if pl.Name == "" {
		return bad("pipeline name is required")
	}
	if pl.Spec.Kind != v1alpha1.KindCI && pl.Spec.Kind != v1alpha1.KindCD {
		return bad("pipeline kind must be CI or CD")
	}
	if len(pl.Spec.Stages) == 0 {
		return bad("pipeline has no stages")
	}
	seen := make(map[string]bool, len(pl.Spec.Stages))
	for _, st := range pl.Spec.Stages {
		if st.Name == "" || st.Spec.Capability == "" {
			return bad("stage name and capability are required")
		}
		if seen[st.Name] {
			return bad("duplicate stage name " + st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}
