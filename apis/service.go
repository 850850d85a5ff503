package apis

import (
	"context"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
)

type SavePipeline struct {
	v1alpha1.Pipeline `json:",inline"`
}

type ExecPipeline struct {
	Name string `json:"name,omitempty"`

	// +optional
	Params []*v1alpha1.KeyAndValue `json:"params,omitempty"`

	// +optional
	CommitID string `json:"commitId,omitempty"`

	// UpstreamRunID carries the chaining run's identity on chained
	// executions.
	// +optional
	UpstreamRunID int64 `json:"upstreamRunId,omitempty"`
}

type ExecPipelineResponse struct {
	RunID int64 `json:"runId"`
}

type PipelineService interface {
	Save(ctx context.Context, in *SavePipeline) error
	Exec(ctx context.Context, in *ExecPipeline) (*ExecPipelineResponse, error)
}

type ExecPipelineRun struct {
	ID int64 `json:"id,omitempty"`
}

type AbortPipelineRun struct {
	ID int64 `json:"id,omitempty"`
}

type GetPipelineRun struct {
	ID int64 `json:"id,omitempty"`
}

// PipelineRunView is the externally visible state of a run.
type PipelineRunView struct {
	ID          int64                      `json:"id"`
	Number      int64                      `json:"number"`
	PipelineRef string                     `json:"pipelineRef"`
	Kind        v1alpha1.PipelineKind      `json:"kind"`
	Status      v1alpha1.PipelineRunStatus `json:"status"`
}

type PipelineRunService interface {
	Create(ctx context.Context, in *CreatePipelineRun) (int64, error)
	Exec(ctx context.Context, in *ExecPipelineRun) error
	Abort(ctx context.Context, in *AbortPipelineRun) error
	Get(ctx context.Context, in *GetPipelineRun) (*PipelineRunView, error)
}

type CreatePipelineRun struct {
	Pipeline *v1alpha1.Pipeline      `json:"pipeline,omitempty"`
	Params   []*v1alpha1.KeyAndValue `json:"params,omitempty"`

	CommitID      string `json:"commitId,omitempty"`
	UpstreamRunID int64  `json:"upstreamRunId,omitempty"`
}

// PushEvent is the inbound source-change webhook payload.
type PushEvent struct {
	CommitID  string `json:"commitId,omitempty"`
	RepoRef   string `json:"repoRef,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type TriggerService interface {
	HandlePush(ctx context.Context, in *PushEvent) error
}

// Verdict is the inbound analysis-verdict webhook payload.
type Verdict struct {
	RunID     int64                `json:"runId,omitempty"`
	Outcome   v1alpha1.GateOutcome `json:"outcome,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"`
}

type VerdictService interface {
	Deliver(ctx context.Context, in *Verdict) error
}

type Service interface {
	GetPipeline() PipelineService
	GetPipelineRun() PipelineRunService
	GetTrigger() TriggerService
	GetVerdict() VerdictService
}
