package database

import (
	"context"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
)

type PipelineRun struct {
	ID int64

	// Number is the per-pipeline sequence number. For integration runs it
	// doubles as the artifact tag.
	Number int64

	Pipeline v1alpha1.Pipeline
	Kind     v1alpha1.PipelineKind
	Spec     v1alpha1.PipelineRunSpec
	Status   v1alpha1.PipelineRunStatus
	State    v1alpha1.RunStatus

	// Aborting is set by the abort API and honored at the next stage
	// boundary.
	Aborting bool

	CreatedAt int64
	UpdatedAt int64
}

type PipelineRunRepo interface {
	Create(ctx context.Context, plr *PipelineRun) error
	Update(ctx context.Context, plr *PipelineRun) error
	Get(ctx context.Context, id int64) (*PipelineRun, error)
	ListRunning(ctx context.Context) ([]int64, error)
	MarkAborting(ctx context.Context, id int64) error
}

type PipelineRepo interface {
	Save(ctx context.Context, pl *v1alpha1.Pipeline) error
	Get(ctx context.Context, name string) (*v1alpha1.Pipeline, error)
}

// DeliveryRepo deduplicates change events. Record reports true exactly once
// per (commitID, kind) pair.
type DeliveryRepo interface {
	Record(ctx context.Context, commitID string, kind v1alpha1.PipelineKind) (bool, error)
}

// SequenceRepo hands out monotonically increasing numbers scoped by name.
// The counter is persisted so restarts never reuse a value.
type SequenceRepo interface {
	Next(ctx context.Context, name string) (int64, error)
}

// GitopsCommit is the audit record of a manifest patch.
type GitopsCommit struct {
	ID        int64
	RunID     int64
	FilePath  string
	FieldPath string
	OldValue  string
	NewValue  string
	CommitID  string
	CreatedAt int64
}

type GitopsCommitRepo interface {
	Create(ctx context.Context, gc *GitopsCommit) error
}
