// Package stage defines the unit of work a pipeline run delegates to. The
// runner resolves each declared stage's capability to an executor and
// records the result; it never looks inside.
package stage

import (
	"context"
	"net/http"
	"time"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type Request struct {
	// RunID identifies the owning pipeline run.
	RunID int64 `json:"runId,omitempty"`

	// Number is the run's per-pipeline sequence number.
	Number int64 `json:"number,omitempty"`

	Kind v1alpha1.PipelineKind `json:"kind,omitempty"`

	CommitID string `json:"commitId,omitempty"`

	Params []*v1alpha1.KeyAndValue `json:"params,omitempty"`
}

type Result struct {
	// +optional
	Output []*v1alpha1.KeyAndValue `json:"output,omitempty"`

	Status v1alpha1.StageStatus `json:"status,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`
}

type Interface interface {
	Do(ctx context.Context, in *Request) (*Result, error)
}

// VerdictWaiter parks a run until its analysis verdict arrives or the
// timeout elapses. Expect must be called before the work is submitted so a
// fast verdict cannot race the registration; Forget undoes Expect when the
// submission failed and Await will never run.
type VerdictWaiter interface {
	Expect(runID int64)
	Forget(runID int64)
	Await(ctx context.Context, runID int64, timeout time.Duration) (*v1alpha1.QualityGateVerdict, error)
}

// PatchRecorder persists the audit trail of manifest patches.
type PatchRecorder interface {
	RecordPatch(ctx context.Context, runID int64, patch *v1alpha1.ManifestPatch) error
}

// Param returns the named parameter value, empty if absent.
func Param(params []*v1alpha1.KeyAndValue, key string) string {
	for _, kv := range params {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// None rejects stages whose capability has no executor.
type None struct{}

func (n *None) Do(ctx context.Context, in *Request) (*Result, error) {
	err := errors.NewErr(http.StatusInternalServerError, &errors.CodeError{
		Code:    http.StatusNotFound,
		Message: "illegal stage capability",
	})
	return &Result{
		Status: v1alpha1.StageFailed,
	}, err
}

// Null succeeds without doing anything. Capabilities whose work happens
// entirely on an external system the orchestrator does not drive, such as
// build and test agents not yet declared in config, resolve to Null.
type Null struct{}

func (n *Null) Do(ctx context.Context, in *Request) (*Result, error) {
	return &Result{
		Status: v1alpha1.StageSucceeded,
	}, nil
}
