package v1alpha1

// RunStatus is the lifecycle state of a pipeline run. A run holds exactly
// one status at a time and never leaves a terminal status.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunAborted   RunStatus = "Aborted"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

type StageStatus string

const (
	// StagePending marks a stage that has started but holds no verdict yet,
	// including stages waiting on a delayed retry.
	StagePending   StageStatus = "Pending"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	StageSkipped   StageStatus = "Skipped"
)

// StageResult is the immutable record of one stage execution, appended to
// the run's log.
type StageResult struct {
	// Name is the stage name.
	// +require
	Name string `json:"name,omitempty"`

	Capability Capability `json:"capability,omitempty"`

	// Cleanup mirrors the stage spec's cleanup flag. A failed cleanup stage
	// is recorded here but never settles the run's terminal status.
	// +optional
	Cleanup bool `json:"cleanup,omitempty"`

	// +optional
	Status StageStatus `json:"status,omitempty"`

	// +optional
	Output []*KeyAndValue `json:"output,omitempty"`

	// OutputRef points at the captured executor output.
	// +optional
	OutputRef string `json:"outputRef,omitempty"`

	// StartTime is the time the stage actually started.
	// +optional
	StartTime int64 `json:"startTime,omitempty"`

	// CompletionTime is the time the stage completed.
	// +optional
	CompletionTime int64 `json:"completionTime,omitempty"`

	// Attempts counts executions of this stage, retries included.
	// +optional
	Attempts int `json:"attempts,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`
}

type KeyAndValue struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// PipelineRunSpec defines the desired state of a pipeline run.
type PipelineRunSpec struct {
	// +optional
	Params []*KeyAndValue `json:"params,omitempty"`

	// +optional
	PipelineRef string `json:"pipelineRef,omitempty"`

	// CommitID is the source revision that triggered the run.
	// +optional
	CommitID string `json:"commitId,omitempty"`

	// UpstreamRunID references the integration run that chained this run.
	// Zero for runs that were not chained.
	// +optional
	UpstreamRunID int64 `json:"upstreamRunId,omitempty"`
}

// PipelineRunStatus defines the observed state of a pipeline run.
type PipelineRunStatus struct {
	// +required
	Status RunStatus `json:"status"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	StageRun []*StageResult `json:"stageRun,omitempty"`
}

type GateOutcome string

const (
	GatePassed GateOutcome = "Passed"
	GateFailed GateOutcome = "Failed"
	GateError  GateOutcome = "Error"
)

// QualityGateVerdict is the asynchronous analysis decision correlated to a
// run. At most one verdict is accepted per run.
type QualityGateVerdict struct {
	RunID int64 `json:"runId,omitempty"`

	Outcome GateOutcome `json:"outcome,omitempty"`

	ReceivedAt int64 `json:"receivedAt,omitempty"`
}

// ArtifactReference binds a published image to the run that produced it.
// The tag is the integration run's sequence number and is never reused.
type ArtifactReference struct {
	Repository string `json:"repository,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// ManifestPatch records a single field rewrite committed to the GitOps
// repository.
type ManifestPatch struct {
	FilePath  string `json:"filePath,omitempty"`
	FieldPath string `json:"fieldPath,omitempty"`
	OldValue  string `json:"oldValue,omitempty"`
	NewValue  string `json:"newValue,omitempty"`
	CommitID  string `json:"commitId,omitempty"`
}
