package stage

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/gitops"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Patch rewrites the deployment manifest's image reference to the tag the
// chaining integration run produced, and commits it to the GitOps
// repository. The sync agent picks the commit up on its own; there is
// nothing to wait for here.
type Patch struct {
	Patcher    *gitops.Patcher
	Recorder   PatchRecorder
	Repository string

	// FilePath and FieldPath are the configured defaults; stage params
	// named file and field override them.
	FilePath  string
	FieldPath string

	Logger log.Logger
}

func (p *Patch) Do(ctx context.Context, in *Request) (*Result, error) {
	tag := Param(in.Params, "imageTag")
	if tag == "" {
		return nil, errors.New("no imageTag parameter, nothing to deploy")
	}

	filePath := Param(in.Params, "file")
	if filePath == "" {
		filePath = p.FilePath
	}
	fieldPath := Param(in.Params, "field")
	if fieldPath == "" {
		fieldPath = p.FieldPath
	}
	if filePath == "" || fieldPath == "" {
		return nil, errors.WithKind(errors.New("no manifest file/field configured"), errors.KindConfiguration)
	}

	patch, err := p.Patcher.Apply(ctx, filePath, fieldPath, p.Repository+":"+tag)
	if err != nil {
		return nil, err
	}

	if p.Recorder != nil {
		if err := p.Recorder.RecordPatch(ctx, in.RunID, patch); err != nil {
			// the commit landed; a lost audit row is not worth failing the run
			level.Error(p.Logger).Log("message", err, "runID", in.RunID, "commit", patch.CommitID)
		}
	}

	return &Result{
		Status: v1alpha1.StageSucceeded,
		Output: []*v1alpha1.KeyAndValue{
			{Key: "commitId", Value: patch.CommitID},
			{Key: "oldImage", Value: patch.OldValue},
			{Key: "newImage", Value: patch.NewValue},
		},
	}, nil
}
