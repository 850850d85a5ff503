package stage

import (
	"context"
	"time"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Analyze submits the revision to the analysis service and parks the run on
// the quality gate until the verdict webhook lands or the timeout elapses.
// This is the run's only suspension point.
type Analyze struct {
	Analyzer collaborator.Analyzer
	Gate     VerdictWaiter
	Timeout  time.Duration
	Retry    collaborator.RetryPolicy
}

func (a *Analyze) Do(ctx context.Context, in *Request) (*Result, error) {
	a.Gate.Expect(in.RunID)

	err := a.Retry.Do(ctx, func() error {
		return a.Analyzer.Submit(ctx, &collaborator.AnalysisRequest{
			RunID:    in.RunID,
			CommitID: in.CommitID,
		})
	})
	if err != nil {
		a.Gate.Forget(in.RunID)
		return nil, errors.Wrap(err, "fail submit analysis")
	}

	verdict, err := a.Gate.Await(ctx, in.RunID, a.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "fail await verdict")
	}

	switch verdict.Outcome {
	case v1alpha1.GatePassed:
		return &Result{
			Status: v1alpha1.StageSucceeded,
			Output: []*v1alpha1.KeyAndValue{
				{Key: "gate", Value: string(verdict.Outcome)},
			},
		}, nil
	case v1alpha1.GateFailed:
		return nil, errors.WithKind(errors.New("quality gate rejected the revision"), errors.KindGateRejected)
	default:
		// timeout or analysis-side error, not retried: re-submitting the
		// same revision would double-bill the analysis service
		return nil, errors.WithKind(errors.New("no verdict before deadline"), errors.KindGateRejected)
	}
}
