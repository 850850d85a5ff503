package stage

import (
	"context"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Checkout pins the revision the run works on. A run triggered by webhook
// already carries its commit; a manually executed run resolves the source
// head.
type Checkout struct {
	Source collaborator.Source
	Retry  collaborator.RetryPolicy
}

func (c *Checkout) Do(ctx context.Context, in *Request) (*Result, error) {
	commitID := in.CommitID
	if commitID == "" {
		if c.Source == nil {
			return nil, errors.WithKind(errors.New("no source configured to resolve head"), errors.KindConfiguration)
		}
		var event *collaborator.ChangeEvent
		err := c.Retry.Do(ctx, func() error {
			var err error
			event, err = c.Source.Head(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		commitID = event.CommitID
	}

	return &Result{
		Status: v1alpha1.StageSucceeded,
		Output: []*v1alpha1.KeyAndValue{
			{Key: "commitId", Value: commitID},
		},
	}, nil
}
