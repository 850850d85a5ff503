package stage

import (
	"context"
	"strconv"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Publish pushes the built image under the run's sequence number as tag.
// The stage only succeeds once the registry acknowledged the publish.
type Publish struct {
	Registry   collaborator.Registry
	Repository string
	Retry      collaborator.RetryPolicy
}

func (p *Publish) Do(ctx context.Context, in *Request) (*Result, error) {
	if p.Registry == nil {
		return nil, errors.WithKind(errors.New("no registry configured"), errors.KindConfiguration)
	}

	tag := strconv.FormatInt(in.Number, 10)

	var resp *collaborator.PublishResponse
	err := p.Retry.Do(ctx, func() error {
		var err error
		resp, err = p.Registry.Publish(ctx, &collaborator.PublishRequest{
			Repository: p.Repository,
			Tag:        tag,
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail publish artifact")
	}

	return &Result{
		Status: v1alpha1.StageSucceeded,
		Output: []*v1alpha1.KeyAndValue{
			{Key: "imageTag", Value: tag},
			{Key: "image", Value: p.Repository + ":" + tag},
			{Key: "digest", Value: resp.Digest},
		},
	}, nil
}
