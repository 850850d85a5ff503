package service

import (
	"strconv"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/relay-ci/relay/pkg/stage"
)

// tagger binds the artifact an integration run produced to the run's
// sequence number. The number comes from a persisted counter, so tags are
// strictly increasing and survive restarts; no further coordination is
// needed here.
type tagger struct {
	repository string
}

func (t *tagger) Tag(plr *database.PipelineRun) (*v1alpha1.ArtifactReference, error) {
	if plr.Kind != v1alpha1.KindCI {
		return nil, errors.Errorf("run %d is not an integration run", plr.ID)
	}
	if !packageSucceeded(plr) {
		return nil, errors.Errorf("run %d has no successful package stage to tag", plr.ID)
	}

	return &v1alpha1.ArtifactReference{
		Repository: t.repository,
		Tag:        strconv.FormatInt(plr.Number, 10),
		Digest:     stage.Param(plr.Spec.Params, "digest"),
	}, nil
}

func packageSucceeded(plr *database.PipelineRun) bool {
	for _, res := range plr.Status.StageRun {
		if res.Capability == v1alpha1.CapabilityPackage && res.Status == v1alpha1.StageSucceeded {
			return true
		}
	}
	return false
}
