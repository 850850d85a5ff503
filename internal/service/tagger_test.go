package service

import (
	"testing"

	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/stretchr/testify/require"
)

func TestTaggerTagsWithRunNumber(t *testing.T) {
	tg := &tagger{repository: "registry.local/app"}
	plr := &database.PipelineRun{
		ID:     10,
		Number: 42,
		Kind:   v1alpha1.KindCI,
		Spec: v1alpha1.PipelineRunSpec{
			Params: []*v1alpha1.KeyAndValue{{Key: "digest", Value: "sha256:feed"}},
		},
		Status: v1alpha1.PipelineRunStatus{
			StageRun: []*v1alpha1.StageResult{
				{Name: "package", Capability: v1alpha1.CapabilityPackage, Status: v1alpha1.StageSucceeded},
			},
		},
	}

	ref, err := tg.Tag(plr)
	require.NoError(t, err)
	require.Equal(t, "registry.local/app", ref.Repository)
	require.Equal(t, "42", ref.Tag)
	require.Equal(t, "sha256:feed", ref.Digest)
}

func TestTaggerRejectsDeploymentRuns(t *testing.T) {
	tg := &tagger{repository: "registry.local/app"}
	_, err := tg.Tag(&database.PipelineRun{ID: 1, Kind: v1alpha1.KindCD})
	require.Error(t, err)
}

func TestTaggerRejectsRunWithoutPackageStage(t *testing.T) {
	tg := &tagger{repository: "registry.local/app"}
	_, err := tg.Tag(&database.PipelineRun{
		ID:   1,
		Kind: v1alpha1.KindCI,
		Status: v1alpha1.PipelineRunStatus{
			StageRun: []*v1alpha1.StageResult{
				{Name: "package", Capability: v1alpha1.CapabilityPackage, Status: v1alpha1.StageFailed},
			},
		},
	})
	require.Error(t, err)
}
