package service

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/stretchr/testify/require"
)

type recordingRunService struct {
	creates []*apis.CreatePipelineRun
}

func (r *recordingRunService) Create(ctx context.Context, in *apis.CreatePipelineRun) (int64, error) {
	r.creates = append(r.creates, in)
	return int64(len(r.creates)), nil
}
func (r *recordingRunService) Exec(ctx context.Context, in *apis.ExecPipelineRun) error { return nil }
func (r *recordingRunService) Abort(ctx context.Context, in *apis.AbortPipelineRun) error {
	return nil
}
func (r *recordingRunService) Get(ctx context.Context, in *apis.GetPipelineRun) (*apis.PipelineRunView, error) {
	return nil, nil
}

func newTestPipelineService(repo *memPipelineRepo, runs *recordingRunService) *pipelineService {
	return &pipelineService{
		logger:       log.NewNopLogger(),
		pipelineRepo: repo,
		pipelineRun:  runs,
	}
}

func TestPipelineSaveValidates(t *testing.T) {
	p := newTestPipelineService(newMemPipelineRepo(), &recordingRunService{})

	cases := []struct {
		name     string
		pipeline v1alpha1.Pipeline
	}{
		{"no name", v1alpha1.Pipeline{Spec: v1alpha1.PipelineSpec{Kind: v1alpha1.KindCI, Stages: []v1alpha1.Stage{st("build", v1alpha1.CapabilityBuild)}}}},
		{"bad kind", v1alpha1.Pipeline{Name: "x", Spec: v1alpha1.PipelineSpec{Kind: "release", Stages: []v1alpha1.Stage{st("build", v1alpha1.CapabilityBuild)}}}},
		{"no stages", v1alpha1.Pipeline{Name: "x", Spec: v1alpha1.PipelineSpec{Kind: v1alpha1.KindCI}}},
		{"duplicate stage", *ciPipeline("x", st("build", v1alpha1.CapabilityBuild), st("build", v1alpha1.CapabilityBuild))},
		{"anonymous stage", *ciPipeline("x", v1alpha1.Stage{Spec: v1alpha1.StageSpec{Capability: v1alpha1.CapabilityBuild}})},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Error(t, p.Save(context.Background(), &apis.SavePipeline{Pipeline: c.pipeline}))
		})
	}

	require.NoError(t, p.Save(context.Background(), &apis.SavePipeline{
		Pipeline: *ciPipeline("ok", st("build", v1alpha1.CapabilityBuild)),
	}))
}

func TestPipelineExecCreatesRun(t *testing.T) {
	repo := newMemPipelineRepo()
	runs := &recordingRunService{}
	p := newTestPipelineService(repo, runs)

	require.NoError(t, repo.Save(context.Background(), ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))))

	resp, err := p.Exec(context.Background(), &apis.ExecPipeline{
		Name:     "ci",
		CommitID: "abc123",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.RunID)

	require.Len(t, runs.creates, 1)
	require.Equal(t, "ci", runs.creates[0].Pipeline.Name)
	require.Equal(t, "abc123", runs.creates[0].CommitID)
}

func TestPipelineExecUnknownPipeline(t *testing.T) {
	p := newTestPipelineService(newMemPipelineRepo(), &recordingRunService{})

	_, err := p.Exec(context.Background(), &apis.ExecPipeline{Name: "ghost"})
	require.Error(t, err)
}

func TestPipelineExecDeploymentRequiresUpstream(t *testing.T) {
	repo := newMemPipelineRepo()
	runs := &recordingRunService{}
	p := newTestPipelineService(repo, runs)

	cd := ciPipeline("cd", st("patch", v1alpha1.CapabilityPatch))
	cd.Spec.Kind = v1alpha1.KindCD
	require.NoError(t, repo.Save(context.Background(), cd))

	_, err := p.Exec(context.Background(), &apis.ExecPipeline{Name: "cd"})
	require.Error(t, err)
	require.Empty(t, runs.creates)

	resp, err := p.Exec(context.Background(), &apis.ExecPipeline{Name: "cd", UpstreamRunID: 9})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.RunID)
	require.Equal(t, int64(9), runs.creates[0].UpstreamRunID)
}
