package service

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/relay-ci/relay/pkg/helper/retarder"
	"github.com/relay-ci/relay/pkg/stage"
	"github.com/stretchr/testify/require"
)

func TestRunnerExecutesStagesInOrder(t *testing.T) {
	repo := newMemPipelineRunRepo()
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityCheckout: &scriptedStage{results: []scripted{
			succeedWith(&v1alpha1.KeyAndValue{Key: "commitId", Value: "abc123"}),
		}},
		v1alpha1.CapabilityBuild: &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityTest:  &scriptedStage{results: []scripted{succeedWith()}},
	})

	pl := ciPipeline("ci",
		st("checkout", v1alpha1.CapabilityCheckout),
		st("build", v1alpha1.CapabilityBuild),
		st("test", v1alpha1.CapabilityTest),
	)
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	got, err := repo.Get(context.Background(), plr.ID)
	require.NoError(t, err)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)
	require.Len(t, got.Status.StageRun, 3)
	for i, name := range []string{"checkout", "build", "test"} {
		require.Equal(t, name, got.Status.StageRun[i].Name)
		require.Equal(t, v1alpha1.StageSucceeded, got.Status.StageRun[i].Status)
	}
	require.Equal(t, "abc123", stage.Param(got.Spec.Params, "commitId"))
}

func TestRunnerFailFastSkipsRemainingButRunsCleanup(t *testing.T) {
	repo := newMemPipelineRunRepo()
	notify := &scriptedStage{results: []scripted{succeedWith()}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityCheckout: &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityBuild:    &scriptedStage{results: []scripted{failWith(errors.New("compile error"))}},
		v1alpha1.CapabilityTest:     &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityNotify:   notify,
	})

	pl := ciPipeline("ci",
		st("checkout", v1alpha1.CapabilityCheckout),
		st("build", v1alpha1.CapabilityBuild),
		st("test", v1alpha1.CapabilityTest),
		cleanupSt("notify", v1alpha1.CapabilityNotify),
	)
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
	require.Contains(t, got.Status.Message, "build")

	require.Equal(t, v1alpha1.StageFailed, got.Status.StageRun[1].Status)
	require.Equal(t, v1alpha1.StageSkipped, got.Status.StageRun[2].Status)
	require.Equal(t, v1alpha1.StageSucceeded, got.Status.StageRun[3].Status)
	require.Equal(t, 1, notify.callCount())
}

func TestRunnerCleanupFailureDoesNotFailRun(t *testing.T) {
	repo := newMemPipelineRunRepo()
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild:  &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityNotify: &scriptedStage{results: []scripted{failWith(errors.New("channel unreachable"))}},
	})

	pl := ciPipeline("ci",
		st("build", v1alpha1.CapabilityBuild),
		cleanupSt("notify", v1alpha1.CapabilityNotify),
	)
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	// the cleanup failure stays in the stage log, the run still succeeds
	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)
	require.Empty(t, got.Status.Message)
	require.Equal(t, v1alpha1.StageSucceeded, got.Status.StageRun[0].Status)
	require.Equal(t, v1alpha1.StageFailed, got.Status.StageRun[1].Status)
}

func TestRunnerCleanupFailureDoesNotHaltFollowingStages(t *testing.T) {
	repo := newMemPipelineRunRepo()
	build := &scriptedStage{results: []scripted{succeedWith()}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityCheckout: &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityNotify:   &scriptedStage{results: []scripted{failWith(errors.New("channel unreachable"))}},
		v1alpha1.CapabilityBuild:    build,
	})

	pl := ciPipeline("ci",
		st("checkout", v1alpha1.CapabilityCheckout),
		cleanupSt("tidy", v1alpha1.CapabilityNotify),
		st("build", v1alpha1.CapabilityBuild),
	)
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)
	require.Equal(t, 1, build.callCount())
	require.Equal(t, v1alpha1.StageFailed, got.Status.StageRun[1].Status)
	require.Equal(t, v1alpha1.StageSucceeded, got.Status.StageRun[2].Status)
}

func TestRunnerAbortHonoredAtStageBoundary(t *testing.T) {
	repo := newMemPipelineRunRepo()
	build := &scriptedStage{results: []scripted{succeedWith()}}
	cleanup := &scriptedStage{results: []scripted{succeedWith()}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityCheckout: &scriptedStage{results: []scripted{succeedWith()}},
		v1alpha1.CapabilityBuild:    build,
		v1alpha1.CapabilityNotify:   cleanup,
	})

	pl := ciPipeline("ci",
		st("checkout", v1alpha1.CapabilityCheckout),
		st("build", v1alpha1.CapabilityBuild),
		cleanupSt("notify", v1alpha1.CapabilityNotify),
	)
	plr := newRun(repo, pl, 1)

	// first stage completes, then the abort lands
	r.run(plr.ID)
	<-r.ch
	require.NoError(t, repo.MarkAborting(context.Background(), plr.ID))

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunAborted, got.State)
	require.Equal(t, 0, build.callCount())
	require.Equal(t, v1alpha1.StageSkipped, got.Status.StageRun[1].Status)
	require.Equal(t, v1alpha1.StageSucceeded, got.Status.StageRun[2].Status)
	require.Equal(t, 1, cleanup.callCount())
}

func TestRunnerFailureWinsOverAbort(t *testing.T) {
	repo := newMemPipelineRunRepo()
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: &scriptedStage{results: []scripted{failWith(errors.New("boom"))}},
	})

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 1)

	r.run(plr.ID)
	require.NoError(t, repo.MarkAborting(context.Background(), plr.ID))
	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
}

func TestRunnerTransientFailureRetriesWithDelay(t *testing.T) {
	repo := newMemPipelineRunRepo()
	build := &scriptedStage{results: []scripted{
		failWith(errors.Transient(errors.New("connection refused"), "fail reach agent")),
		succeedWith(),
	}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: build,
	})
	r.delay = 1
	r.retarder = retarder.New(10, func(runID int64) {})

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 1)

	r.run(plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.StagePending, got.Status.StageRun[0].Status)
	require.Equal(t, 1, got.Status.StageRun[0].Attempts)
	require.False(t, got.State.IsTerminal())

	// the delay queue re-fires
	drive(r, plr.ID)

	got, _ = repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)
	require.Equal(t, 2, got.Status.StageRun[0].Attempts)
}

func TestRunnerTransientFailureExhaustsAttempts(t *testing.T) {
	repo := newMemPipelineRunRepo()
	build := &scriptedStage{results: []scripted{
		failWith(errors.Transient(errors.New("connection refused"), "fail reach agent")),
	}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: build,
	})
	r.delay = 1
	r.maxAttempts = 2
	r.retarder = retarder.New(10, func(runID int64) {})

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 1)

	r.run(plr.ID)
	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
	require.Equal(t, 2, got.Status.StageRun[0].Attempts)
	require.Equal(t, 2, build.callCount())
}

func TestRunnerGateRejectionIsNotRetried(t *testing.T) {
	repo := newMemPipelineRunRepo()
	analyze := &scriptedStage{results: []scripted{
		failWith(errors.WithKind(errors.New("quality gate rejected the revision"), errors.KindGateRejected)),
	}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityAnalyze: analyze,
	})
	r.delay = 1
	r.retarder = retarder.New(10, func(runID int64) {})

	pl := ciPipeline("ci", st("analyze", v1alpha1.CapabilityAnalyze))
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
	require.Equal(t, 1, analyze.callCount())
}

func TestRunnerReleasesArtifactAndChains(t *testing.T) {
	repo := newMemPipelineRunRepo()
	chain := &fakeChain{}
	notifier := &recordingNotifier{}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityPackage: &scriptedStage{results: []scripted{
			succeedWith(&v1alpha1.KeyAndValue{Key: "digest", Value: "sha256:feed"}),
		}},
	})
	r.tagger = &tagger{repository: "registry.local/app"}
	r.chain = chain
	r.chainTo = "cd"
	r.notifier = notifier

	pl := ciPipeline("ci", st("package", v1alpha1.CapabilityPackage))
	plr := newRun(repo, pl, 42)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)

	release := got.Status.StageRun[len(got.Status.StageRun)-1]
	require.Equal(t, "release", release.Name)
	require.Equal(t, v1alpha1.StageSucceeded, release.Status)
	require.Equal(t, "42", stage.Param(release.Output, "imageTag"))
	require.Equal(t, "registry.local/app:42", stage.Param(release.Output, "image"))
	require.Equal(t, "sha256:feed", stage.Param(release.Output, "digest"))

	triggered := chain.triggered()
	require.Len(t, triggered, 1)
	require.Equal(t, "cd", triggered[0].Name)
	require.Equal(t, plr.ID, triggered[0].UpstreamRunID)
	require.Equal(t, "42", stage.Param(triggered[0].Params, "imageTag"))
	require.Equal(t, strconv.FormatInt(plr.Number, 10), stage.Param(triggered[0].Params, "sourceRunId"))

	events := notifier.sent()
	require.Len(t, events, 1)
	require.Equal(t, v1alpha1.RunSucceeded, events[0].Status)
}

func TestRunnerChainFailureFailsRun(t *testing.T) {
	repo := newMemPipelineRunRepo()
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityPackage: &scriptedStage{results: []scripted{succeedWith()}},
	})
	r.tagger = &tagger{repository: "registry.local/app"}
	r.chain = &fakeChain{err: errors.Transient(errors.New("connection refused"), "fail trigger pipeline cd")}
	r.chainTo = "cd"

	pl := ciPipeline("ci", st("package", v1alpha1.CapabilityPackage))
	plr := newRun(repo, pl, 7)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
	require.Contains(t, got.Status.Message, "downstream")
}

func TestRunnerSkipsReleaseWithoutPackageStage(t *testing.T) {
	repo := newMemPipelineRunRepo()
	chain := &fakeChain{}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: &scriptedStage{results: []scripted{succeedWith()}},
	})
	r.tagger = &tagger{repository: "registry.local/app"}
	r.chain = chain
	r.chainTo = "cd"

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 3)

	drive(r, plr.ID)

	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunSucceeded, got.State)
	require.Empty(t, chain.triggered())
}

func TestRunnerNotifiesFailedRuns(t *testing.T) {
	repo := newMemPipelineRunRepo()
	notifier := &recordingNotifier{err: errors.New("channel unreachable")}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: &scriptedStage{results: []scripted{failWith(errors.New("boom"))}},
	})
	r.notifier = notifier

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)

	// delivery failure is logged, never breaks the terminal state
	got, _ := repo.Get(context.Background(), plr.ID)
	require.Equal(t, v1alpha1.RunFailed, got.State)
	require.Len(t, notifier.sent(), 1)
}

func TestRunnerResolvesStageParams(t *testing.T) {
	repo := newMemPipelineRunRepo()

	var seen []*v1alpha1.KeyAndValue
	var mu sync.Mutex
	capture := stageFunc(func(ctx context.Context, in *stage.Request) (*stage.Result, error) {
		mu.Lock()
		seen = in.Params
		mu.Unlock()
		return &stage.Result{Status: v1alpha1.StageSucceeded}, nil
	})

	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityPatch: capture,
	})

	pl := &v1alpha1.Pipeline{
		Name: "cd",
		Spec: v1alpha1.PipelineSpec{
			Kind: v1alpha1.KindCD,
			Params: []v1alpha1.ParamSpec{
				{Name: "environment", Default: "staging"},
			},
			Stages: []v1alpha1.Stage{{
				Name: "patch",
				Spec: v1alpha1.StageSpec{
					Capability: v1alpha1.CapabilityPatch,
					Params: []*v1alpha1.KeyAndValue{
						{Key: "target", Value: "$(params.environment)"},
						{Key: "field", Value: "spec.template.spec.containers.0.image"},
					},
				},
			}},
		},
	}
	plr := newRun(repo, pl, 1)
	plr.Spec.Params = []*v1alpha1.KeyAndValue{{Key: "imageTag", Value: "42"}}
	require.NoError(t, repo.Update(context.Background(), plr))

	drive(r, plr.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "staging", stage.Param(seen, "target"))
	require.Equal(t, "42", stage.Param(seen, "imageTag"))
	require.Equal(t, "spec.template.spec.containers.0.image", stage.Param(seen, "field"))
}

func TestRunnerIgnoresConcurrentExecution(t *testing.T) {
	repo := newMemPipelineRunRepo()
	r := newTestRunner(repo, nil)

	require.True(t, r.acquire(1))
	require.False(t, r.acquire(1))
	r.release(1)
	require.True(t, r.acquire(1))
}

func TestRunnerTerminalRunIsNotReexecuted(t *testing.T) {
	repo := newMemPipelineRunRepo()
	build := &scriptedStage{results: []scripted{succeedWith()}}
	r := newTestRunner(repo, map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: build,
	})

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	plr := newRun(repo, pl, 1)

	drive(r, plr.ID)
	drive(r, plr.ID)

	require.Equal(t, 1, build.callCount())
}

func TestPipelineRunServiceCreateAllocatesSequentialNumbers(t *testing.T) {
	repo := newMemPipelineRunRepo()
	p := &pipelineRunService{
		pipelineRunRepo: repo,
		sequenceRepo:    newMemSequenceRepo(),
		runner: runner{
			ch:       make(chan int64, 100),
			inflight: make(map[int64]bool),
		},
	}

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))
	var numbers []int64
	for i := 0; i < 3; i++ {
		id, err := p.Create(context.Background(), &apis.CreatePipelineRun{
			Pipeline: pl,
			CommitID: "abc123",
		})
		require.NoError(t, err)
		plr, _ := repo.Get(context.Background(), id)
		numbers = append(numbers, plr.Number)
	}
	require.Equal(t, []int64{1, 2, 3}, numbers)
}

func TestPipelineRunServiceCreateConcurrentNumbersUnique(t *testing.T) {
	repo := newMemPipelineRunRepo()
	p := &pipelineRunService{
		pipelineRunRepo: repo,
		sequenceRepo:    newMemSequenceRepo(),
		runner: runner{
			ch:       make(chan int64, 100),
			inflight: make(map[int64]bool),
		},
	}

	pl := ciPipeline("ci", st("build", v1alpha1.CapabilityBuild))

	const workers = 20
	type created struct {
		number int64
		err    error
	}
	results := make(chan created, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := p.Create(context.Background(), &apis.CreatePipelineRun{
				Pipeline: pl,
				CommitID: "abc123",
			})
			if err != nil {
				results <- created{err: err}
				return
			}
			plr, _ := repo.Get(context.Background(), id)
			results <- created{number: plr.Number}
		}()
	}
	wg.Wait()
	close(results)

	// every run gets its own number, none reused, none skipped
	seen := make(map[int64]bool)
	for res := range results {
		require.NoError(t, res.err)
		require.False(t, seen[res.number], "number %d allocated twice", res.number)
		require.True(t, res.number >= 1 && res.number <= workers)
		seen[res.number] = true
	}
	require.Len(t, seen, workers)
}

type stageFunc func(ctx context.Context, in *stage.Request) (*stage.Result, error)

func (f stageFunc) Do(ctx context.Context, in *stage.Request) (*stage.Result, error) {
	return f(ctx, in)
}
