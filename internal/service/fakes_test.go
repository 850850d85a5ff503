package service

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/stage"
)

type memPipelineRunRepo struct {
	mu   sync.Mutex
	next int64
	runs map[int64]*database.PipelineRun
}

func newMemPipelineRunRepo() *memPipelineRunRepo {
	return &memPipelineRunRepo{runs: make(map[int64]*database.PipelineRun)}
}

func (m *memPipelineRunRepo) Create(ctx context.Context, plr *database.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	plr.ID = m.next
	m.runs[plr.ID] = plr
	return nil
}

func (m *memPipelineRunRepo) Update(ctx context.Context, plr *database.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[plr.ID] = plr
	return nil
}

func (m *memPipelineRunRepo) Get(ctx context.Context, id int64) (*database.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id], nil
}

func (m *memPipelineRunRepo) ListRunning(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, plr := range m.runs {
		if !plr.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memPipelineRunRepo) MarkAborting(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plr, ok := m.runs[id]; ok && !plr.State.IsTerminal() {
		plr.Aborting = true
	}
	return nil
}

type memPipelineRepo struct {
	mu        sync.Mutex
	pipelines map[string]*v1alpha1.Pipeline
}

func newMemPipelineRepo() *memPipelineRepo {
	return &memPipelineRepo{pipelines: make(map[string]*v1alpha1.Pipeline)}
}

func (m *memPipelineRepo) Save(ctx context.Context, pl *v1alpha1.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[pl.Name] = pl
	return nil
}

func (m *memPipelineRepo) Get(ctx context.Context, name string) (*v1alpha1.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipelines[name], nil
}

type memDeliveryRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDeliveryRepo() *memDeliveryRepo {
	return &memDeliveryRepo{seen: make(map[string]bool)}
}

func (m *memDeliveryRepo) Record(ctx context.Context, commitID string, kind v1alpha1.PipelineKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commitID + "/" + string(kind)
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type memSequenceRepo struct {
	mu     sync.Mutex
	values map[string]int64
}

func newMemSequenceRepo() *memSequenceRepo {
	return &memSequenceRepo{values: make(map[string]int64)}
}

func (m *memSequenceRepo) Next(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name]++
	return m.values[name], nil
}

type memGitopsCommitRepo struct {
	mu      sync.Mutex
	records []*database.GitopsCommit
}

func (m *memGitopsCommitRepo) Create(ctx context.Context, gc *database.GitopsCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, gc)
	return nil
}

// scriptedStage replays a sequence of results, one per call, repeating the
// last entry once exhausted.
type scriptedStage struct {
	mu      sync.Mutex
	calls   int
	results []scripted
}

type scripted struct {
	result *stage.Result
	err    error
}

func succeedWith(output ...*v1alpha1.KeyAndValue) scripted {
	return scripted{result: &stage.Result{Status: v1alpha1.StageSucceeded, Output: output}}
}

func failWith(err error) scripted {
	return scripted{err: err}
}

func (s *scriptedStage) Do(ctx context.Context, in *stage.Request) (*stage.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	r := s.results[i]
	return r.result, r.err
}

func (s *scriptedStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*collaborator.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, event *collaborator.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) sent() []*collaborator.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*collaborator.Event(nil), n.events...)
}

type fakeChain struct {
	mu    sync.Mutex
	execs []*apis.ExecPipeline
	runID int64
	err   error
}

func (f *fakeChain) Exec(ctx context.Context, in *apis.ExecPipeline) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.execs = append(f.execs, in)
	f.runID++
	return f.runID, nil
}

func (f *fakeChain) Save(ctx context.Context, in *apis.SavePipeline) error {
	return nil
}

func (f *fakeChain) triggered() []*apis.ExecPipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*apis.ExecPipeline(nil), f.execs...)
}

func newTestRunner(repo database.PipelineRunRepo, executors map[v1alpha1.Capability]stage.Interface) *runner {
	return &runner{
		logger:          log.NewNopLogger(),
		pipelineRunRepo: repo,
		ch:              make(chan int64, 100),
		inflight:        make(map[int64]bool),
		maxAttempts:     3,
		executors:       executors,
	}
}

// drive executes a run to quiescence on the calling goroutine.
func drive(r *runner, id int64) {
	r.set(id)
	for i := 0; i < 100; i++ {
		select {
		case next := <-r.ch:
			r.run(next)
		default:
			return
		}
	}
}

func ciPipeline(name string, stages ...v1alpha1.Stage) *v1alpha1.Pipeline {
	return &v1alpha1.Pipeline{
		Name: name,
		Spec: v1alpha1.PipelineSpec{
			Kind:   v1alpha1.KindCI,
			Stages: stages,
		},
	}
}

func st(name string, capability v1alpha1.Capability) v1alpha1.Stage {
	return v1alpha1.Stage{
		Name: name,
		Spec: v1alpha1.StageSpec{Capability: capability},
	}
}

func cleanupSt(name string, capability v1alpha1.Capability) v1alpha1.Stage {
	s := st(name, capability)
	s.Spec.Cleanup = true
	return s
}

func newRun(repo *memPipelineRunRepo, pl *v1alpha1.Pipeline, number int64) *database.PipelineRun {
	plr := &database.PipelineRun{
		Number:   number,
		Pipeline: *pl,
		Kind:     pl.Spec.Kind,
		Spec: v1alpha1.PipelineRunSpec{
			PipelineRef: pl.Name,
			CommitID:    "abc123",
		},
		Status: v1alpha1.PipelineRunStatus{Status: v1alpha1.RunPending},
		State:  v1alpha1.RunPending,
	}
	_ = repo.Create(context.Background(), plr)
	return plr
}
