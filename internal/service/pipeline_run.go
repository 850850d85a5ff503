package service

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/common"
	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/internal/database/mysql"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/client/clientset/versioned"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/relay-ci/relay/pkg/helper/retarder"
	"github.com/relay-ci/relay/pkg/stage"
)

func NewPipelineRunService(ctx context.Context, gate *Gate) apis.PipelineRunService {
	return &pipelineRunService{
		ctx:  ctx,
		gate: gate,
		runner: runner{
			ch:       make(chan int64, 10000),
			inflight: make(map[int64]bool),
		},
	}
}

type pipelineRunService struct {
	ctx    context.Context
	conf   *common.Config
	logger log.Logger

	gate     *Gate
	runner   runner
	retarder *retarder.Retarder

	pipelineRunRepo database.PipelineRunRepo
	sequenceRepo    database.SequenceRepo
}

func (p *pipelineRunService) SetLogger(logger log.Logger) {
	p.logger = log.With(logger, "module", "service")
}

func (p *pipelineRunService) SetDB(db *sql.DB) {
	p.pipelineRunRepo = mysql.NewPipelineRun(db)
	p.sequenceRepo = mysql.NewSequence(db)
	p.runner.pipelineRunRepo = p.pipelineRunRepo
	p.runner.recorder = &patchAudit{
		repo: mysql.NewGitopsCommit(db),
	}
}

func (s *pipelineRunService) SetConfig(conf *common.Config) {
	s.conf = conf

	s.init()
}

func (s *pipelineRunService) init() {
	s.runner.logger = s.logger
	s.runner.maxAttempts = s.conf.Retry.MaxAttempts
	s.runner.notifier = collaborator.NewNotifier(s.conf.Notifier.Channels)
	s.runner.executors = buildExecutors(s.conf, s.gate, s.runner.recorder, s.logger)

	if s.conf.Registry.Repository != "" {
		s.runner.tagger = &tagger{repository: s.conf.Registry.Repository}
	}
	if s.conf.Chain.Pipeline != "" {
		s.runner.chainTo = s.conf.Chain.Pipeline
		s.runner.chain = versioned.New(s.conf.Chain.Instance, s.logger)
	}

	s.runner.Run(s.ctx, s.conf.Parallel)

	if s.conf.Retarder.Enable {
		s.retarder = retarder.New(s.conf.Retarder.BufferSize, func(runID int64) {
			level.Info(s.logger).Log("message", "retry exec pipeline run", "pipelineRunID", runID)
			go s.runner.set(runID)
		})
		s.runner.delay = s.conf.Retarder.Delay
		s.runner.retarder = s.retarder

		go s.retarder.Run(s.ctx)
	}

	// try to exec unfinished pipeline run
	lostFound, err := s.pipelineRunRepo.ListRunning(s.ctx)
	if err != nil {
		level.Error(s.logger).Log("message", err)
		return
	}
	if len(lostFound) != 0 {
		go func() {
			<-time.After(time.Second * 10)
			for _, id := range lostFound {
				s.runner.set(id)
			}
			level.Info(s.logger).Log("message", "the unfinished task is loaded")
		}()
	}
}

func (p *pipelineRunService) Create(ctx context.Context, in *apis.CreatePipelineRun) (int64, error) {
	number, err := p.sequenceRepo.Next(ctx, in.Pipeline.Name)
	if err != nil {
		return 0, errors.Wrap(err, "fail allocate run number")
	}

	plr := &database.PipelineRun{
		Number:   number,
		Pipeline: *in.Pipeline,
		Kind:     in.Pipeline.Spec.Kind,
		Spec: v1alpha1.PipelineRunSpec{
			Params:        in.Params,
			PipelineRef:   in.Pipeline.Name,
			CommitID:      in.CommitID,
			UpstreamRunID: in.UpstreamRunID,
		},
		Status:    v1alpha1.PipelineRunStatus{Status: v1alpha1.RunPending},
		State:     v1alpha1.RunPending,
		CreatedAt: time.Now().Unix(),
	}
	err = p.pipelineRunRepo.Create(ctx, plr)
	if err != nil {
		return 0, errors.Wrap(err, "fail save pipeline run to database")
	}

	p.runner.set(plr.ID /*row id*/)
	return plr.ID, nil
}

func (p *pipelineRunService) Exec(ctx context.Context, in *apis.ExecPipelineRun) error {
	plr, err := p.pipelineRunRepo.Get(ctx, in.ID)
	if err != nil {
		level.Error(p.logger).Log("message", err.Error())
		return errors.Wrap(err, "fail get pipeline run from database")
	}
	if plr == nil {
		return errors.NewErr(http.StatusNotFound, &errors.CodeError{
			Code:    http.StatusNotFound,
			Message: "pipeline run not exists",
		})
	}
	p.runner.set(in.ID)
	return nil
}

// Abort requests a stop at the next stage boundary. The stage in flight, if
// any, is never interrupted.
func (p *pipelineRunService) Abort(ctx context.Context, in *apis.AbortPipelineRun) error {
	err := p.pipelineRunRepo.MarkAborting(ctx, in.ID)
	if err != nil {
		return errors.Wrap(err, "fail mark pipeline run aborting")
	}
	p.runner.set(in.ID)
	return nil
}

func (p *pipelineRunService) Get(ctx context.Context, in *apis.GetPipelineRun) (*apis.PipelineRunView, error) {
	plr, err := p.pipelineRunRepo.Get(ctx, in.ID)
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run from database")
	}
	if plr == nil {
		return nil, errors.NewErr(http.StatusNotFound, &errors.CodeError{
			Code:    http.StatusNotFound,
			Message: "pipeline run not exists",
		})
	}
	return &apis.PipelineRunView{
		ID:          plr.ID,
		Number:      plr.Number,
		PipelineRef: plr.Spec.PipelineRef,
		Kind:        plr.Kind,
		Status:      plr.Status,
	}, nil
}

type runner struct {
	logger          log.Logger
	pipelineRunRepo database.PipelineRunRepo
	retarder        *retarder.Retarder
	ch              chan int64

	mu       sync.Mutex
	inflight map[int64]bool

	delay       int64
	maxAttempts int

	executors map[v1alpha1.Capability]stage.Interface

	tagger   *tagger
	chain    versioned.Client
	chainTo  string
	recorder *patchAudit
	notifier collaborator.Notifier
}

func (r *runner) set(id int64) {
	r.ch <- id
}

func (r *runner) getExecutor(c v1alpha1.Capability) stage.Interface {
	i, ok := r.executors[c]
	if !ok {
		return &stage.None{}
	}

	return i
}

func (r *runner) Run(ctx context.Context, parallel int) {
	for ; parallel > 0; parallel-- {
		level.Info(r.logger).Log("message", "runner is ready", "runnerID", parallel)
		go func(r *runner, runnerID int) {
			for {
				select {
				case <-ctx.Done():
					level.Info(r.logger).Log("message", "runner stopped", "runnerID", runnerID)
					return
				case plrID := <-r.ch:
					level.Info(r.logger).Log("message", "try to exec pipeline", "id", plrID)
					r.run(plrID)
				}
			}
		}(r, parallel)
	}
}

// acquire claims exclusive execution of a run. A run parked on the quality
// gate still holds a worker; a second worker picking up the same id, from
// abort or a crash-recovery replay, must not re-enter the stage sequence.
func (r *runner) acquire(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *runner) release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

func (r *runner) run(pipelineRunID int64) {
	if !r.acquire(pipelineRunID) {
		level.Info(r.logger).Log("message", "pipeline run already executing", "pipelineRunID", pipelineRunID)
		return
	}
	defer r.release(pipelineRunID)

	ctx := context.Background()
	plr, err := r.pipelineRunRepo.Get(ctx, pipelineRunID)
	if err != nil {
		level.Error(r.logger).Log("message", err.Error(), "pipelineRunID", pipelineRunID)
		return
	}
	if plr == nil {
		level.Error(r.logger).Log("message", "fail get pipeline run", "pipelineRunID", pipelineRunID)
		return
	}

	if plr.State.IsTerminal() {
		// Do nothing
		level.Info(r.logger).Log("message", "pipeline run is finish", "pipelineRunID", pipelineRunID)
		return
	}

	plr.State = v1alpha1.RunRunning
	plr.Status.Status = v1alpha1.RunRunning

	st := r.nextStage(plr)
	if st != nil {
		delayed := r.exec(ctx, st, plr)
		if delayed {
			if err := r.pipelineRunRepo.Update(ctx, plr); err != nil {
				level.Error(r.logger).Log("message", err.Error(), "pipelineRunID", pipelineRunID)
			}
			return
		}
	} else {
		r.finalize(ctx, plr)
	}

	err = r.pipelineRunRepo.Update(ctx, plr)
	if err != nil {
		level.Error(r.logger).Log("message", err.Error(), "pipelineRunID", pipelineRunID)
		return
	}
	if !plr.State.IsTerminal() {
		// try to exec next stage
		r.set(plr.ID)
	}
}

// nextStage walks the declared stage order and returns the stage to execute
// now, appending its pending result to the log. Once any stage failed or an
// abort was requested, every remaining non-cleanup stage is recorded as
// skipped; cleanup stages still execute. Nil means the walk is complete.
func (r *runner) nextStage(plr *database.PipelineRun) *v1alpha1.Stage {
	stages := plr.Pipeline.Spec.Stages

	var cursor int
	if len(plr.Status.StageRun) != 0 {
		cursor = len(plr.Status.StageRun) - 1
		if plr.Status.StageRun[cursor].Status == v1alpha1.StagePending {
			// a delayed retry of the same stage
			return &stages[cursor]
		}
		cursor++
	}

	halted := plr.Aborting || anyFailed(plr)

	for ; cursor < len(stages); cursor++ {
		state := &v1alpha1.StageResult{
			Name:       stages[cursor].Name,
			Capability: stages[cursor].Spec.Capability,
			Cleanup:    stages[cursor].Spec.Cleanup,
			StartTime:  time.Now().Unix(),
		}

		plr.Status.StageRun = append(plr.Status.StageRun, state)
		if halted && !stages[cursor].Spec.Cleanup {
			state.Status = v1alpha1.StageSkipped
			state.CompletionTime = time.Now().Unix()
			continue
		}
		state.Status = v1alpha1.StagePending
		return &stages[cursor]
	}

	return nil
}

// exec runs one stage and records its result. The returned flag reports
// that the run was handed to the delay queue and must not be re-enqueued.
func (r *runner) exec(ctx context.Context, st *v1alpha1.Stage, plr *database.PipelineRun) (delayed bool) {
	status := plr.Status.StageRun[len(plr.Status.StageRun)-1]
	status.Attempts++

	result, err := r.getExecutor(st.Spec.Capability).Do(ctx, &stage.Request{
		RunID:    plr.ID,
		Number:   plr.Number,
		Kind:     plr.Kind,
		CommitID: plr.Spec.CommitID,
		Params:   r.parseParams(st.Spec.Params, plr),
	})

	if err != nil {
		level.Error(r.logger).Log("message", err, "pipelineRunID", plr.ID, "stageName", st.Name)
		status.Message = err.Error()

		if errors.KindOf(err) == errors.KindTransient && status.Attempts < r.maxAttempts && r.retarder != nil {
			if err := r.retarder.Add(plr.ID, r.delay); err != nil {
				level.Error(r.logger).Log("message", err, "pipelineRunID", plr.ID, "delay", r.delay)
				status.Status = v1alpha1.StageFailed
				status.CompletionTime = time.Now().Unix()
				return false
			}
			level.Info(r.logger).Log("message", "try to delay", "pipelineRunID", plr.ID, "delay", r.delay)
			return true
		}

		status.Status = v1alpha1.StageFailed
		status.CompletionTime = time.Now().Unix()
		return false
	}

	status.Status = result.Status
	status.Output = result.Output
	status.Message = result.Message
	status.CompletionTime = time.Now().Unix()

	if result.Status == v1alpha1.StageSucceeded {
		for _, out := range result.Output {
			op := out
			kv := getKV(out.Key, plr.Spec.Params)
			if kv == nil {
				plr.Spec.Params = append(plr.Spec.Params, op)
			} else {
				kv.Value = op.Value
			}
			if out.Key == "commitId" && plr.Spec.CommitID == "" {
				plr.Spec.CommitID = out.Value
			}
		}
	}
	return false
}

// finalize settles the run's terminal status once the stage walk completed.
// A failed stage wins over an abort request; a clean abort yields Aborted.
// Successful integration runs release their artifact before succeeding.
func (r *runner) finalize(ctx context.Context, plr *database.PipelineRun) {
	switch {
	case anyFailed(plr):
		plr.State = v1alpha1.RunFailed
		plr.Status.Message = failMessage(plr)
	case plr.Aborting:
		plr.State = v1alpha1.RunAborted
	default:
		plr.State = v1alpha1.RunSucceeded
	}

	if plr.State == v1alpha1.RunSucceeded && plr.Kind == v1alpha1.KindCI && packageSucceeded(plr) {
		if err := r.releaseArtifact(ctx, plr); err != nil {
			level.Error(r.logger).Log("message", err, "pipelineRunID", plr.ID)
			plr.State = v1alpha1.RunFailed
			plr.Status.Message = err.Error()
		}
	}

	plr.Status.Status = plr.State
	r.notify(ctx, plr)
}

// releaseArtifact tags the produced image with the run number and triggers
// the downstream deployment pipeline. Recorded as a synthetic stage so the
// run log shows what was released and where it went.
func (r *runner) releaseArtifact(ctx context.Context, plr *database.PipelineRun) error {
	if r.tagger == nil {
		return nil
	}

	state := &v1alpha1.StageResult{
		Name:      "release",
		StartTime: time.Now().Unix(),
	}
	plr.Status.StageRun = append(plr.Status.StageRun, state)

	ref, err := r.tagger.Tag(plr)
	if err != nil {
		state.Status = v1alpha1.StageFailed
		state.Message = err.Error()
		state.CompletionTime = time.Now().Unix()
		return errors.Wrap(err, "fail tag artifact")
	}

	image := ref.Repository + ":" + ref.Tag
	state.Output = []*v1alpha1.KeyAndValue{
		{Key: "imageTag", Value: ref.Tag},
		{Key: "image", Value: image},
		{Key: "digest", Value: ref.Digest},
	}

	if r.chain != nil && r.chainTo != "" {
		runID, err := r.chain.Exec(ctx, &apis.ExecPipeline{
			Name: r.chainTo,
			Params: []*v1alpha1.KeyAndValue{
				{Key: "imageTag", Value: ref.Tag},
				{Key: "image", Value: image},
				{Key: "sourceRunId", Value: strconv.FormatInt(plr.Number, 10)},
			},
			CommitID:      plr.Spec.CommitID,
			UpstreamRunID: plr.ID,
		})
		if err != nil {
			state.Status = v1alpha1.StageFailed
			state.Message = err.Error()
			state.CompletionTime = time.Now().Unix()
			return errors.Wrap(err, "fail trigger downstream pipeline")
		}
		state.Output = append(state.Output, &v1alpha1.KeyAndValue{
			Key: "downstreamRunId", Value: strconv.FormatInt(runID, 10),
		})
	}

	state.Status = v1alpha1.StageSucceeded
	state.CompletionTime = time.Now().Unix()
	return nil
}

func (r *runner) notify(ctx context.Context, plr *database.PipelineRun) {
	if r.notifier == nil {
		return
	}
	err := r.notifier.Notify(ctx, &collaborator.Event{
		RunID:    plr.ID,
		Pipeline: plr.Spec.PipelineRef,
		Status:   plr.State,
		Summary:  plr.Status.Message,
	})
	if err != nil {
		level.Error(r.logger).Log("message", "notification dropped", "pipelineRunID", plr.ID, "error", err)
	}
}

// parseParams resolves a stage's declared params against the run's
// effective params. Effective params are the pipeline's declared params
// with run inputs and earlier stage outputs overlaid; a stage param value
// of the form $(params.name) substitutes from them.
func (r *runner) parseParams(input []*v1alpha1.KeyAndValue, plr *database.PipelineRun) []*v1alpha1.KeyAndValue {
	effective := make([]*v1alpha1.KeyAndValue, 0, len(plr.Pipeline.Spec.Params)+len(plr.Spec.Params))
	for _, ps := range plr.Pipeline.Spec.Params {
		effective = append(effective, &v1alpha1.KeyAndValue{Key: ps.Name, Value: ps.Default})
	}
	for _, kv := range plr.Spec.Params {
		if cur := getKV(kv.Key, effective); cur != nil {
			cur.Value = kv.Value
		} else {
			effective = append(effective, &v1alpha1.KeyAndValue{Key: kv.Key, Value: kv.Value})
		}
	}

	for _, param := range input {
		value := param.Value
		if strings.HasPrefix(param.Value, "$(params.") {
			name := strings.TrimSuffix(strings.TrimPrefix(param.Value, "$(params."), ")")
			value = ""
			if kv := getKV(name, effective); kv != nil {
				value = kv.Value
			}
		}
		if cur := getKV(param.Key, effective); cur != nil {
			cur.Value = value
		} else {
			effective = append(effective, &v1alpha1.KeyAndValue{Key: param.Key, Value: value})
		}
	}
	return effective
}

// anyFailed reports a failed non-cleanup stage. Cleanup failures stay in
// the stage log but never halt the walk or flip the run's terminal status.
func anyFailed(plr *database.PipelineRun) bool {
	for _, res := range plr.Status.StageRun {
		if res.Cleanup {
			continue
		}
		if res.Status == v1alpha1.StageFailed {
			return true
		}
	}
	return false
}

func failMessage(plr *database.PipelineRun) string {
	for _, res := range plr.Status.StageRun {
		if res.Cleanup {
			continue
		}
		if res.Status == v1alpha1.StageFailed {
			return "stage " + res.Name + " failed: " + res.Message
		}
	}
	return ""
}

func getKV(name string, kvs []*v1alpha1.KeyAndValue) *v1alpha1.KeyAndValue {
	for _, elem := range kvs {
		if elem.Key == name {
			return elem
		}
	}
	return nil
}

// patchAudit persists the record of manifest rewrites. An audit write
// failure never fails the patch itself.
type patchAudit struct {
	repo database.GitopsCommitRepo
}

func (a *patchAudit) RecordPatch(ctx context.Context, runID int64, patch *v1alpha1.ManifestPatch) error {
	err := a.repo.Create(ctx, &database.GitopsCommit{
		RunID:     runID,
		FilePath:  patch.FilePath,
		FieldPath: patch.FieldPath,
		OldValue:  patch.OldValue,
		NewValue:  patch.NewValue,
		CommitID:  patch.CommitID,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return errors.Wrap(err, "fail record manifest patch")
	}
	return nil
}
