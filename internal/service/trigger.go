package service

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/common"
	"github.com/relay-ci/relay/internal/database"
	"github.com/relay-ci/relay/internal/database/mysql"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"golang.org/x/sync/errgroup"
)

func NewTriggerService(ctx context.Context, pipeline apis.PipelineService) apis.TriggerService {
	return &triggerService{
		ctx:      ctx,
		pipeline: pipeline,
	}
}

// triggerService starts pipeline runs off source changes. Changes arrive
// two ways, the push webhook and a polling fallback per source; both funnel
// through handle, where the delivery record keeps one commit from starting
// two runs of the same kind.
type triggerService struct {
	ctx    context.Context
	conf   *common.Config
	logger log.Logger

	pipeline     apis.PipelineService
	pipelineRepo database.PipelineRepo
	deliveryRepo database.DeliveryRepo

	// lastSeen is shared by every source's poll goroutine.
	mu       sync.Mutex
	lastSeen map[string]string
}

func (t *triggerService) SetLogger(logger log.Logger) {
	t.logger = log.With(logger, "module", "trigger")
}

func (t *triggerService) SetDB(db *sql.DB) {
	t.pipelineRepo = mysql.NewPipeline(db)
	t.deliveryRepo = mysql.NewDelivery(db)
}

func (t *triggerService) SetConfig(conf *common.Config) {
	t.conf = conf
	t.lastSeen = make(map[string]string, len(conf.Sources))

	t.watch()
}

// watch polls every configured source for new head commits. Poll failures
// are logged and retried on the next tick, a flaky source must not stop the
// loop.
func (t *triggerService) watch() {
	if len(t.conf.Sources) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(t.ctx)
	for i := range t.conf.Sources {
		src := t.conf.Sources[i]
		client := collaborator.NewSource(src.Host, src.Repo)
		g.Go(func() error {
			ticker := time.NewTicker(t.conf.Watcher.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					t.poll(ctx, client, src)
				}
			}
		})
	}
	go func() {
		g.Wait() // nolint: errcheck
		level.Info(t.logger).Log("message", "source watcher stopped")
	}()
}

func (t *triggerService) poll(ctx context.Context, client collaborator.Source, src common.Source) {
	event, err := client.Head(ctx)
	if err != nil {
		level.Error(t.logger).Log("message", "fail poll source head", "source", src.Name, "error", err)
		return
	}
	if event.CommitID == "" || !t.observe(src.Name, event.CommitID) {
		return
	}

	err = t.handle(ctx, event.CommitID, src.Pipeline)
	if err != nil {
		level.Error(t.logger).Log("message", "fail trigger from poll", "source", src.Name, "error", err)
	}
}

// observe records the polled head commit for a source and reports whether
// it is new. The delivery table stays the authoritative dedupe; this only
// keeps repeated polls from hammering it.
func (t *triggerService) observe(source, commitID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSeen[source] == commitID {
		return false
	}
	t.lastSeen[source] = commitID
	return true
}

// HandlePush implements apis.TriggerService.
func (t *triggerService) HandlePush(ctx context.Context, in *apis.PushEvent) error {
	if in.CommitID == "" {
		return errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusBadRequest,
			Message: "push event without commit id",
		})
	}

	src := t.sourceFor(in.RepoRef)
	if src == nil {
		return errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusBadRequest,
			Message: "no source configured for repository " + in.RepoRef,
		})
	}

	return t.handle(ctx, in.CommitID, src.Pipeline)
}

func (t *triggerService) handle(ctx context.Context, commitID, pipelineName string) error {
	pipeline, err := t.pipelineRepo.Get(ctx, pipelineName)
	if err != nil {
		return errors.Wrap(err, "fail get pipeline for trigger")
	}
	if pipeline == nil {
		return errors.NewErr(http.StatusBadRequest, &errors.CodeError{
			Code:    http.StatusNotFound,
			Message: "pipeline " + pipelineName + " not exists",
		})
	}

	fresh, err := t.deliveryRepo.Record(ctx, commitID, pipeline.Spec.Kind)
	if err != nil {
		return errors.Wrap(err, "fail record delivery")
	}
	if !fresh {
		level.Info(t.logger).Log("message", "duplicate change event dropped", "commitID", commitID, "pipeline", pipelineName)
		return nil
	}

	resp, err := t.pipeline.Exec(ctx, &apis.ExecPipeline{
		Name:     pipelineName,
		CommitID: commitID,
	})
	if err != nil {
		return errors.Wrap(err, "fail exec triggered pipeline")
	}
	level.Info(t.logger).Log("message", "pipeline triggered", "pipeline", pipelineName, "commitID", commitID, "runID", resp.RunID)
	return nil
}

func (t *triggerService) sourceFor(repoRef string) *common.Source {
	for i := range t.conf.Sources {
		if t.conf.Sources[i].Repo == repoRef {
			return &t.conf.Sources[i]
		}
	}
	return nil
}
