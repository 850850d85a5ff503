package service

import (
	"context"
	"database/sql"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/common"
	"github.com/relay-ci/relay/internal/database/mysql"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/gitops"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/relay-ci/relay/pkg/stage"
	"github.com/relay-ci/relay/pkg/stage/remote"
)

type service struct {
	conf   *common.Config
	logger log.Logger

	apis.PipelineService
	apis.PipelineRunService
	apis.TriggerService
	apis.VerdictService
}

func NewServer(ctx context.Context, opts ...Option) (apis.Service, error) {
	svc := &service{}
	for _, opt := range opts {
		opt(svc)
	}

	db, err := mysql.NewDB(&svc.conf.Mysql)
	if err != nil {
		level.Error(svc.logger).Log("message", "fail connect to db", "err", err.Error())
		return nil, errors.Wrap(err, "fail connect to db")
	}
	opts = append([]Option{WithDatabase(db)}, opts...)

	gate := NewGate()
	svc.VerdictService = gate
	svc.PipelineRunService = NewPipelineRunService(ctx, gate)
	svc.PipelineService = NewPipelineService(svc.PipelineRunService)
	svc.TriggerService = NewTriggerService(ctx, svc.PipelineService)

	for _, opt := range opts {
		opt(gate)
		opt(svc.PipelineRunService)
		opt(svc.PipelineService)
		opt(svc.TriggerService)
	}
	return svc, nil
}

func (s *service) SetConfig(conf *common.Config) {
	s.conf = conf
}

func (s *service) SetLogger(logger log.Logger) {
	s.logger = log.With(logger, "module", "service")
}

func (s *service) GetPipeline() apis.PipelineService {
	return s.PipelineService
}
func (s *service) GetPipelineRun() apis.PipelineRunService {
	return s.PipelineRunService
}
func (s *service) GetTrigger() apis.TriggerService {
	return s.TriggerService
}
func (s *service) GetVerdict() apis.VerdictService {
	return s.VerdictService
}

// buildExecutors maps each stage capability to its executor, built from the
// configured collaborator endpoints. Capabilities declared under executors
// in config resolve to remote runners instead; build and test default to
// no-ops until an agent is declared.
func buildExecutors(conf *common.Config, gate *Gate, recorder stage.PatchRecorder, logger log.Logger) map[v1alpha1.Capability]stage.Interface {
	retry := collaborator.RetryPolicy{
		Attempts: conf.Retry.MaxAttempts,
		Backoff:  conf.Retry.Backoff,
	}

	executors := map[v1alpha1.Capability]stage.Interface{
		v1alpha1.CapabilityBuild: &stage.Null{},
		v1alpha1.CapabilityTest:  &stage.Null{},
	}

	checkout := &stage.Checkout{Retry: retry}
	if len(conf.Sources) != 0 {
		checkout.Source = collaborator.NewSource(conf.Sources[0].Host, conf.Sources[0].Repo)
	}
	executors[v1alpha1.CapabilityCheckout] = checkout

	if conf.Analysis.Host != "" {
		executors[v1alpha1.CapabilityAnalyze] = &stage.Analyze{
			Analyzer: collaborator.NewAnalyzer(conf.Analysis.Host),
			Gate:     gate,
			Timeout:  conf.Gate.Timeout,
			Retry:    retry,
		}
	}

	if conf.Registry.Host != "" {
		executors[v1alpha1.CapabilityPackage] = &stage.Publish{
			Registry:   collaborator.NewRegistry(conf.Registry.Host, conf.Secrets.RegistryToken),
			Repository: conf.Registry.Repository,
			Retry:      retry,
		}
	}

	if conf.Scanner.Host != "" {
		policy, err := collaborator.NewPolicy(conf.Scanner.Policy)
		if err != nil {
			level.Error(logger).Log("message", "fail compile scan policy", "error", err)
		} else {
			executors[v1alpha1.CapabilityScan] = &stage.Scan{
				Scanner: collaborator.NewScanner(conf.Scanner.Host),
				Policy:  policy,
				Retry:   retry,
			}
		}
	}

	if conf.Gitops.Host != "" {
		repo := gitops.NewHTTPRepository(
			conf.Gitops.Host,
			conf.Gitops.Owner,
			conf.Gitops.Repo,
			conf.Gitops.Branch,
			conf.Secrets.GitopsToken,
		)
		executors[v1alpha1.CapabilityPatch] = &stage.Patch{
			Patcher:    gitops.NewPatcher(repo, logger),
			Recorder:   recorder,
			Repository: conf.Registry.Repository,
			FilePath:   conf.Gitops.FilePath,
			FieldPath:  conf.Gitops.FieldPath,
			Logger:     logger,
		}
	}

	executors[v1alpha1.CapabilityNotify] = &stage.Notify{
		Notifier: collaborator.NewNotifier(conf.Notifier.Channels),
		Logger:   logger,
	}

	for _, e := range conf.Executors {
		if len(e.Host) != 0 {
			executors[v1alpha1.Capability(e.Capability)] = remote.New(e.Host, logger)
		}
	}

	return executors
}

type Option func(s interface{})

type Logger interface {
	SetLogger(log.Logger)
}

func WithLogger(logger log.Logger) Option {
	return func(s interface{}) {
		if s, ok := s.(Logger); ok {
			s.SetLogger(logger)
		}
	}
}

type Config interface {
	SetConfig(*common.Config)
}

func WithConfig(conf *common.Config) Option {
	return func(s interface{}) {
		if s, ok := s.(Config); ok {
			s.SetConfig(conf)
		}
	}
}

type Database interface {
	SetDB(*sql.DB)
}

func WithDatabase(db *sql.DB) Option {
	return func(s interface{}) {
		if s, ok := s.(Database); ok {
			s.SetDB(db)
		}
	}
}
