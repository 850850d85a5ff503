package main

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/kelseyhightower/envconfig"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/logger"
	"github.com/relay-ci/relay/pkg/stage"
	"github.com/relay-ci/relay/pkg/stage/remote"
)

// Shell serves a stage capability by running a configured command. Run
// identity and params are handed over as RELAY_ environment variables; a
// nonzero exit fails the stage.
type Shell struct {
	logger  log.Logger
	command string
	workdir string
}

func (s *Shell) Do(ctx context.Context, in *stage.Request) (*stage.Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = s.workdir
	cmd.Env = append(cmd.Environ(),
		"RELAY_RUN_ID="+strconv.FormatInt(in.RunID, 10),
		"RELAY_RUN_NUMBER="+strconv.FormatInt(in.Number, 10),
		"RELAY_COMMIT_ID="+in.CommitID,
	)
	for _, kv := range in.Params {
		key := "RELAY_PARAM_" + strings.ToUpper(strings.ReplaceAll(kv.Key, "-", "_"))
		cmd.Env = append(cmd.Env, key+"="+kv.Value)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		level.Error(s.logger).Log("message", "command failed", "runID", in.RunID, "error", err)
		return &stage.Result{
			Status:  v1alpha1.StageFailed,
			Message: tail(out),
		}, nil
	}

	return &stage.Result{
		Status:  v1alpha1.StageSucceeded,
		Message: tail(out),
	}, nil
}

// tail keeps the last part of the command output, the end is where build
// tools put the verdict.
func tail(out []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

type config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	Port     string `envconfig:"PORT" default:"80"`
	Command  string `envconfig:"COMMAND" required:"true"`
	Workdir  string `envconfig:"WORKDIR"`
}

func main() {
	conf := &config{}
	envconfig.MustProcess("relay_agent", conf)

	log := logger.NewLogger(conf.LogLevel)
	s := &Shell{
		logger:  log,
		command: conf.Command,
		workdir: conf.Workdir,
	}
	ctx := context.Background()
	remote.Main(log, fmt.Sprintf(":%s", conf.Port))(ctx, s) // nolint: errcheck
}
