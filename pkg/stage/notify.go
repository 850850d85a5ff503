package stage

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
)

// Notify posts a run event to the configured channels. Best-effort: a
// channel that cannot be reached is logged and forgotten, the stage never
// fails. Usually declared with cleanup so it fires on failed runs too.
type Notify struct {
	Notifier collaborator.Notifier
	Logger   log.Logger
}

func (n *Notify) Do(ctx context.Context, in *Request) (*Result, error) {
	if n.Notifier != nil {
		err := n.Notifier.Notify(ctx, &collaborator.Event{
			RunID:   in.RunID,
			Status:  v1alpha1.RunStatus(Param(in.Params, "status")),
			Summary: Param(in.Params, "summary"),
		})
		if err != nil {
			level.Warn(n.Logger).Log("message", "notification dropped", "err", err, "runID", in.RunID)
		}
	}
	return &Result{
		Status: v1alpha1.StageSucceeded,
	}, nil
}
