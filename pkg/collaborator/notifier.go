package collaborator

import (
	"context"
	"net/http"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Event is a terminal pipeline run notification.
type Event struct {
	RunID    int64              `json:"runId"`
	Pipeline string             `json:"pipeline"`
	Status   v1alpha1.RunStatus `json:"status"`
	Summary  string             `json:"summary,omitempty"`
}

// Notifier delivers terminal events to external channels. Delivery is
// best-effort from the caller's point of view; the error return exists so
// the caller can log what was dropped.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

type notifier struct {
	channels []string
	client   *http.Client
}

func NewNotifier(channels []string) Notifier {
	return &notifier{
		channels: channels,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

func (n *notifier) Notify(ctx context.Context, event *Event) error {
	var firstErr error
	for _, channel := range n.channels {
		if err := postJSON(ctx, n.client, channel, event, nil); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "fail notify "+channel)
		}
	}
	return firstErr
}
