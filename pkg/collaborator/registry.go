package collaborator

import (
	"context"
	"net/http"
	"strings"

	"github.com/relay-ci/relay/pkg/helper/errors"
)

type PublishRequest struct {
	Repository string `json:"repoRef"`
	Tag        string `json:"tag"`
}

type PublishResponse struct {
	Digest       string `json:"digest"`
	Acknowledged bool   `json:"acknowledged"`
}

// Registry publishes a built image under a tag. The publish is only
// considered done once the registry acknowledged it.
type Registry interface {
	Publish(ctx context.Context, in *PublishRequest) (*PublishResponse, error)
}

type registry struct {
	host   string
	token  string
	client *http.Client
}

func NewRegistry(host, token string) Registry {
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return &registry{
		host:   strings.TrimSuffix(host, "/"),
		token:  token,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (r *registry) Publish(ctx context.Context, in *PublishRequest) (*PublishResponse, error) {
	var out PublishResponse
	if err := postJSON(ctx, r.client, r.host+"/api/v1/publish", in, &out); err != nil {
		return nil, err
	}
	if !out.Acknowledged {
		return nil, errors.Errorf("registry did not acknowledge %s:%s", in.Repository, in.Tag)
	}
	return &out, nil
}
