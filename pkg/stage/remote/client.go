package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/sd"
	"github.com/go-kit/kit/sd/lb"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/relay-ci/relay/pkg/stage"
)

// New returns a stage executor backed by the given runner instances,
// balanced round-robin with bounded retry.
func New(instances []string, logger log.Logger) stage.Interface {
	var (
		retryMax     = 3
		retryTimeout = 30 * time.Second
	)

	instancer := sd.FixedInstancer(instances)
	endpointer := sd.NewEndpointer(instancer, factory, logger)
	balancer := lb.NewRoundRobin(endpointer)
	retry := lb.Retry(retryMax, retryTimeout, balancer)

	return &client{do: retry}
}

type client struct {
	do endpoint.Endpoint
}

func (c *client) Do(ctx context.Context, in *stage.Request) (*stage.Result, error) {
	resp, err := c.do(ctx, in)
	if err != nil {
		return nil, errors.Transient(err, "fail reach stage runner")
	}
	return resp.(*stage.Result), nil
}

func factory(instance string) (endpoint.Endpoint, io.Closer, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	tgt, err := url.Parse(instance)
	if err != nil {
		return nil, nil, err
	}
	tgt.Path = ""

	ep := httptransport.NewClient(http.MethodPost, tgt,
		func(ctx context.Context, r *http.Request, request interface{}) error {
			r.URL.Path = "/api/v1/do"
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(request); err != nil {
				return err
			}
			r.Body = io.NopCloser(&buf)
			return nil
		},
		func(ctx context.Context, resp *http.Response) (interface{}, error) {
			if resp.StatusCode != http.StatusOK {
				return nil, errors.New(resp.Status)
			}
			var result stage.Result
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return nil, err
			}
			return &result, nil
		},
	).Endpoint()

	return ep, nil, nil
}
