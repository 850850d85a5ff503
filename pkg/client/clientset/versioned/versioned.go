// Package versioned is the typed client for a relay instance. The
// orchestrator uses it to chain a deployment pipeline after a successful
// integration run; the trigger call is synchronous and fails loudly, a
// silently dropped trigger would break the whole chain.
package versioned

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

type Client interface {
	// Exec triggers the named pipeline and returns the created run ID.
	Exec(ctx context.Context, in *apis.ExecPipeline) (int64, error)

	Save(ctx context.Context, in *apis.SavePipeline) error
}

func New(instance string, logger log.Logger) Client {
	var instancer sd.FixedInstancer = sd.FixedInstancer{instance}

	var (
		retryMax     = 3
		retryTimeout = 3 * time.Second
	)

	c := &client{}

	{
		endpointer := sd.NewEndpointer(instancer, factoryFor(func(e apis.Endpoints) endpoint.Endpoint {
			return e.PostExecPipelineEndpoint
		}), logger)
		balancer := lb.NewRoundRobin(endpointer)
		c.exec = lb.Retry(retryMax, retryTimeout, balancer)
	}
	{
		endpointer := sd.NewEndpointer(instancer, factoryFor(func(e apis.Endpoints) endpoint.Endpoint {
			return e.PostSavePipelineEndpoint
		}), logger)
		balancer := lb.NewRoundRobin(endpointer)
		c.save = lb.Retry(retryMax, retryTimeout, balancer)
	}

	return c
}

type client struct {
	exec endpoint.Endpoint
	save endpoint.Endpoint
}

func (c *client) Exec(ctx context.Context, in *apis.ExecPipeline) (int64, error) {
	if err := validateExec(in); err != nil {
		return 0, err
	}
	resp, err := c.exec(ctx, in)
	if err != nil {
		return 0, errors.Transient(err, "fail trigger pipeline "+in.Name)
	}
	if resp, ok := resp.(*apis.ExecPipelineResponse); ok {
		return resp.RunID, nil
	}
	return 0, nil
}

func (c *client) Save(ctx context.Context, in *apis.SavePipeline) error {
	_, err := c.save(ctx, in)
	return err
}

// validateExec enforces the declared parameter schema before anything goes
// on the wire: chaining by convention is exactly the coupling this client
// exists to avoid.
func validateExec(in *apis.ExecPipeline) error {
	if in.Name == "" {
		return errors.WithKind(errors.New("no downstream pipeline name"), errors.KindConfiguration)
	}
	for _, kv := range in.Params {
		if kv.Key == "" || kv.Value == "" {
			return errors.Errorf("empty parameter %q for pipeline %s", kv.Key, in.Name)
		}
	}
	return nil
}

func factoryFor(pick func(apis.Endpoints) endpoint.Endpoint) sd.Factory {
	return func(instance string) (endpoint.Endpoint, io.Closer, error) {
		endpoints, err := NewClientEndPoints(instance)
		if err != nil {
			return nil, nil, err
		}
		return pick(endpoints), nil, nil
	}
}

func NewClientEndPoints(instance string) (apis.Endpoints, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	tgt, err := url.Parse(instance)
	if err != nil {
		return apis.Endpoints{}, err
	}
	tgt.Path = ""

	options := []httptransport.ClientOption{}

	return apis.Endpoints{
		PostExecPipelineEndpoint: httptransport.NewClient("POST", tgt,
			func(ctx context.Context, r *http.Request, request interface{}) error {
				req := request.(*apis.ExecPipeline)
				r.URL.Path = fmt.Sprintf("/api/v1/pipeline/%s/exec", req.Name)
				return encodeRequest(ctx, r, req)
			},
			func(ctx context.Context, resp *http.Response) (interface{}, error) {
				if resp.StatusCode != http.StatusOK {
					return nil, errors.New(resp.Status)
				}
				var body apis.ExecPipelineResponse
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					return nil, err
				}
				return &body, nil
			}, options...).Endpoint(),
		PostSavePipelineEndpoint: httptransport.NewClient("POST", tgt,
			func(ctx context.Context, r *http.Request, request interface{}) error {
				r.URL.Path = "/api/v1/pipeline"
				return encodeRequest(ctx, r, request)
			},
			func(ctx context.Context, resp *http.Response) (interface{}, error) {
				if resp.StatusCode != http.StatusOK {
					return nil, errors.New(resp.Status)
				}
				return nil, nil
			}, options...).Endpoint(),
	}, nil
}

func encodeRequest(_ context.Context, req *http.Request, request interface{}) error {
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(request)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(&buf)
	return nil
}
