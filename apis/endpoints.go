package apis

import (
	"context"

	"github.com/go-kit/kit/endpoint"
)

// Endpoints collects all of the endpoints that compose the orchestrator
// service.
type Endpoints struct {
	PostSavePipelineEndpoint     endpoint.Endpoint
	PostExecPipelineEndpoint     endpoint.Endpoint
	PostExecPipelineRunEndpoint  endpoint.Endpoint
	PostAbortPipelineRunEndpoint endpoint.Endpoint
	GetPipelineRunEndpoint       endpoint.Endpoint
	PostPushWebhookEndpoint      endpoint.Endpoint
	PostVerdictWebhookEndpoint   endpoint.Endpoint
}

// NewServerEndpoints returns an Endpoints struct where each endpoint invokes
// the corresponding method on the provided service.
func NewServerEndpoints(s Service) Endpoints {
	return Endpoints{
		PostSavePipelineEndpoint:     PostSavePipelineEndpoint(s.GetPipeline()),
		PostExecPipelineEndpoint:     PostExecPipelineEndpoint(s.GetPipeline()),
		PostExecPipelineRunEndpoint:  PostExecPipelineRunEndpoint(s.GetPipelineRun()),
		PostAbortPipelineRunEndpoint: PostAbortPipelineRunEndpoint(s.GetPipelineRun()),
		GetPipelineRunEndpoint:       GetPipelineRunEndpoint(s.GetPipelineRun()),
		PostPushWebhookEndpoint:      PostPushWebhookEndpoint(s.GetTrigger()),
		PostVerdictWebhookEndpoint:   PostVerdictWebhookEndpoint(s.GetVerdict()),
	}
}

func PostSavePipelineEndpoint(s PipelineService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*SavePipeline)
		err := s.Save(ctx, req)
		return universalResponse{Err: err}, nil
	}
}

func PostExecPipelineEndpoint(s PipelineService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*ExecPipeline)
		resp, err := s.Exec(ctx, req)
		return universalResponse{Err: err, Data: resp}, nil
	}
}

func PostExecPipelineRunEndpoint(s PipelineRunService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*ExecPipelineRun)
		err := s.Exec(ctx, req)
		return universalResponse{Err: err}, nil
	}
}

func PostAbortPipelineRunEndpoint(s PipelineRunService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*AbortPipelineRun)
		err := s.Abort(ctx, req)
		return universalResponse{Err: err}, nil
	}
}

func GetPipelineRunEndpoint(s PipelineRunService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*GetPipelineRun)
		view, err := s.Get(ctx, req)
		return universalResponse{Err: err, Data: view}, nil
	}
}

func PostPushWebhookEndpoint(s TriggerService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*PushEvent)
		err := s.HandlePush(ctx, req)
		return universalResponse{Err: err}, nil
	}
}

func PostVerdictWebhookEndpoint(s VerdictService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*Verdict)
		err := s.Deliver(ctx, req)
		return universalResponse{Err: err}, nil
	}
}

func (e Endpoints) Save(ctx context.Context, in *SavePipeline) error {
	_, err := e.PostSavePipelineEndpoint(ctx, in)
	return err
}

func (e Endpoints) Exec(ctx context.Context, in *ExecPipeline) (*ExecPipelineResponse, error) {
	resp, err := e.PostExecPipelineEndpoint(ctx, in)
	if err != nil {
		return nil, err
	}
	switch v := resp.(type) {
	case *ExecPipelineResponse:
		return v, nil
	case ur:
		if err := v.GetErr(); err != nil {
			return nil, err
		}
		if data, ok := v.GetData().(*ExecPipelineResponse); ok {
			return data, nil
		}
	}
	return nil, nil
}

type ur interface {
	GetErr() error
	GetData() interface{}
}

type universalResponse struct {
	Err  error       `json:"err,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func (u universalResponse) GetErr() error {
	return u.Err
}

func (u universalResponse) GetData() interface{} {
	return u.Data
}
