package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

const headerRequestID = "X-Request-Id"

func NewHTTPHandler(s Service, logger log.Logger) http.Handler {
	r := gin.Default()
	r.Use(requestID())
	e := NewServerEndpoints(s)

	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}

	{
		group := r.Group("/api/v1")

		group.POST("/pipeline", gin.WrapH(httptransport.NewServer(
			e.PostSavePipelineEndpoint,
			reqJSON(func() interface{} { return &SavePipeline{} }),
			responseJSON,
			options...,
		)))

		group.POST("/pipeline/:name/exec", func(c *gin.Context) {
			name := c.Param("name")
			httptransport.NewServer(
				e.PostExecPipelineEndpoint,
				func(ctx context.Context, r *http.Request) (interface{}, error) {
					req := &ExecPipeline{}
					if err := json.NewDecoder(r.Body).Decode(req); err != nil && err.Error() != "EOF" {
						return nil, err
					}
					req.Name = name
					return req, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.GET("/pipelineRun/:id", func(c *gin.Context) {
			id, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil {
				c.AbortWithStatus(http.StatusBadRequest)
				return
			}
			httptransport.NewServer(
				e.GetPipelineRunEndpoint,
				func(ctx context.Context, r *http.Request) (interface{}, error) {
					return &GetPipelineRun{ID: id}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.POST("/pipelineRun/:id/exec", runAction(e.PostExecPipelineRunEndpoint, options,
			func(id int64) interface{} { return &ExecPipelineRun{ID: id} }))

		group.POST("/pipelineRun/:id/abort", runAction(e.PostAbortPipelineRunEndpoint, options,
			func(id int64) interface{} { return &AbortPipelineRun{ID: id} }))

		group.POST("/webhook/source", gin.WrapH(httptransport.NewServer(
			e.PostPushWebhookEndpoint,
			reqJSON(func() interface{} { return &PushEvent{} }),
			responseJSON,
			options...,
		)))

		group.POST("/webhook/verdict", gin.WrapH(httptransport.NewServer(
			e.PostVerdictWebhookEndpoint,
			reqJSON(func() interface{} { return &Verdict{} }),
			responseJSON,
			options...,
		)))
	}

	return r
}

// requestID echoes the caller's request id or mints one, so a run can be
// traced back to the webhook delivery that started it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

func runAction(ep func(ctx context.Context, request interface{}) (interface{}, error),
	options []httptransport.ServerOption,
	makeReq func(id int64) interface{}) gin.HandlerFunc {

	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		httptransport.NewServer(
			ep,
			func(ctx context.Context, r *http.Request) (interface{}, error) {
				return makeReq(id), nil
			},
			responseJSON,
			options...,
		).ServeHTTP(c.Writer, c.Request)
	}
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}

	var ce *errors.Error
	if errors.As(err, &ce) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(ce.Code)
		if ce.Message != nil {
			w.Write([]byte(ce.Message.JSON()))
		}
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func responseJSON(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if ur, ok := response.(ur); ok {
		if err := ur.GetErr(); err != nil {
			encodeError(ctx, err, w)
			return nil
		}
		return json.NewEncoder(w).Encode(ur.GetData())
	}
	return json.NewEncoder(w).Encode(response)
}

func reqJSON(newReq func() interface{}) httptransport.DecodeRequestFunc {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		v := newReq()
		if e := json.NewDecoder(r.Body).Decode(v); e != nil {
			return nil, e
		}
		return v, nil
	}
}
