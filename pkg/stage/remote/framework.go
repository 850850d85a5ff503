// Package remote lets a stage capability be served by an out-of-process
// runner. The framework half hosts an executor behind HTTP; the client half
// makes a remote runner look like any other stage executor.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/relay-ci/relay/pkg/stage"
)

type EndPoints struct {
	DoEndpoint endpoint.Endpoint
}

func NewEndPoints(s stage.Interface) EndPoints {
	return EndPoints{
		DoEndpoint: func(ctx context.Context, request interface{}) (interface{}, error) {
			req := request.(*stage.Request)
			return s.Do(ctx, req)
		},
	}
}

func NewHTTPHandler(s stage.Interface, logger log.Logger) http.Handler {
	r := mux.NewRouter()
	e := NewEndPoints(s)

	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(func(_ context.Context, err error, w http.ResponseWriter) {
			if err == nil {
				panic("encodeError with nil error")
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": err.Error(),
			})
		}),
	}

	r.Methods("POST").Path("/api/v1/do").Handler(httptransport.NewServer(
		e.DoEndpoint,
		func(ctx context.Context, r *http.Request) (interface{}, error) {
			var req *stage.Request
			if e := json.NewDecoder(r.Body).Decode(&req); e != nil {
				return nil, e
			}
			return req, nil
		},
		func(ctx context.Context, w http.ResponseWriter, response interface{}) error {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			return json.NewEncoder(w).Encode(response)
		},
		options...,
	))

	return r
}

// Main runs a stage executor as a standalone HTTP service until interrupt.
func Main(logger log.Logger, addr string) func(ctx context.Context, s stage.Interface) error {
	return func(ctx context.Context, s stage.Interface) error {
		server := &http.Server{
			Addr:    addr,
			Handler: NewHTTPHandler(s, logger),
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			level.Info(logger).Log("message", "Shutting down")
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*5,
			)
			defer cancel()
			server.Shutdown(shutdownCtx) // nolint: errcheck
		}()

		level.Info(logger).Log("message", "Starting...", "addr", addr)

		err := server.ListenAndServe()
		if err != http.ErrServerClosed {
			level.Error(logger).Log("message", err.Error())
			return err
		}
		return nil
	}
}
