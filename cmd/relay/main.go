package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/common"
	"github.com/relay-ci/relay/internal/service"
	"github.com/relay-ci/relay/pkg/helper/logger"
)

var configPath string

func main() {
	flag.StringVar(&configPath, "c", "./config.yaml", "-c config path")
	flag.Parse()

	conf, err := common.GetConfig(configPath)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	log := logger.NewLogger(conf.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := service.NewServer(ctx,
		service.WithLogger(log),
		service.WithConfig(conf),
	)
	if err != nil {
		level.Error(log).Log("message", err.Error())
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: apis.NewHTTPHandler(svc, log),
	}

	go func() {
		<-ctx.Done()
		level.Info(log).Log("message", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Second*5,
		)
		defer cancel()
		server.Shutdown(shutdownCtx) // nolint: errcheck
	}()

	level.Info(log).Log("message", "Starting...", "port", conf.Port)
	err = server.ListenAndServe()
	if err != http.ErrServerClosed {
		level.Error(log).Log("message", err.Error())
	}
}
