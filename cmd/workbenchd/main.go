// Command workbenchd is the composition-root entrypoint for the
// multi-tenant isolation kernel: it loads Config from the environment
// and runs the wired service until an interrupt or terminate signal.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/benchkit/workbench/lib/config"
	"github.com/benchkit/workbench/lib/service"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("workbenchd: %s", trace.DebugReport(err))
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	log := logrus.WithField(trace.Component, "workbenchd")
	log.WithField("mode", cfg.DeploymentMode).Info("starting workbenchd")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := service.New(ctx, cfg, service.Dependencies{Log: log})
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

	return trace.Wrap(svc.Run(ctx))
}
