package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/cli/config"
	httpctrl "github.com/secmon-lab/pushblaster/pkg/controller/http"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/service/worker"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var addr string
	var instanceID string
	var shutdownTimeout time.Duration
	var repoCfg config.Repository
	var policyCfg config.Policy
	var deliveryCfg config.Delivery
	var alertCfg config.Alert
	var audienceCfg config.Audience

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("PUSHBLASTER_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "instance-id",
			Usage:       "Identifier of this process in execution ownership records (random when empty)",
			Sources:     cli.EnvVars("PUSHBLASTER_INSTANCE_ID"),
			Destination: &instanceID,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "Grace period for in-flight requests and sequences on shutdown",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("PUSHBLASTER_SHUTDOWN_TIMEOUT"),
			Destination: &shutdownTimeout,
		},
	}

	flags = append(flags, repoCfg.Flags()...)
	flags = append(flags, policyCfg.Flags()...)
	flags = append(flags, deliveryCfg.Flags()...)
	flags = append(flags, alertCfg.Flags()...)
	flags = append(flags, audienceCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server and the automation scheduler",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.Default()
			logger.Info("Serve configuration",
				"addr", addr,
				"repository", repoCfg,
				"delivery", deliveryCfg,
				"alert", alertCfg,
				"audience", audienceCfg,
				"policy", policyCfg.Path(),
			)

			policy, err := policyCfg.Load()
			if err != nil {
				return goerr.Wrap(err, "failed to load policy")
			}

			repo, err := repoCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize repository")
			}
			defer func() {
				if err := repo.Close(); err != nil {
					logger.Error("failed to close repository", "error", err.Error())
				}
			}()

			deliverer, closeDelivery, err := deliveryCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to configure delivery")
			}
			defer closeDelivery()

			alerter, err := alertCfg.Configure()
			if err != nil {
				return err
			}

			sources, closeAudience, err := audienceCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to configure audience sources")
			}
			defer closeAudience()

			ucOpts := []usecase.Option{
				usecase.WithDeliverer(deliverer),
				usecase.WithAudienceSource(sources),
				usecase.WithAlerter(alerter),
				usecase.WithSafeguardPolicy(policy.SafeguardPolicy()),
			}
			if instanceID != "" {
				ucOpts = append(ucOpts, usecase.WithInstanceID(types.InstanceID(instanceID)))
			}
			ucOpts = append(ucOpts, deliveryCfg.UseCaseOptions()...)
			ucOpts = append(ucOpts, audienceCfg.UseCaseOptions()...)
			uc := usecase.New(repo, ucOpts...)

			// the watcher seeds the rules itself on start
			if policyCfg.Watch() {
				watcher := worker.NewPolicyWatcher(repo.CadenceRule(), policyCfg.Path(),
					worker.WithPolicyHandler(uc.Safeguard.SetPolicy))
				if err := watcher.Start(ctx); err != nil {
					return goerr.Wrap(err, "failed to start policy watcher")
				}
				defer watcher.Stop()
			} else if rules := policy.Rules(); len(rules) > 0 {
				if err := repo.CadenceRule().Upsert(ctx, rules); err != nil {
					return goerr.Wrap(err, "failed to seed cadence rules")
				}
			}

			restored, err := uc.Engine.Restore(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to restore schedules")
			}
			logger.Info("Scheduler ready", "timers", restored.AfterRestore)

			server := &http.Server{
				Addr:              addr,
				Handler:           httpctrl.New(uc, httpctrl.WithSentry(sentry.CurrentHub().Client() != nil)),
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			var serveErr error
			select {
			case serveErr = <-errCh:
			case sig := <-sigCh:
				logger.Info("Received shutdown signal", "signal", sig)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown server gracefully", "error", err.Error())
			}
			if err := uc.Engine.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to stop running sequences", "error", err.Error())
			}

			logger.Info("Server shutdown completed")
			return serveErr
		},
	}
}
