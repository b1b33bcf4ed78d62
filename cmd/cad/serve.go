package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cadence/internal/app"
	"cadence/internal/server"
	"cadence/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the queue worker and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CADENCE_JWT_SECRET is required for bearer auth")
			}
			return runProcess(cmd.Context(), func(ctx context.Context, g *errgroup.Group, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					logger.Info("serving cadence API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if !noWorker {
					startBackground(ctx, g, a)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from cadence.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from cadence.yml)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue worker and scheduler without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), func(ctx context.Context, g *errgroup.Group, a *app.App) error {
				startBackground(ctx, g, a)
				return nil
			})
		},
	}
}

func startBackground(ctx context.Context, g *errgroup.Group, a *app.App) {
	g.Go(func() error { return a.NewWorker().Run(ctx) })
	if a.Config.Scheduler.Enabled {
		g.Go(func() error { return a.NewScheduler().Run(ctx) })
	}
}

// runProcess opens the app with tracing installed and waits for everything
// start registers until SIGINT or SIGTERM.
func runProcess(parent context.Context, start func(context.Context, *errgroup.Group, *app.App) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "cadence")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	a, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := start(gctx, g, a); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}
