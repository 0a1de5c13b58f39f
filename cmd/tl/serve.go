package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"trunkline/internal/app"
	"trunkline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server, the webhook dispatcher and the lease sweeper.
Bearer tokens are verified with TRUNKLINE_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					Logger:           a.Logger,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("TRUNKLINE_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				log := a.Logger.WithComponent("serve")

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger).Run(gctx)
					return nil
				})
				if sweepEvery > 0 {
					g.Go(func() error {
						ticker := time.NewTicker(sweepEvery)
						defer ticker.Stop()
						for {
							select {
							case <-gctx.Done():
								return nil
							case <-ticker.C:
							}
							if rels, err := a.Engine.SweepIdle(gctx); err != nil {
								log.Error("lease sweep failed", "error", err)
							} else if len(rels) > 0 {
								log.Info("lease sweep", "released", len(rels))
							}
						}
					})
				}
				log.Info("serving", "addr", addr, "base_path", basePath, "webhooks", len(a.Config.Webhooks))
				fmt.Printf("Serving Trunkline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default /v0)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-every", 10*time.Second, "interval between idle lease sweeps (0 disables)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
