package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stoik/content-inspection/internal/adapters/httpapi"
	"github.com/stoik/content-inspection/internal/adapters/storage"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/logging"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP submission and query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pg, isPostgres := st.(*storage.PostgresStore)
			if migrate && isPostgres {
				if err := pg.Migrate(ctx); err != nil {
					return err
				}
				logging.Info().Msg("database migrations applied")
			}

			dets, refresher, err := buildDetectors(ctx, cfg)
			if err != nil {
				return err
			}
			if refresher != nil {
				go refresher.Run(ctx)
			}

			opts, cleanup, err := serviceOptions(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			inspections, err := newInspectionService(st, dets, cfg, opts...)
			if err != nil {
				return err
			}
			principals := application.NewPrincipalService(st, cfg.Auth.AdminEmails)

			if cfg.Auth.JWTSecret == "" {
				logging.Warn().Msg("auth.jwt_secret is empty; every API request will be rejected")
			}
			var webhooks *httpapi.WebhookVerifier
			if cfg.Auth.WebhookSecret != "" {
				if webhooks, err = httpapi.NewWebhookVerifier(cfg.Auth.WebhookSecret); err != nil {
					return err
				}
			}

			apiOpts := httpapi.Options{
				MaxUploadSize:  cfg.Server.MaxUploadSize,
				RateLimit:      cfg.Server.RateLimit,
				RequestTimeout: cfg.Server.RequestTimeout,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}
			if isPostgres {
				apiOpts.Ready = pg.Ping
			}

			api, err := httpapi.NewServer(
				inspections,
				principals,
				httpapi.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
				webhooks,
				apiOpts,
			)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.Routes(),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Info().Str("addr", srv.Addr).Str("version", version).Msg("inspector listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
			}

			logging.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before serving")
	return cmd
}
