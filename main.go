package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kinvest.ai/cloud/handlers"
	"kinvest.ai/cloud/internal/billing"
	"kinvest.ai/cloud/internal/config"
	"kinvest.ai/cloud/internal/email"
	"kinvest.ai/cloud/internal/identity"
	"kinvest.ai/cloud/internal/logger"
	"kinvest.ai/cloud/internal/metrics"
	"kinvest.ai/cloud/internal/payments"
	"kinvest.ai/cloud/internal/ratelimit"
	"kinvest.ai/cloud/internal/version"
	"kinvest.ai/cloud/storage"
)

// app is the wired object graph shared by both subcommands.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    storage.Storage
	payments *payments.Client
	metrics  *metrics.Metrics
	webhooks *billing.WebhookProcessor
	sync     *billing.SyncJob
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	stripeClient := payments.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	identityClient, err := identity.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, log)
	if err != nil {
		closeStorage(log, store)
		return nil, fmt.Errorf("identity client: %w", err)
	}

	var opts []billing.ReconcilerOption
	if cfg.EmailEnabled() {
		opts = append(opts, billing.WithWelcomer(
			email.NewWelcomer(cfg.ResendAPIKey, cfg.EmailFrom, cfg.MagicLinkRedirectURL, identityClient, log)))
	} else {
		log.Info("RESEND_API_KEY not set, welcome emails disabled")
	}

	m := metrics.New()
	reconciler := billing.NewReconciler(store, stripeClient, identityClient, log, opts...)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		payments: stripeClient,
		metrics:  m,
		webhooks: billing.NewWebhookProcessor(store, reconciler, stripeClient, m, log),
		sync:     billing.NewSyncJob(store, reconciler, stripeClient, m, log),
	}, nil
}

func (a *app) Close() {
	closeStorage(a.log, a.store)
}

func closeStorage(log *zap.Logger, store storage.Storage) {
	if err := store.Close(); err != nil {
		log.Warn("failed to close storage", zap.Error(err))
	}
}

func main() {
	version.LoadFile("VERSION")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kinvest-cloud: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	serveRun := func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, envFile, serve)
	}

	root := &cobra.Command{
		Use:           "kinvest-cloud",
		Short:         "Keeps Supabase profiles in step with Stripe subscriptions",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveRun,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load when present")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE:  serveRun,
	}

	var cleanup bool
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one Stripe reconciliation pass and print the summary",
		Long: `Walks every Stripe customer once and rewrites the matching profiles.

Meant for an external scheduler, every 6 hours:
  kinvest-cloud sync --cleanup`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, envFile, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("cleanup") {
					a.cfg.SyncCleanup = cleanup
				}
				return runSync(ctx, a, cmd.OutOrStdout())
			})
		},
	}
	syncCmd.Flags().BoolVar(&cleanup, "cleanup", false, "cancel profiles whose Stripe customer is gone (default from SYNC_CLEANUP)")

	root.AddCommand(serveCmd, syncCmd)
	return root
}

// withApp loads configuration, wires the application and runs fn until it
// returns or the process is signalled.
func withApp(cmd *cobra.Command, envFile string, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          version.Version,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Error("sentry init failed", zap.Error(err))
		return err
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		log.Error("exiting with error", zap.String("command", cmd.Name()), zap.Error(err))
		sentry.CaptureException(err)
		return err
	}
	return nil
}

func serve(ctx context.Context, a *app) error {
	server := handlers.NewServer(a.cfg, handlers.Dependencies{
		Storage:  a.store,
		Verifier: a.payments,
		Webhooks: a.webhooks,
		Syncer:   a.sync,
		Metrics:  a.metrics,
		Limiter:  ratelimit.New(10, time.Minute),
		Logger:   a.log,
	})

	httpServer := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.SyncTimeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Kinvest Cloud API starting",
			zap.String("version", version.Version),
			zap.String("port", a.cfg.Port),
			zap.String("environment", a.cfg.Environment))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runSync performs one reconciliation pass, for schedulers that run the
// binary instead of calling the HTTP endpoint.
func runSync(ctx context.Context, a *app, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SyncTimeout)
	defer cancel()

	result, err := a.sync.Run(ctx, billing.SyncOptions{Cleanup: a.cfg.SyncCleanup, PageSize: a.cfg.SyncPageSize})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
