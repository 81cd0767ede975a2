package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"vawter.tech/stopper"

	"github.com/rustyeddy/termfleet/api"
	"github.com/rustyeddy/termfleet/config"
	"github.com/rustyeddy/termfleet/events"
	"github.com/rustyeddy/termfleet/health"
	"github.com/rustyeddy/termfleet/journal"
	"github.com/rustyeddy/termfleet/lifecycle"
	"github.com/rustyeddy/termfleet/registry"
	"github.com/rustyeddy/termfleet/signalbox"
	"github.com/rustyeddy/termfleet/supervisor"
	"github.com/rustyeddy/termfleet/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: the operator HTTP API, the webhook endpoint and
the process supervisor.

Accounts a previous run left running are marked offline on boot. With
--autostart every offline account is opened once the server is up.

Example:
  termfleet serve -c termfleet.yaml --autostart`,
	RunE: runServe,
}

var serveAutostart bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "open every offline account after boot")
}

func openRegistry(cfg config.RegistryConfig) (registry.Registry, error) {
	if cfg.Driver == "memory" {
		return registry.NewMemory(), nil
	}
	return registry.NewSQL(cfg.Driver, cfg.DSN)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Components outlive the signal context so shutdown can still record
	// outcomes after it fires.
	base := context.WithoutCancel(ctx)

	reg, err := openRegistry(cfg.Registry)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	timing, err := cfg.Terminal.Durations()
	if err != nil {
		return err
	}

	pubs := events.NewMulti(log, events.NewLog(log))
	var hub *events.Hub
	if cfg.Events.WebSocket {
		hub = events.NewHub(log)
		pubs.Add(hub)
	}
	if rc := cfg.Events.Redis; rc.Enabled {
		rp, err := events.NewRedis(ctx, events.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Channel:  rc.Channel,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rp.Close() }()
		pubs.Add(rp)
		log.Info("publishing events to redis", slog.String("addr", rc.Addr), slog.String("channel", rc.Channel))
	}

	var jr *journal.SQLite
	if cfg.Events.Journal != "" {
		if jr, err = journal.NewSQLite(cfg.Events.Journal); err != nil {
			return err
		}
		defer func() { _ = jr.Close() }()
		pubs.Add(jr)
	}

	box := signalbox.New(cfg.Terminal.WorkRoot)
	watcher, err := signalbox.NewWatcher(box, pubs, log)
	if err != nil {
		return fmt.Errorf("inbox watcher: %w", err)
	}
	wctx := stopper.WithContext(base)
	wctx.Go(watcher.Run)

	sup := supervisor.New(base, supervisor.Config{
		Binary:       cfg.Terminal.Binary,
		Args:         cfg.Terminal.Args,
		Env:          cfg.Terminal.Env,
		WorkRoot:     cfg.Terminal.WorkRoot,
		StartupGrace: timing.StartupGrace,
		GracePeriod:  timing.GracePeriod,
		KillWait:     timing.KillWait,
		InboxDir:     box.Dir,
	}, supervisor.WithLogger(log))

	mgr := lifecycle.New(base, reg, sup,
		lifecycle.WithLogger(log),
		lifecycle.WithPublisher(pubs),
		lifecycle.WithInbox(watcher),
		lifecycle.WithSpawnTimeout(timing.SpawnTimeout),
	)
	if _, err := mgr.Reconcile(ctx); err != nil {
		return err
	}

	if cfg.Webhook.Token == "" {
		log.Warn("webhook token is not set; every signal will be rejected")
	}
	router := webhook.NewRouter(cfg.Webhook.Token, mgr, box,
		webhook.WithLogger(log),
		webhook.WithPublisher(pubs),
	)

	opts := []api.Option{
		api.WithLogger(log),
		api.WithWebhook(cfg.Webhook.PathPrefix, router.Handler(webhook.HandlerOptions{
			TokenHeader: cfg.Webhook.TokenHeader,
			MaxBody:     cfg.Webhook.MaxBody,
		})),
	}
	if hub != nil {
		opts = append(opts, api.WithEvents(hub))
	}
	if jr != nil {
		opts = append(opts, api.WithHistory(jr))
	}
	srv := api.New(mgr, health.NewReporter(time.Now(), box.Pending), opts...)

	readTimeout, writeTimeout, err := cfg.Server.Timeouts()
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()
	log.Info("termfleet listening",
		slog.String("addr", cfg.Server.Listen),
		slog.String("webhook", cfg.Webhook.PathPrefix),
		slog.String("registry", cfg.Registry.Driver),
	)

	if serveAutostart {
		n, err := mgr.OpenAll(ctx)
		if err != nil {
			log.Error("autostart", slog.Any("error", err))
		}
		log.Info("autostart", slog.Int("accounts", n))
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Enough for every terminal to use its grace period and the kill wait.
	shutdownCtx, cancel := context.WithTimeout(base, timing.GracePeriod+timing.KillWait+5*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("error", err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("lifecycle shutdown", slog.Any("error", err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("supervisor shutdown", slog.Any("error", err))
	}
	wctx.Stop(100 * time.Millisecond)
	_ = wctx.Wait()

	log.Info("termfleet stopped")
	return serveErr
}
