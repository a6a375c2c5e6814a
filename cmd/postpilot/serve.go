package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"postpilot/internal/accounts"
	"postpilot/internal/async"
	"postpilot/internal/browser"
	"postpilot/internal/config"
	"postpilot/internal/custodian"
	"postpilot/internal/logging"
	"postpilot/internal/login"
	"postpilot/internal/message"
	"postpilot/internal/metrics"
	"postpilot/internal/monitor"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/scheduler"
	"postpilot/internal/scriptplugin"
	"postpilot/internal/server"
	"postpilot/internal/store"
	"postpilot/internal/store/postgres"
	"postpilot/internal/upload"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the HTTP server and every background component: the Chrome tab
broker, script plugins, the message sync scheduler, the tab custodian and the
login record janitor. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().String("host", "", "Listen host (overrides config)")
	cmd.Flags().Int("port", 0, "Listen port (overrides config)")
	cmd.Flags().Bool("debug", false, "Debug logging and gin debug mode")
	cmd.Flags().Bool("headless", false, "Run Chrome headless")
	return cmd
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("debug") {
		cfg.Server.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("headless") {
		cfg.Browser.Headless, _ = flags.GetBool("headless")
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	if !cfg.Server.Debug {
		logging.Base().SetLevel(logging.LevelInfo)
	}
	log := logging.NewComponentLogger("Main")
	log.Info("postpilot %s starting (commit %s)", Version, GitCommit)

	m := metrics.Default()

	var (
		accountStore store.AccountStore
		messageStore store.MessageStore
		recordStore  store.PublishRecordStore
	)
	if cfg.Database.DSN != "" {
		dbpool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer dbpool.Close()

		pgAccounts, err := postgres.NewAccounts(dbpool)
		if err != nil {
			return err
		}
		pgMessages, err := postgres.NewMessages(dbpool)
		if err != nil {
			return err
		}
		pgRecords, err := postgres.NewPublishRecords(dbpool)
		if err != nil {
			return err
		}
		if err := postgres.EnsureSchemas(context.Background(), pgAccounts, pgMessages, pgRecords); err != nil {
			return fmt.Errorf("ensure schemas: %w", err)
		}
		accountStore, messageStore, recordStore = pgAccounts, pgMessages, pgRecords
		log.Info("persistence: postgres")
	} else {
		accountStore = store.NewMemoryAccounts()
		messageStore = store.NewMemoryMessages()
		recordStore = store.NewMemoryPublishRecords()
		log.Info("persistence: in-memory (database.dsn is empty)")
	}

	broker := browser.NewChrome(browser.Config{
		CDPURL:       cfg.Browser.RemoteURL,
		ChromePath:   cfg.Browser.ChromePath,
		Headless:     cfg.Browser.Headless,
		UserDataDir:  cfg.Browser.UserDataDir,
		EvalTimeout:  cfg.Browser.EvalTimeout,
		ProbeTimeout: cfg.Browser.ProbeTimeout,
	}, logging.NewComponentLogger("Browser"))
	defer func() {
		if err := broker.Close(); err != nil {
			log.Warn("browser close: %v", err)
		}
	}()

	bus := monitor.NewBus()
	registry := plugin.NewRegistry(logging.NewComponentLogger("Plugins"))

	manifests, err := scriptplugin.LoadDir(cfg.Plugins.ManifestDir, logging.NewComponentLogger("Plugins"))
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		log.Warn("no platform manifests under %s, every operation will report the platform as unavailable", cfg.Plugins.ManifestDir)
	}
	bundles := scriptplugin.Bundles(manifests, scriptplugin.Deps{
		Broker: broker,
		Sink:   bus,
		Logger: logging.NewComponentLogger("ScriptPlugin"),
	})
	if err := registry.RegisterBundles(bundles...); err != nil {
		return err
	}

	cust := custodian.New(broker, registry, custodian.Config{
		HealthInterval:   cfg.Custodian.HealthInterval,
		MaxRetries:       cfg.Custodian.MaxRetries,
		RecreateCooldown: cfg.Custodian.RecreateCooldown,
		ReadyTimeout:     cfg.Custodian.ReadyTimeout,
		ReadyPoll:        cfg.Custodian.ReadyPoll,
		ProbeErrorDelay:  cfg.Custodian.ProbeErrorDelay,
		ProbeTimeout:     cfg.Custodian.ProbeTimeout,
	}, logging.NewComponentLogger("Custodian"), m, nil)

	// The scheduler fires syncs through the message service, and the service
	// registers tasks back on the scheduler. Break the cycle with a late-bound
	// closure over svc.
	var svc *message.Service
	sched := scheduler.New(cust, func(ctx context.Context, p platform.Platform, accountID, tabID string, opts scheduler.SyncOptions) (*plugin.SyncResult, error) {
		return svc.SyncTab(ctx, p, accountID, tabID, opts.FullSync)
	}, scheduler.Config{
		TickInterval:         cfg.Scheduler.TickInterval,
		DefaultSyncInterval:  cfg.Scheduler.DefaultSyncInterval,
		MaxConcurrent:        cfg.Scheduler.MaxConcurrent,
		GateRetryDelay:       cfg.Scheduler.GateRetryDelay,
		BackoffMultiplier:    cfg.Scheduler.BackoffMultiplier,
		MaxBackoff:           cfg.Scheduler.MaxBackoff,
		MaxConsecutiveErrors: cfg.Scheduler.MaxConsecutiveErrors,
		StopDrainTimeout:     cfg.Scheduler.StopDrainTimeout,
	}, logging.NewComponentLogger("Scheduler"), m, nil)
	svc = message.New(registry, cust, messageStore, accountStore, sched, message.Config{
		SyncConcurrency: cfg.Monitor.SyncConcurrency,
		SyncTimeout:     cfg.Monitor.SyncTimeout,
	}, logging.NewComponentLogger("Messages"), m, nil)

	orch := monitor.New(registry, cust, svc, svc, monitor.Config{
		SyncConcurrency: cfg.Monitor.SyncConcurrency,
		SyncTimeout:     cfg.Monitor.SyncTimeout,
		StartGap:        cfg.Monitor.StartGap,
	}, logging.NewComponentLogger("Monitor"), nil)

	logins := login.New(broker, registry, accountStore, sched, login.Config{
		CookieDir:      cfg.Paths.CookieDir,
		ProcessTimeout: cfg.Login.ProcessTimeout,
		RecordTTL:      cfg.Login.RecordTTL,
		BatchGap:       cfg.Login.BatchGap,
		BatchWait:      cfg.Login.BatchWait,
		BatchPoll:      cfg.Login.BatchPoll,
	}, logging.NewComponentLogger("Login"), m, nil)
	janitor, err := login.NewJanitor(logins, cfg.Login.JanitorSchedule, logging.NewComponentLogger("Login"))
	if err != nil {
		return fmt.Errorf("login janitor: %w", err)
	}

	uploads := upload.New(broker, registry, recordStore, upload.Config{
		PublishTimeout: cfg.Upload.PublishTimeout,
		BatchGap:       cfg.Upload.BatchGap,
	}, logging.NewComponentLogger("Upload"), m, nil)

	validator := accounts.NewValidator(broker, registry, accountStore, accounts.Config{}, logging.NewComponentLogger("Validator"), nil)

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Debug:        cfg.Server.Debug,
		AllowOrigins: cfg.Server.AllowOrigins,
		AvatarDir:    cfg.Paths.AvatarDir,
		VideoDir:     cfg.Paths.VideoDir,
	}, server.Deps{
		Monitor:   orch,
		Events:    bus,
		Messages:  svc,
		Uploads:   uploads,
		Logins:    logins,
		Validator: validator,
		Scheduler: sched,
		Accounts:  accountStore,
		Tabs:      cust,
	}, logging.NewComponentLogger("HTTP"))

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := sched.Start(runCtx); err != nil {
		return err
	}
	janitor.Start()

	serverErr := make(chan error, 1)
	async.Go(log, "http-server", func() {
		serverErr <- srv.Start()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("received %s, shutting down", sig)
	case err := <-serverErr:
		runErr = err
		log.Error("http server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	if stopped := orch.StopAll(shutdownCtx); stopped > 0 {
		log.Info("stopped %d monitors", stopped)
	}
	sched.Stop()
	janitor.Stop()
	logins.Close()
	cust.Shutdown(shutdownCtx)

	log.Info("postpilot stopped")
	return runErr
}
