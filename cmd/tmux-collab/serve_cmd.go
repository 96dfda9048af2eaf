package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tchow-twistedxcom/tmux-collab/internal/auth"
	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/config"
	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/platform"
	"github.com/tchow-twistedxcom/tmux-collab/internal/poller"
	"github.com/tchow-twistedxcom/tmux-collab/internal/statedb"
	"github.com/tchow-twistedxcom/tmux-collab/internal/telemetry"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
	"github.com/tchow-twistedxcom/tmux-collab/internal/web"
)

const (
	instanceHeartbeat = 10 * time.Second
	instanceTimeout   = 30 * time.Second
)

var (
	flagListen         string
	flagAllowAnonymous bool
	flagSocket         string
	flagStatePath      string
	flagLogLevel       string
	flagDebug          bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator: poll tmux, serve the websocket transports and the
REST API until interrupted.

Flags override the matching config.toml settings. The [[users]] table is
reloaded when config.toml changes.`,
	Example: `  tmux-collab serve
  tmux-collab serve --listen 0.0.0.0:8420 --socket /tmp/tmux-1000/default
  tmux-collab serve --allow-anonymous --state off`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address (overrides [server] listen)")
	serveCmd.Flags().BoolVar(&flagAllowAnonymous, "allow-anonymous", false, "admit unauthenticated viewers when no users are configured")
	serveCmd.Flags().StringVar(&flagSocket, "socket", "", "tmux server socket path")
	serveCmd.Flags().StringVar(&flagStatePath, "state", "", `audit database path, or "off"`)
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	serveCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging mirrored to stderr")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = flagListen
	}
	if flags.Changed("allow-anonymous") {
		cfg.Server.AllowAnonymous = flagAllowAnonymous
	}
	if flags.Changed("socket") {
		cfg.Tmux.Socket = flagSocket
	}
	if flags.Changed("state") {
		cfg.State.Path = flagStatePath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if flags.Changed("debug") && flagDebug {
		cfg.Logging.Debug = true
		cfg.Logging.Stderr = true
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(cfg.Logging)
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompCoordinator)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpOnSignal(ctx, cfg.Logging.Dir)

	telemetry.Version = Version
	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	var db *statedb.StateDB
	if !cfg.State.Disabled() && cfg.State.Path != "" {
		db, err = openState(cfg.State.Path)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.UnregisterInstance()
			_ = db.Close()
		}()
	}

	if len(cfg.Users) == 0 && !cfg.Server.AllowAnonymous {
		log.Warn("no_users_configured", slog.String("config", path))
	}
	authn := auth.NewTokenAuthenticator(cfg.Users, cfg.Server.AllowAnonymous)

	driver := tmux.NewCLI(tmux.Options{
		Binary:         cfg.Tmux.Binary,
		SocketPath:     cfg.Tmux.Socket,
		CommandTimeout: cfg.Tmux.CommandTimeout.Duration,
		Escapes:        cfg.Tmux.Escapes,
	})
	if host := platform.Detect(); !host.SupportsUnixSockets() {
		log.Warn("unix_sockets_unreliable", slog.String("platform", host.String()))
	}
	if !driver.IsAvailable(ctx) {
		log.Warn("tmux_unavailable", slog.String("binary", cfg.Tmux.Binary))
	}

	table := claims.NewTable(cfg.Coordinator.ClaimTTL.Duration)
	p := poller.New(driver, poller.Options{
		OutputInterval:        cfg.Poller.OutputInterval.Duration,
		RosterInterval:        cfg.Poller.RosterInterval.Duration,
		MaxConcurrentCaptures: cfg.Poller.MaxConcurrentCaptures,
		Metrics:               tel.Metrics,
	})
	coordOpts := coordinator.Options{
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval.Duration,
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout.Duration,
		RateLimit:         cfg.Coordinator.RateLimit,
		RateBurst:         cfg.Coordinator.RateBurst,
		Metrics:           tel.Metrics,
	}
	webCfg := web.Config{
		ListenAddr:   cfg.Server.Listen,
		Auth:         authn,
		SendQueue:    cfg.Server.SendQueue,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	if db != nil {
		coordOpts.Audit = db
		webCfg.History = db
	}
	coord := coordinator.New(driver, p, table, coordOpts)
	webCfg.Coordinator = coord
	srv := web.NewServer(webCfg)

	g, gctx := errgroup.WithContext(ctx)

	p.Start(gctx)
	g.Go(func() error {
		coord.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		p.Stop()
		return err
	})
	if watcher, err := config.NewWatcher(path, func(next *config.Config) {
		authn.Replace(next.Users)
		log.Info("users_reloaded", slog.Int("count", authn.Len()))
	}); err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	if db != nil {
		g.Go(func() error {
			maintainState(gctx, db, cfg.State.Retention.Duration)
			return nil
		})
	}

	log.Info("serving",
		slog.String("listen", cfg.Server.Listen),
		slog.Int("users", authn.Len()),
		slog.Bool("audit", db != nil))
	fmt.Fprintf(cmd.OutOrStdout(), "tmux-collab listening on %s\n", cfg.Server.Listen)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openState opens the audit database and registers this process as the
// only coordinator using it.
func openState(path string) (*statedb.StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.CleanDeadInstances(instanceTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.RegisterInstance(false); err != nil {
		_ = db.Close()
		return nil, err
	}
	primary, err := db.ElectPrimary(instanceTimeout)
	if err != nil {
		_ = db.UnregisterInstance()
		_ = db.Close()
		return nil, err
	}
	if !primary {
		_ = db.UnregisterInstance()
		_ = db.Close()
		return nil, fmt.Errorf("another coordinator is already using %s", path)
	}
	return db, nil
}

// maintainState refreshes the instance heartbeat and prunes old audit
// events until ctx is done.
func maintainState(ctx context.Context, db *statedb.StateDB, retention time.Duration) {
	log := logging.ForComponent(logging.CompState)
	ticker := time.NewTicker(instanceHeartbeat)
	defer ticker.Stop()

	prune := func() {
		n, err := db.PruneClaimEvents(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("prune_failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			log.Info("claim_events_pruned", slog.Int64("count", n))
		}
	}
	prune()

	lastPrune := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				log.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
			if time.Since(lastPrune) >= time.Hour {
				prune()
				lastPrune = time.Now()
			}
		}
	}
}

// dumpOnSignal writes the log ring buffer to dir on SIGUSR1.
func dumpOnSignal(ctx context.Context, dir string) {
	if dir == "" {
		dir = os.TempDir()
	}
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	log := logging.ForComponent(logging.CompCoordinator)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}
}
