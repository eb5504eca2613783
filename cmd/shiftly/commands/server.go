package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/shiftly/am"
	"github.com/teranos/shiftly/directory"
	"github.com/teranos/shiftly/dispatch"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/logger"
	"github.com/teranos/shiftly/notify"
	"github.com/teranos/shiftly/pulse/sweep"
	"github.com/teranos/shiftly/pulse/timer"
	"github.com/teranos/shiftly/server"
)

// ServerCmd starts the shiftly API server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the shiftly API server",
	Long: `Start the HTTP API and websocket notifications, recover pending timers,
and run the supervisory sweep. Dispatch settings in the active config file
are re-applied when it changes.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
	serverSeed   string
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", -1, "Listen port (overrides config, 0 picks a free port)")
	ServerCmd.Flags().StringVar(&serverSeed, "seed", "", "Directory seed file (overrides config)")
}

// app is the fully wired service.
type app struct {
	engine     *instant.Engine
	dispatcher *dispatch.Dispatcher
	timers     *timer.Scheduler
	hub        *notify.Hub
	sweeper    *sweep.Ticker
	directory  *directory.Registry
	server     *server.Server
}

// newApp wires every component over database. Nothing runs until start.
func newApp(ctx context.Context, cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*app, error) {
	dir := directory.NewRegistry()
	if cfg.Directory.SeedFile != "" {
		n, err := dir.LoadSeedFile(cfg.Directory.SeedFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load directory seed")
		}
		log.Infow("Directory seeded", "users", n, "file", cfg.Directory.SeedFile)
	}
	applyBans(dir, cfg.Directory.Banned, log)

	hub := notify.NewHub(log, notify.WithAllowedOrigins(cfg.GetServerAllowedOrigins()))
	timers := timer.NewScheduler(log)
	store := instant.NewStore()

	disp, err := dispatch.New(database, store, dir, cfg.DispatchTuning(), log, dispatch.WithPublisher(hub))
	if err != nil {
		hub.Close()
		timers.Stop()
		return nil, err
	}

	engine, err := instant.NewEngine(database, instant.Deps{
		Store:      store,
		Ledger:     escrow.NewLedger(nil, log),
		Dispatcher: disp,
		Timers:     timers,
		Users:      dir,
		Locations:  dir,
		Publisher:  hub,
	}, cfg.EngineConfig(), log)
	if err != nil {
		disp.Close()
		hub.Close()
		timers.Stop()
		return nil, err
	}

	sweeper := sweep.NewTickerWithContext(ctx, database, store, engine, disp, cfg.SweepTiming(), nil, log)

	srv, err := server.New(engine, hub, server.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
	}, log, server.WithDispatchMonitor(disp), server.WithSweeper(sweeper))
	if err != nil {
		disp.Close()
		hub.Close()
		timers.Stop()
		return nil, err
	}

	return &app{
		engine:     engine,
		dispatcher: disp,
		timers:     timers,
		hub:        hub,
		sweeper:    sweeper,
		directory:  dir,
		server:     srv,
	}, nil
}

// start re-arms timers for jobs that were mid-flight at the last shutdown,
// runs one sweep to restart their wave loops and then starts the ticker.
func (a *app) start(ctx context.Context, log *zap.SugaredLogger) error {
	n, err := a.engine.RecoverTimers(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover timers")
	}
	res := a.sweeper.Sweep(ctx)
	log.Infow("Recovered in-flight jobs",
		"timers", n,
		"expired", res.Expired,
		"dispatched", res.Dispatched,
		"auto_completed", res.AutoCompleted)
	a.sweeper.Start()
	return nil
}

// close stops background work; the caller closes the database afterwards.
func (a *app) close() {
	a.sweeper.Stop()
	a.engine.Close()
	a.timers.Stop()
	a.dispatcher.Close()
	a.hub.Close()
}

// applyReload is the config watcher callback. Dispatch tuning and the ban
// list are hot.
func (a *app) applyReload(log *zap.SugaredLogger) am.ReloadCallback {
	return func(c *am.Config) error {
		t := c.DispatchTuning()
		if err := a.dispatcher.SetTuning(t); err != nil {
			return err
		}
		log.Infow("Dispatch tuning reloaded",
			"wave_interval", t.WaveInterval,
			"wave_size", t.WaveSize,
			"max_waves", t.MaxWaves)
		applyBans(a.directory, c.Directory.Banned, log)
		return nil
	}
}

func applyBans(dir *directory.Registry, ids []string, log *zap.SugaredLogger) {
	if unknown := dir.ApplyBanList(ids); len(unknown) > 0 {
		log.Warnw("Ban list names unknown users", "users", unknown)
	}
	if len(ids) > 0 {
		log.Infow("Ban list applied", logger.FieldCount, len(ids))
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if serverPort >= 0 {
		cfg.Server.Port = serverPort
	}
	if serverSeed != "" {
		cfg.Directory.SeedFile = serverSeed
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if cfg.Log.JSON {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithVerbosity(true, max(verbosity, logger.VerbosityInfo)); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
	}
	log := logger.Logger

	database, dbPath, err := openDatabase(serverDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, database, log)
	if err != nil {
		return err
	}
	defer a.close()

	if !cfg.Log.JSON {
		printStartupBanner(cfg, dbPath, a.directory.Len())
	}

	if err := a.start(ctx, log); err != nil {
		return err
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, "error", err)
		} else {
			watcher.OnReload(a.applyReload(log))
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return errors.Wrap(err, "server failed")
	}
	pterm.Success.Println("Server stopped cleanly")
	return nil
}
