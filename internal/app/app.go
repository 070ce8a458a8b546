// Package app builds the daemon's object graph and runs it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/rouse/internal/alarms"
	"github.com/dukerupert/rouse/internal/alarmsync"
	"github.com/dukerupert/rouse/internal/config"
	"github.com/dukerupert/rouse/internal/database"
	"github.com/dukerupert/rouse/internal/delivery"
	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/host"
	"github.com/dukerupert/rouse/internal/logging"
	"github.com/dukerupert/rouse/internal/mission"
	"github.com/dukerupert/rouse/internal/push"
	"github.com/dukerupert/rouse/internal/remote"
	"github.com/dukerupert/rouse/internal/schedule"
	"github.com/dukerupert/rouse/internal/server"
	"github.com/dukerupert/rouse/internal/sound"
	"github.com/dukerupert/rouse/internal/sound/otoplayer"
	"github.com/dukerupert/rouse/internal/store"
	"github.com/dukerupert/rouse/internal/telemetry"
	ws "github.com/dukerupert/rouse/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

// App owns every long-lived component. There is exactly one of each.
type App struct {
	cfg     config.Config
	cfgPath string
	logger  *slog.Logger
	level   *slog.LevelVar

	db        *sql.DB
	telemetry *telemetry.Provider
	bus       *event.Bus
	system    *host.AlarmService
	notes     *host.NotificationCenter
	sched     *schedule.Scheduler
	sound     *sound.Controller
	remote    *remote.Client
	sync      *alarmsync.Coordinator
	alarms    *alarms.Service
	router    *delivery.Router
	fanout    *push.Fanout
	hub       *ws.Hub
	server    *server.Server
}

// New opens the database and wires the graph. cfgPath is watched for
// changes by Run; it may be empty.
func New(ctx context.Context, cfg config.Config, cfgPath string, logger *slog.Logger, level *slog.LevelVar) (*App, error) {
	if level == nil {
		level = new(slog.LevelVar)
	}
	a := &App{cfg: cfg, cfgPath: cfgPath, logger: logger, level: level}

	tel, err := telemetry.Init(ctx, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	alarmStore := store.NewAlarmStore(db)

	loc := cfg.Location()
	a.bus = event.New()
	a.system = host.NewAlarmService(a.bus, loc, logger.With("component", "system_alarms"))
	a.notes = host.NewNotificationCenter(a.bus, loc, logger.With("component", "notifications"))
	a.sched = schedule.New(a.system, a.notes, logger.With("component", "scheduler"),
		schedule.WithLocation(loc), schedule.WithMetrics(metrics))

	var backend sound.Backend = sound.SilentBackend{Dir: cfg.Sound.Dir}
	if cfg.Sound.Backend == "oto" {
		backend = otoplayer.New(cfg.Sound.Dir, logger.With("component", "audio"))
	}
	defSound := sound.Ref{Name: cfg.Sound.DefaultName, Ext: cfg.Sound.DefaultExt}
	a.sound = sound.NewController(backend, sound.Config{
		Fallback:     sound.Bundled,
		PreviewLimit: cfg.Sound.PreviewLimit,
	}, logger.With("component", "sound"))

	rcfg := remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
		Logger:  logger.With("component", "remote"),
	}
	if cfg.Remote.TokenFile != "" {
		rcfg.TokenSource = remote.FileTokenSource{Path: cfg.Remote.TokenFile}
	}
	a.remote = remote.New(rcfg)

	policy, err := alarmsync.ParseMergePolicy(cfg.Sync.MergePolicy)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.sync = alarmsync.New(alarmsync.Config{
		Remote:      a.remote,
		Store:       alarmStore,
		Scheduler:   a.sched,
		Bus:         a.bus,
		Logger:      logger.With("component", "sync"),
		Metrics:     metrics,
		Policy:      policy,
		PullTimeout: cfg.Sync.PullTimeout,
	})
	a.alarms = alarms.New(alarmStore, a.sched, a.sync, a.bus, logger.With("component", "alarms"))

	provider, checker, err := missionProviders(cfg.Mission, a.remote, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.router = delivery.New(delivery.Config{
		Alarms:       a.alarms,
		Scheduler:    a.sched,
		Player:       a.sound,
		Bus:          a.bus,
		Provider:     provider,
		Checker:      checker,
		Dismisser:    delivery.RemoteDismisser{Alarms: alarmStore, API: a.remote},
		Policy:       missionPolicy(cfg.Mission),
		DefaultSound: defSound,
		DedupeWindow: cfg.Delivery.DedupeWindow,
		Logger:       logger.With("component", "delivery"),
		Metrics:      metrics,
	})

	a.hub = ws.NewHub(logger.With("component", "websocket"))

	deps := server.Deps{
		Alarms:   a.alarms,
		NextRing: a.sched,
		Sync:     a.sync,
		Router:   a.router,
		Sound:    a.sound,
		Notes:    a.notes,
		Hub:      a.hub,
		Metrics:  a.telemetry,
		Logger:   logger,
	}
	if cfg.Push.VAPIDPublicKey != "" {
		pushStore := store.NewPushStore(db)
		pushSvc := push.NewService(push.Config{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
		})
		a.fanout = push.NewFanout(pushSvc, pushStore, a.bus, logger.With("component", "push"))
		deps.PushStore = pushStore
		deps.VAPIDKey = pushSvc.VAPIDPublicKey()
	}
	a.server = server.New(deps)

	return a, nil
}

// missionProviders picks the question source. With the remote provider a
// slow or failing fetch falls back to the offline bank.
func missionProviders(cfg config.MissionConfig, client *remote.Client, logger *slog.Logger) (mission.QuestionProvider, mission.AnswerChecker, error) {
	bank := mission.DefaultBank()
	if cfg.BankFile != "" {
		b, err := mission.LoadBank(cfg.BankFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load question bank: %w", err)
		}
		bank = b
	}
	local := mission.NewLocal(bank, uint64(time.Now().UnixNano()))
	if cfg.Provider != "remote" {
		return local, nil, nil
	}
	rp := mission.NewRemote(client)
	return mission.WithFallback(rp, local, cfg.FetchTimeout, logger.With("component", "mission")), rp, nil
}

func missionPolicy(cfg config.MissionConfig) mission.Policy {
	return mission.Policy{
		MaxAttempts:   cfg.MaxAttempts,
		FeedbackDelay: cfg.FeedbackDelay,
		FetchTimeout:  cfg.FetchTimeout,
	}
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Router()
}

// Run restores registrations, performs the first pull and serves until ctx
// is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.system.Start()
	a.notes.Start()

	if err := a.alarms.Restore(ctx); err != nil {
		if !schedule.IsFatal(err) {
			return fmt.Errorf("restore alarms: %w", err)
		}
		a.logger.Error("some alarms will not ring", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.router.Run(ctx) })
	g.Go(func() error { return a.hub.Bridge(ctx, a.bus) })
	if a.fanout != nil {
		g.Go(func() error { return a.fanout.Run(ctx) })
	}
	g.Go(func() error {
		if res, err := a.sync.Pull(ctx); err != nil {
			a.logger.Warn("initial pull failed", "error", err)
		} else if !res.Skipped {
			a.logger.Info("initial pull", "inserted", res.Inserted, "updated", res.Updated, "removed", res.Removed)
		}
		a.sync.Run(ctx, a.cfg.Sync.PullInterval)
		return nil
	})
	if a.cfgPath != "" {
		g.Go(func() error { return a.watchConfig(ctx) })
	}

	httpServer := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("listening", "addr", a.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}

// watchConfig applies the log level and mission policy when the config
// file changes. An invalid edit keeps the running configuration.
func (a *App) watchConfig(ctx context.Context) error {
	w := config.NewWatcher(a.cfgPath, a.logger.With("component", "config"))
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config reload disabled", "error", err)
		return nil
	}
	for range w.Events() {
		a.reload()
	}
	return nil
}

func (a *App) reload() {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		a.logger.Warn("config reload rejected", "error", err)
		return
	}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.router.SetPolicy(missionPolicy(cfg.Mission))
	a.logger.Info("config reloaded", "log_level", cfg.LogLevel, "max_attempts", cfg.Mission.MaxAttempts)
}

// Close stops every component and releases the database.
func (a *App) Close() error {
	a.router.Close()
	a.alarms.Wait()
	a.sound.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.system.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.notes.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
