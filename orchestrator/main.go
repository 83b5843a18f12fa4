package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/allocator"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/approval"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/auth"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/calendar"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/config"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/configcache"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/fsm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/idempotency"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/reqnum"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/scheduler"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/webhook"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared Redis client when configured. Locks, number counters, and
	// allocation cursors all ride on the same connection pool; without it
	// each concern falls back to its in-memory twin for single-node runs.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	}

	var lockBackend locks.Backend
	var numberProps reqnum.PropertyStore
	var cursors allocator.CursorStore
	if rdb != nil {
		lockBackend = locks.NewRedisBackend(rdb)
		numberProps = reqnum.NewRedisProperties(rdb)
		cursors = allocator.NewRedisCursors(rdb)
	} else {
		lockBackend = locks.NewMemoryBackend()
		numberProps = reqnum.NewMemoryProperties()
		cursors = allocator.NewMemoryCursors()
	}

	var backend tabular.Backend
	if cfg.DatabaseURL != "" {
		pg, err := tabular.NewPostgresBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unreachable")
		}
		defer pg.Close()
		backend = pg
		log.Info().Msg("postgres connected")
	} else {
		backend = tabular.NewMemoryBackend()
		log.Warn().Msg("no DATABASE_URL, tables are in-memory and volatile")
	}

	lockCfg := locks.DefaultConfig()
	lockCfg.DefaultMaxWait = cfg.LockMaxWait
	lm := locks.NewManager(lockBackend, lockCfg, log)
	janitor := locks.NewJanitor(lockBackend, lm.StaleThreshold(), cfg.JanitorInterval, log)

	store := rowstore.New(backend, lm, mdm.ColRequestNumber, log)
	if err := ensureTables(ctx, store, cfg.MasterTables); err != nil {
		log.Fatal().Err(err).Msg("table bootstrap failed")
	}

	clock := calendar.NewClock(nil)
	if cfg.HolidayFile != "" {
		holidays, err := calendar.NewFileHolidays(cfg.HolidayFile, log)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.HolidayFile).Msg("holiday file invalid")
		}
		go holidays.Run(ctx, time.Hour)
		clock = calendar.NewClock(holidays)
	}

	// The in-process document store stands in for the spreadsheet platform;
	// swapping in a remote client only changes this constructor.
	docs := attachment.NewMemStore()

	var sender notify.Sender
	if cfg.NotifyEndpoint != "" {
		sender = notify.NewHTTPSender(cfg.NotifyEndpoint, log)
	} else {
		sender = notify.NewLogSender(log)
		log.Warn().Msg("no NOTIFY_ENDPOINT, notifications go to the log")
	}
	sender = notify.NewRetrier(sender, 3, 2*time.Second, log)
	sender = notify.NewBreaker(sender, notify.NewLogSender(log), 5, time.Minute, log)

	cache := configcache.New(store, log)
	workload := allocator.NewWorkload(store, lm, log)
	alloc := allocator.New(cache, workload, cursors, cfg.DefaultAgent, log)
	numbers := reqnum.New(numberProps, store, lm, log)
	approvals := approval.NewSyncer(docs, cache, log)
	events := timeline.NewStore()
	profiles := mdm.DefaultProfiles()

	engine := fsm.New(fsm.Deps{
		Store:             store,
		Locks:             lm,
		Config:            cache,
		Approvals:         approvals,
		Allocator:         alloc,
		Workload:          workload,
		Numbers:           numbers,
		Clock:             clock,
		Docs:              docs,
		Sender:            sender,
		Events:            events,
		Profiles:          profiles,
		Log:               log,
		DefaultDepartment: cfg.DefaultDepartment,
		ExpiredDayLimit:   cfg.ExpiredDayLimit,
	})

	sched := scheduler.New(engine, store, workload, scheduler.Config{
		Tables:        cfg.MasterTables,
		Interval:      cfg.SweepInterval,
		Budget:        cfg.SweepBudget,
		ResubmitAfter: cfg.ResubmitAfter,
	}, log)

	hub := NewHub(events.Watch(256), log)
	dash := NewDashboardService(store, workload, sched, events, hub, lm, cfg.MasterTables)

	tokens, err := auth.NewTokens(cfg.AuthSecret, 24*time.Hour, log)
	if err != nil {
		log.Fatal().Err(err).Msg("auth setup failed")
	}
	verifier, err := webhook.NewVerifier(cfg.WebhookPublicKey, cfg.WebhookPublicKey != "")
	if err != nil {
		log.Fatal().Err(err).Msg("webhook key invalid")
	}
	replay := idempotency.NewCache(time.Hour)

	api := NewAPI(APIConfig{
		Engine:       engine,
		Store:        store,
		Workload:     workload,
		Events:       events,
		Dashboard:    dash,
		Hub:          hub,
		Tokens:       tokens,
		Verifier:     verifier,
		Replay:       replay,
		Profiles:     profiles,
		MasterTables: cfg.MasterTables,
		RatePerSec:   cfg.RateLimitPerSec,
		RateBurst:    cfg.RateLimitBurst,
		Log:          log,
	})

	go janitor.Run(ctx)
	go sched.Run(ctx)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Strs("tables", cfg.MasterTables).
		Bool("redis", rdb != nil).
		Bool("postgres", cfg.DatabaseURL != "").
		Bool("webhook_verification", verifier.Enabled()).
		Msg("orchestrator listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("orchestrator stopped")
}

// ensureTables creates the master, agent, tracker, and configuration tables
// with their canonical headers when they do not exist yet.
func ensureTables(ctx context.Context, store *rowstore.Store, masterTables []string) error {
	for _, table := range masterTables {
		if err := store.EnsureTable(ctx, table, mdm.Columns()); err != nil {
			return err
		}
	}
	fixed := []struct {
		name    string
		headers []string
	}{
		{mdm.TableAgents, mdm.AgentColumns()},
		{mdm.TableTracker, mdm.TrackerColumns()},
		{mdm.TableApprovers, []string{
			mdm.ColBusinessUnit, mdm.ColDepartment, mdm.ColRequestType,
			configcache.ColLevel, configcache.ColApprovers,
		}},
		{mdm.TableBaseline, []string{
			mdm.ColRequestType, configcache.ColTaskRange,
			configcache.ColSeconds, configcache.ColPerTask,
		}},
		{mdm.TableDistribution, []string{mdm.ColRequestType, configcache.ColAgents}},
		{mdm.TableAllocation, []string{
			mdm.ColBusinessUnit, mdm.ColRequestType, mdm.ColDepartment,
			configcache.ColPrimary, configcache.ColBackup, configcache.ColBackup2,
		}},
		{mdm.TablePriority, []string{configcache.ColOperation, configcache.ColPriority}},
	}
	for _, t := range fixed {
		if err := store.EnsureTable(ctx, t.name, t.headers); err != nil {
			return err
		}
	}
	return nil
}
