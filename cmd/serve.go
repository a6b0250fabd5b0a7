package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/adapters/email"
	"github.com/nextlevelbuilder/agenthub/internal/adapters/telegram"
	"github.com/nextlevelbuilder/agenthub/internal/adapters/telegramuser"
	"github.com/nextlevelbuilder/agenthub/internal/adapters/whatsapp"
	"github.com/nextlevelbuilder/agenthub/internal/agent"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/crypto"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/gateway"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
	"github.com/nextlevelbuilder/agenthub/internal/httpapi"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/ratelimit"
	"github.com/nextlevelbuilder/agenthub/internal/router"
	"github.com/nextlevelbuilder/agenthub/internal/scheduler"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/internal/tracing"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub: agents, flows, and both listening surfaces",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// logLevel backs the default logger so a config reload can retune
// verbosity without a restart.
var logLevel = new(slog.LevelVar)

func slogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServe() {
	if err := serve(); err != nil {
		slog.Error("serve.failed", "error", err)
		os.Exit(1)
	}
}

// registryBridge forwards the executor's outbound traffic to the agent
// registry. The registry needs the executor at construction and the
// executor needs the registry; the bridge carries the late binding.
type registryBridge struct {
	reg *agent.Registry
}

func (b *registryBridge) Send(ctx context.Context, agentID string, cmd bus.SendCommand) (*bus.SendResult, error) {
	return b.reg.Send(ctx, agentID, cmd)
}

func (b *registryBridge) CallAgent(ctx context.Context, fromAgent, tenant, target, flowName string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return b.reg.CallAgent(ctx, fromAgent, tenant, target, flowName, payload, timeout)
}

func serve() error {
	logLevel.Set(slog.LevelInfo)
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
	log := slog.Default()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	production := os.Getenv("AGENTHUB_ENV") == "production"
	if err := cfg.Validate(production); err != nil {
		return err
	}
	if !verbose {
		logLevel.Set(slogLevel(cfg.LogLevel))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("serve.tracing_flush_failed", "error", err)
		}
	}()

	// Storage. SQLite needs its parent directory; Postgres DSNs pass
	// through untouched.
	dbPath := config.ExpandHome(cfg.Database.Path)
	dialect := store.DialectSQLite
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		dialect = store.DialectPostgres
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("database dir: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	st := store.New(db)

	// A persisted failover table outlives restarts and overrides the
	// file's table. On first boot the file's table is written through so
	// later PUT /ai/failover edits share one source of truth.
	if table, err := st.LoadFailover(ctx); err != nil {
		log.Warn("serve.failover_load_failed", "error", err)
	} else if len(table) > 0 {
		cfg.SetFailover(table)
	} else {
		for tier, chain := range cfg.AI.Failover {
			if err := st.SaveFailover(ctx, tier, chain); err != nil {
				log.Warn("serve.failover_seed_failed", "tier", tier, "error", err)
			}
		}
	}

	// Credential sealing. No key leaves artifacts in the clear, which
	// Validate already rejected for production.
	var sealer *crypto.Sealer
	if key := cfg.Sessions.EncryptionKey; key != "" {
		sealer, err = crypto.NewSealer(key)
		if err != nil {
			return err
		}
	}
	sess, err := sessions.NewStore(config.ExpandHome(cfg.Sessions.RootPath), sealer)
	if err != nil {
		return err
	}

	cache, err := media.NewCache(
		config.ExpandHome(cfg.Media.RootPath),
		time.Duration(cfg.Media.TTLSeconds)*time.Second,
		cfg.Media.MaxBytesPerAgent,
		st,
	)
	if err != nil {
		return err
	}

	var bridge *hub.RedisBridge
	var rdb *redis.Client
	if url := cfg.RedisURL(); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		bridge = hub.NewRedisBridge(rdb)
	}

	// The hub needs the registry's snapshot and the registry needs the
	// hub; the closure breaks the cycle.
	var reg *agent.Registry
	hubOpts := hub.Options{
		Snapshot: func(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error) {
			return reg.Snapshot(ctx, tenant, filters)
		},
	}
	if bridge != nil {
		hubOpts.Redis = bridge
	}
	h := hub.New(hubOpts)
	defer h.Close()

	sw := swarm.New()

	matcher := flow.NewMatcher(st)
	if err := matcher.Reload(ctx); err != nil {
		return fmt.Errorf("load flows: %w", err)
	}

	limiter, err := ratelimit.New(cfg, log)
	if err != nil {
		return err
	}
	defer limiter.Close()

	rt, err := router.New(router.Deps{
		Config:  cfg,
		Store:   st,
		Limiter: limiter,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	rb := &registryBridge{}
	exec := flow.NewExecutor(flow.Deps{
		Store:  st,
		Sender: rb,
		AI:     rt,
		Swarm:  rb,
		Media:  cache,
		Flows:  matcher,
		Logger: log,
	}, flowLimits(cfg.Flows))

	areg := adapters.NewRegistry()
	areg.Register(bus.PlatformWhatsApp, whatsapp.New)
	areg.Register(bus.PlatformTelegramBot, telegram.New)
	areg.Register(bus.PlatformTelegramUser, telegramuser.New)
	areg.Register(bus.PlatformEmail, email.New)

	reg = agent.NewRegistry(agent.Deps{
		Store:    st,
		Hub:      h,
		Swarm:    sw,
		Media:    cache,
		Sessions: sess,
		Matcher:  matcher,
		Executor: exec,
		Adapters: areg,
		Agents:   cfg.Agents,
		Logger:   log,
	})
	rb.reg = reg
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Store:  st,
		Waker:  exec,
		Logger: log,
	})
	exec.SetSuspendNotifier(sched.Notify)
	syncCron := func() {
		sched.SetCronJobs(cronJobs(ctx, st, matcher, exec, log))
	}
	syncCron()

	api := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Store:        st,
		Registry:     reg,
		Matcher:      matcher,
		Executor:     exec,
		Router:       rt,
		Limiter:      limiter,
		Logger:       log,
		FlowsChanged: syncCron,
	})
	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Hub:      h,
		Registry: reg,
		Logger:   log,
	})

	// Hot-reload subset: log level, failover table, provider profiles.
	// Everything else needs a restart.
	err = config.Watch(ctx, cfgPath, func(next *config.Config) {
		if !verbose {
			logLevel.Set(slogLevel(next.LogLevel))
		}
		cfg.SetFailover(next.AI.Failover)
		if err := rt.Reload(); err != nil {
			log.Warn("serve.router_reload_failed", "error", err)
		}
	})
	if err != nil {
		log.Warn("serve.config_watch_unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return api.Start(gctx) })
	g.Go(func() error { return canceled(sched.Run(gctx)) })
	g.Go(func() error { return canceled(cache.Run(gctx)) })
	g.Go(func() error { return canceled(rt.Run(gctx)) })
	if bridge != nil {
		g.Go(func() error { return canceled(bridge.Run(gctx, h)) })
	}

	log.Info("serve.started",
		"version", Version,
		"api_port", cfg.Server.APIPort,
		"ws_port", cfg.Server.WSPort,
		"database", dialect,
		"agents", reg.Count(),
	)

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.Shutdown(drainCtx)
	log.Info("serve.stopped")
	return canceled(err)
}

// flowLimits maps the configured bounds onto executor limits, keeping
// defaults for anything unset.
func flowLimits(fc config.FlowsConfig) flow.Limits {
	l := flow.DefaultLimits()
	if fc.ExecutionTimeoutMs > 0 {
		l.ExecutionTimeout = time.Duration(fc.ExecutionTimeoutMs) * time.Millisecond
	}
	if fc.MaxNodes > 0 {
		l.MaxNodes = fc.MaxNodes
	}
	if fc.MaxLoopIterations > 0 {
		l.MaxLoopIterations = fc.MaxLoopIterations
	}
	if fc.MaxConcurrentPerAgent > 0 {
		l.MaxConcurrent = int64(fc.MaxConcurrentPerAgent)
	}
	return l
}

// cronJobs builds scheduler entries from the active schedule-triggered
// flows. Tenant comes off the owning agent's record; a flow whose agent
// is gone is skipped until the next resync.
func cronJobs(ctx context.Context, st *store.Store, matcher *flow.Matcher, exec *flow.Executor, log *slog.Logger) []scheduler.CronJob {
	flows := matcher.ScheduleFlows()
	jobs := make([]scheduler.CronJob, 0, len(flows))
	for _, f := range flows {
		rec, err := st.GetAgentByID(ctx, f.AgentID)
		if err != nil {
			log.Warn("serve.cron_agent_missing", "flow", f.Name, "agent", f.AgentID, "error", err)
			continue
		}
		tenant := rec.Tenant
		jobs = append(jobs, scheduler.CronJob{
			Key:  f.AgentID + "/" + f.FlowID,
			Expr: f.Trigger.Cron,
			Fire: func(fctx context.Context) {
				if _, err := exec.Launch(fctx, f, tenant, flow.TriggerEvent{Kind: flow.TriggerSchedule}); err != nil {
					log.Warn("serve.cron_launch_failed", "flow", f.Name, "agent", f.AgentID, "error", err)
				}
			},
		})
	}
	return jobs
}

// canceled maps a clean context cancellation onto a nil exit.
func canceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
