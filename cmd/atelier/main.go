package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/observer"
	"github.com/atelierhq/atelier/provider/resolve"
	pgstore "github.com/atelierhq/atelier/store/postgres"
	"github.com/atelierhq/atelier/store/sqlite"
	buildtool "github.com/atelierhq/atelier/tools/build"
	filetool "github.com/atelierhq/atelier/tools/file"
	gittool "github.com/atelierhq/atelier/tools/git"
	memtool "github.com/atelierhq/atelier/tools/memory"
	missiontool "github.com/atelierhq/atelier/tools/mission"
)

// usageRelay defers the usage sink binding: the gateway is built before the
// supervisor that consumes its events.
type usageRelay struct {
	sink atelier.UsageSink
}

func (r *usageRelay) EmitUsage(ctx context.Context, ev atelier.UsageEvent) {
	if r.sink != nil {
		r.sink.EmitUsage(ctx, ev)
	}
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("ATELIER_CONFIG"))

	// 2. Open store
	var st atelier.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		st = pgstore.New(pool, pgstore.WithLogger(logger))
	default:
		st = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := st.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer st.Close()

	// 3. Observability (optional)
	var inst *observer.Instruments
	pricing := make(map[string]atelier.ModelPricing, len(cfg.Observer.Pricing))
	for model, p := range cfg.Observer.Pricing {
		pricing[model] = atelier.ModelPricing{InputPerMTok: p.Input, OutputPerMTok: p.Output}
	}
	costs := observer.NewCostCalculator(pricing)
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, costs.Pricing())
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 4. Providers
	var providers []atelier.Provider
	for _, pc := range cfg.Providers {
		p, err := resolve.Provider(resolve.Config{
			Provider:      pc.Provider,
			APIKey:        pc.APIKey,
			BaseURL:       pc.BaseURL,
			RPM:           pc.RPM,
			TPM:           pc.TPM,
			MaxContext:    pc.MaxContext,
			NoTemperature: pc.NoTemperature,
		})
		if err != nil {
			log.Fatalf("provider %s: %v", pc.Provider, err)
		}
		if inst != nil {
			p = observer.WrapProvider(p, inst)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		log.Fatal("no providers configured")
	}

	// 5. Gateway
	relay := &usageRelay{}
	gwOpts := []atelier.GatewayOption{
		atelier.WithPricing(costs.Pricing()),
		atelier.WithUsageSink(relay),
		atelier.WithGatewayLogger(logger),
	}
	if len(cfg.Gateway.Chain) > 0 {
		gwOpts = append(gwOpts, atelier.WithFallbackChain(cfg.Gateway.Chain...))
	}
	if cfg.Gateway.CooldownSeconds > 0 {
		gwOpts = append(gwOpts, atelier.WithCooldown(time.Duration(cfg.Gateway.CooldownSeconds)*time.Second))
	}
	gateway := atelier.NewGateway(providers, gwOpts...)

	// 6. Bus, memory, tools
	var busOpts []atelier.BusOption
	busOpts = append(busOpts, atelier.WithBusLogger(logger))
	if cfg.Bus.MailboxCapacity > 0 {
		busOpts = append(busOpts, atelier.WithMailboxCapacity(cfg.Bus.MailboxCapacity))
	}
	bus := atelier.NewBus(st, busOpts...)
	memory := atelier.NewMemory(st, atelier.WithMemoryLogger(logger))

	registry := atelier.NewRegistry(st, st,
		atelier.WithQuotas(cfg.Tools.CallQuota, cfg.Tools.WriteQuota),
		atelier.WithToolTimeouts(
			time.Duration(cfg.Tools.ExecTimeoutMS)*time.Millisecond,
			time.Duration(cfg.Tools.CallTimeoutMS)*time.Millisecond),
		atelier.WithRegistryLogger(logger))

	projectRef := func(ctx context.Context, runID string) (string, error) {
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		return run.ProjectRef, nil
	}
	defs := filetool.Tools()
	defs = append(defs, gittool.Tools()...)
	defs = append(defs, buildtool.Tools(cfg.Tools.BuildCmd, cfg.Tools.TestCmd)...)
	defs = append(defs, memtool.Tools(memory, st, projectRef)...)
	if inst != nil {
		defs = observer.WrapTools(defs, inst)
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			log.Fatalf("register %s: %v", def.ID, err)
		}
	}

	// 7. Executor, engine, supervisor
	executor := atelier.NewExecutor(
		atelier.WithMaxRounds(cfg.Engine.MaxRounds),
		atelier.WithExecutorLogger(logger))

	engOpts := []atelier.EngineOption{atelier.WithEngineLogger(logger)}
	if cfg.Engine.PhaseTimeoutMinutes > 0 {
		engOpts = append(engOpts, atelier.WithPhaseTimeout(time.Duration(cfg.Engine.PhaseTimeoutMinutes)*time.Minute))
	}
	if inst != nil {
		engOpts = append(engOpts, atelier.WithPhaseHook(inst.PhaseHook()))
	}
	engine := atelier.NewEngine(st, bus, memory, registry, gateway, executor, engOpts...)

	supOpts := []atelier.SupervisorOption{
		atelier.WithWorkspaceRoot(cfg.Workspace.Root),
		atelier.WithSupervisorLogger(logger),
	}
	if cfg.Bus.RetentionDays != 0 {
		supOpts = append(supOpts, atelier.WithRetention(time.Duration(cfg.Bus.RetentionDays)*24*time.Hour))
	}
	if inst != nil {
		supOpts = append(supOpts, atelier.WithRunHook(inst.RunHook()))
	}
	supervisor := atelier.NewSupervisor(st, bus, memory, registry, gateway, engine, supOpts...)
	relay.sink = supervisor

	// Mission-control tools close over the supervisor, so they register last.
	missionDefs := missiontool.Tools(supervisor, memory)
	if inst != nil {
		missionDefs = observer.WrapTools(missionDefs, inst)
	}
	for _, def := range missionDefs {
		if err := registry.Register(def); err != nil {
			log.Fatalf("register %s: %v", def.ID, err)
		}
	}

	// 8. Adopt runs interrupted by the previous process
	if err := supervisor.ResumeScan(ctx); err != nil {
		logger.Warn("resume scan", "error", err)
	}

	// 9. Run until signalled
	logger.Info("atelier started", "database", cfg.Database.Driver, "providers", len(providers))
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	supervisor.Shutdown()
}
