// Command kosmosd is the process entrypoint: it wires Store, StatusBus,
// JobManager, and Scheduler behind the Execution aggregate and drives one
// named run to completion (--name, --output-dir, --max-cpus, --max-attempts,
// --restart, --skip-confirm, --default-drm, --default-queue), plus
// --recipe for declarative YAML recipes and --temporal to drive the run
// through a Temporal workflow instead of the in-process scheduler loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/kosmos-run/kosmos/internal/config"
	"github.com/kosmos-run/kosmos/internal/execution"
	"github.com/kosmos-run/kosmos/internal/jobmanager"
	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/platform/shutdown"
	"github.com/kosmos-run/kosmos/internal/recipe"
	"github.com/kosmos-run/kosmos/internal/statusbus"
	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/temporalx"
	"github.com/kosmos-run/kosmos/internal/tool"
	"github.com/kosmos-run/kosmos/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	// Process-level backstop for execution.Execution's own scope guard: if a
	// panic somehow escapes Run anyway (a bug in a Tool's Cmd, a driver
	// panic), log it and exit non-zero instead of a bare stack trace with no
	// log line attached to it.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "kosmosd: panic: %v\n", r)
			code = 1
		}
	}()

	var (
		name        = flag.String("name", "", "unique execution name")
		outputDir   = flag.String("output-dir", "", "output directory for logs and artifacts")
		maxCPUs     = flag.Int("max-cpus", 0, "global CPU budget (0 = unlimited)")
		maxAttempts = flag.Int("max-attempts", 1, "max attempts per task")
		restart     = flag.Bool("restart", false, "delete non-successful tasks from a prior attempt before running")
		skipConfirm = flag.Bool("skip-confirm", false, "skip the restart confirmation log line")
		defaultDRM  = flag.String("default-drm", "", "override KOSMOS_DEFAULT_DRM")
		_           = flag.String("default-queue", "", "accepted for CLI compatibility; the value is not used")
		recipePath  = flag.String("recipe", "", "path to a declarative YAML recipe")
		dry         = flag.Bool("dry-run", false, "validate the graph and exit without dispatching tasks")
		useTemporal = flag.Bool("temporal", false, "drive this execution through a Temporal workflow instead of the in-process scheduler loop")
	)
	flag.Parse()

	if *name == "" || *outputDir == "" {
		fmt.Fprintln(os.Stderr, "kosmosd: --name and --output-dir are required")
		return 2
	}

	log, err := logger.New(os.Getenv("KOSMOS_LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kosmosd: init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	cfg := config.Load(log)
	if *defaultDRM != "" {
		cfg.DefaultDRM = *defaultDRM
	}

	db, err := store.Open(log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Error("failed to migrate store", "error", err)
		return 1
	}
	s := store.New(db, log)

	bus := statusbus.New()
	if cfg.RedisAddr != "" {
		relay, err := statusbus.NewRedisRelay(cfg.RedisAddr, "kosmos.status", log)
		if err != nil {
			log.Warn("status bus redis relay unavailable, continuing without it", "error", err)
		} else {
			bus = statusbus.NewWithRelay(relay)
		}
	}

	tracer := tracing.Discard()
	if cfg.OTLPEndpoint == "" {
		t, shutdownFn, err := tracing.New(os.Stdout, "kosmosd")
		if err != nil {
			log.Warn("tracing disabled: failed to init stdout exporter", "error", err)
		} else {
			tracer = t
			defer shutdownFn(context.Background())
		}
	}

	var jm jobmanager.JobManager
	switch cfg.DefaultDRM {
	case "", "local":
		jm = jobmanager.NewLocal(log, tracer, 8, func(taskID uuid.UUID) {
			if err := s.Heartbeat(dbctx.Background(), taskID); err != nil {
				log.Warn("heartbeat write failed", "task_id", taskID, "error", err)
			}
		})
	default:
		log.Error("unsupported --default-drm for the local process entrypoint; lsf/sge require a DRM-specific adapter out of scope here", "drm", cfg.DefaultDRM)
		return 1
	}

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	var maxCPUsPtr *int
	if *maxCPUs > 0 {
		maxCPUsPtr = maxCPUs
	}

	ex, err := execution.Start(ctx, s, bus, jm, log, execution.StartOptions{
		Name:         *name,
		OutputDir:    *outputDir,
		MaxCPUs:      maxCPUsPtr,
		MaxAttempts:  *maxAttempts,
		Restart:      *restart,
		SkipConfirm:  *skipConfirm,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		log.Error("failed to start execution", "error", err)
		return 1
	}

	if *recipePath != "" {
		// The "Shell" tool name is handled directly by recipe.LoadFile; a
		// project embedding kosmosd as a library registers its own Tool
		// types here before loading a recipe that references them.
		registry := tool.NewRegistry()
		rcp, err := recipe.LoadFile(*recipePath, registry)
		if err != nil {
			log.Error("failed to load recipe", "error", err)
			return 1
		}
		if err := applyRecipe(ctx, ex, rcp); err != nil {
			log.Error("failed to expand recipe into the task graph", "error", err)
			return 1
		}
	}

	var ok bool
	if *useTemporal && !*dry {
		tcfg := temporalx.Config{Address: cfg.TemporalAddress, Namespace: cfg.TemporalNamespace, TaskQueue: cfg.TemporalTaskQueue}
		if tcfg.Address == "" {
			log.Error("--temporal requires KOSMOS_TEMPORAL_ADDRESS to be set")
			return 1
		}
		ok, err = ex.RunViaTemporal(ctx, tcfg)
	} else {
		ok, err = ex.Run(ctx, execution.RunOptions{Dry: *dry, SetSuccessful: true})
	}
	if err != nil {
		log.Error("execution run failed", "error", err)
		return 1
	}
	if !ok && !*dry {
		return 1
	}
	return 0
}

// applyRecipe walks the recipe's stage declarations in declaration order and
// feeds each one through Execution.Add, resolving parent Tasks from stages
// already added earlier in the same pass — the CLI's minimal driver for a
// YAML-declared recipe; Go-code callers typically drive this loop themselves
// with more control over inter-stage data flow.
func applyRecipe(ctx context.Context, ex *execution.Execution, rcp *recipe.Recipe) error {
	resolved := map[string][]*store.Task{}
	for _, decl := range rcp.Stages() {
		var parents []*store.Task
		for _, p := range decl.ParentStages {
			parents = append(parents, resolved[p]...)
		}
		tools, parentSets, err := recipe.ExpandStage(decl, parents)
		if err != nil {
			return err
		}
		tasks, err := ex.Add(ctx, decl.Name, tools, parentSets)
		if err != nil {
			return err
		}
		resolved[decl.Name] = tasks
	}
	return nil
}
