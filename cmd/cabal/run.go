package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/persistence"
	"github.com/moltenlabs/cabal/config"
	"github.com/moltenlabs/cabal/internal/metrics"
	"github.com/moltenlabs/cabal/internal/server"
	"github.com/moltenlabs/cabal/internal/telemetry"
	"github.com/moltenlabs/cabal/types"
)

// =============================================================================
// 🖥️ run
// =============================================================================

type runOptions struct {
	scenarioPath string
	configPath   string
	metricsAddr  string
}

func runCommand(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var opts runOptions
	fs.StringVar(&opts.scenarioPath, "scenario", "", "Path to scenario file")
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /tree on this address")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if opts.scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "run: -scenario is required")
		return exitError
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return exitError
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	sc, err := loadScenario(opts.scenarioPath)
	if err != nil {
		logger.Error("failed to load scenario", zap.Error(err))
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := runScenario(ctx, cfg, sc, opts, stdout, logger)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return exitError
	}
	return code
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runScenario drives one tree to its terminal event, writing every event
// to out. interrupt sends Cancel to the root rather than tearing the tree
// down, so the run still ends with a terminal event.
func runScenario(interrupt context.Context, cfg *config.Config, sc *Scenario, opts runOptions, out io.Writer, logger *zap.Logger) (int, error) {
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return exitError, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	store, err := persistence.NewCheckpointStore(cfg.Persistence, logger)
	if err != nil {
		return exitError, fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close checkpoint store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	var recorder metrics.Recorder = metrics.NewCollectorWithRegisterer(cfg.Metrics.Namespace, reg, logger)
	if providers.Enabled() {
		otelRecorder, err := metrics.NewOTelRecorder(providers.Meter(agent.TracerName))
		if err != nil {
			return exitError, fmt.Errorf("create otel instruments: %w", err)
		}
		recorder = metrics.Tee{recorder, otelRecorder}
	}

	options := []agent.Option{
		agent.WithLogger(logger),
		agent.WithPlanner(sc.Planner()),
		agent.WithToolRunner(sc.ToolRunner(logger)),
		agent.WithCheckpointer(persistence.NewHook(store, logger)),
		agent.WithMetrics(recorder),
		agent.WithTracer(providers.Tracer(agent.TracerName)),
	}
	if sc.SessionID != "" {
		options = append(options, agent.WithSessionID(types.SessionID(sc.SessionID)))
	}

	o, ctrl, err := agent.New(cfg.Orchestrator.AgentConfig(), options...)
	if err != nil {
		return exitError, err
	}

	addr := opts.metricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Server.Addr
	}
	if addr != "" {
		srvCfg := cfg.Metrics.Server
		srvCfg.Addr = addr
		ops := server.New(srvCfg, server.NewOpsHandler(server.OpsOptions{
			Gatherer: reg,
			Checks:   map[string]server.HealthCheck{"checkpoint_store": store.Ping},
			Tree:     func() any { return o.Tree() },
		}), logger)
		if _, err := ops.Listen(); err != nil {
			return exitError, err
		}
		defer func() { _ = ops.Close(context.Background()) }()
	}

	// runCtx is only cancelled if the tree outlives the cancel grace after
	// an interrupt.
	runCtx, hardStop := context.WithCancel(context.Background())
	defer hardStop()
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()

	if err := ctrl.Send(runCtx, agent.NewUserInput(sc.Task)); err != nil {
		hardStop()
		<-done
		return exitError, fmt.Errorf("send task: %w", err)
	}

	var cancelAfter <-chan time.Time
	if sc.CancelAfter > 0 {
		t := time.NewTimer(sc.CancelAfter)
		defer t.Stop()
		cancelAfter = t.C
	}

	events := make(chan agent.Event)
	recvErr := make(chan error, 1)
	go func() {
		for {
			ev, err := ctrl.Recv(runCtx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case events <- ev:
			case <-runCtx.Done():
				return
			}
			if ev.IsTerminal() && ev.Agent() == ctrl.AgentID() {
				return
			}
		}
	}()

	enc := newEventWriter(out)
	interrupted := interrupt.Done()
	var deadline <-chan time.Time
	var terminal agent.Event

	for terminal == nil {
		select {
		case ev := <-events:
			if err := enc.write(ev); err != nil {
				logger.Warn("failed to write event", zap.Error(err))
			}
			if ev.IsTerminal() && ev.Agent() == ctrl.AgentID() {
				terminal = ev
			}
		case err := <-recvErr:
			hardStop()
			<-done
			return exitError, fmt.Errorf("root conduit closed: %w", err)
		case <-cancelAfter:
			cancelAfter = nil
			logger.Info("cancelling run", zap.Duration("after", sc.CancelAfter))
			deadline = sendCancel(runCtx, ctrl, "scenario cancel_after", cfg, logger)
		case <-interrupted:
			interrupted = nil
			logger.Info("interrupt received, cancelling run")
			deadline = sendCancel(runCtx, ctrl, "interrupted", cfg, logger)
		case <-deadline:
			logger.Error("tree did not settle after cancel, stopping")
			hardStop()
			<-done
			return exitError, errors.New("tree did not settle after cancel")
		}
	}

	if err := <-done; err != nil {
		return exitError, err
	}

	logger.Info("run finished",
		zap.String("session_id", string(o.SessionID())),
		zap.String("outcome", string(terminal.Type())),
	)
	if _, ok := terminal.(agent.TaskComplete); ok {
		return exitOK, nil
	}
	return exitFailed, nil
}

// sendCancel sends Cancel to the root and returns a deadline one grace
// beyond the global cancel bound.
func sendCancel(ctx context.Context, ctrl *agent.GoblinChannel, reason string, cfg *config.Config, logger *zap.Logger) <-chan time.Time {
	if err := ctrl.Send(ctx, agent.NewCancel(reason)); err != nil {
		logger.Warn("failed to send cancel", zap.Error(err))
	}
	o := cfg.Orchestrator
	bound := o.GracePeriod * time.Duration(max(o.MaxDepth, 1)+1)
	return time.After(bound)
}

// =============================================================================
// ✅ validate
// =============================================================================

func validateCommand(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	scenarioPath := fs.String("scenario", "", "Path to scenario file")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if _, err := loadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return exitError
	}
	if *scenarioPath != "" {
		if _, err := loadScenario(*scenarioPath); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid scenario: %v\n", err)
			return exitError
		}
	}

	fmt.Fprintln(stdout, "OK")
	return exitOK
}
