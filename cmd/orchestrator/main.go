// Command orchestrator is the thin composition root: it wires the
// Orchestrator, Coordinator, Error Core, Task Queue, Token/Cost Store,
// Workspace Isolation Manager, and optional Evaluator into one running
// process and drives startup/shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/agent"
	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/channel"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/coordinator"
	"github.com/basket/go-claw/internal/errorcore"
	"github.com/basket/go-claw/internal/evaluator"
	"github.com/basket/go-claw/internal/orchestrator"
	otelx "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/policy"
	"github.com/basket/go-claw/internal/protocol"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/runtime"
	"github.com/basket/go-claw/internal/telemetry"
	"github.com/basket/go-claw/internal/tokenstore"
	"github.com/basket/go-claw/internal/worker"
	"github.com/basket/go-claw/internal/workspace"
	"gopkg.in/yaml.v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.5-dev"

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (defaults to built-in Config if unset or missing)")
	homeFlag := flag.String("home", "", "data directory for logs, audit trail, and bootstrapped policy.yaml (default: $AGENTMESH_HOME or ~/.agentmesh)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := resolveHomeDir(*homeFlag)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir)

	otelProvider, err := otelx.Init(ctx, otelConfigFromEnv())
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.NewWithLogger(logger)

	q, err := openQueue(cfg)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}
	defer q.Close()

	var tokenStore *tokenstore.Store
	if cfg.Store.TokenStorePath != "" {
		tokenStore, err = tokenstore.OpenSQLite(cfg.Store.TokenStorePath)
		if err != nil {
			fatalStartup(logger, "E_TOKENSTORE_OPEN", err)
		}
		defer tokenStore.Close()
	}

	pol, polPath := bootstrapPolicy(cfg, homeDir, logger)
	go watchPolicyReloadSignal(ctx, pol, polPath, logger)

	errCore := errorcore.New(errorcore.Config{Bus: eventBus, Logger: logger})

	rt := runtime.New(cfg.Container.Runtime)

	if cfg.Workspace.Isolated {
		catalog, err := workspace.LoadCatalog(cfg.Workspace.CatalogPath, logger)
		if err != nil {
			fatalStartup(logger, "E_CATALOG_LOAD", err)
		}
		go func() {
			if err := catalog.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("environment catalog watcher stopped", "error", err)
			}
		}()
		manager := workspace.New(rt, catalog, workspace.Config{
			WorkspaceRoot: cfg.Workspace.Root,
			MaxAge:        24 * time.Hour,
			Logger:        logger,
		})
		go manager.RunGCLoop(ctx, time.Hour)
		logger.Info("workspace isolation manager started", "catalog", cfg.Workspace.CatalogPath)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(homeDir, "goclaw.sock")
	}

	factory := buildAgentFactory(cfg, rt, homeDir, logger, eventBus, socketPath)

	coord := coordinator.New(logger).WithBus(eventBus).WithErrorCore(errCore)

	var eval orchestrator.Evaluator
	if cfg.Evaluation.Enabled {
		if fe := buildEvaluator(cfg, logger); fe != nil {
			eval = fe
		}
	}

	o := orchestrator.New(orchestrator.Config{
		NumAgents:   cfg.NumAgents,
		MaxWorkers:  cfg.MaxWorkers,
		TaskTimeout: time.Duration(cfg.TaskTimeout) * time.Second,
		SocketPath:  socketPath,
		Bus:         eventBus,
		Metrics:     metrics,
		Coordinator: coord,
		Evaluator:   eval,
		TokenStore:  tokenStore,
		ErrorCore:   errCore,
		Logger:      logger,
	}, q)

	if err := o.Start(ctx, factory); err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_START", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Shutdown(shutdownCtx, 5*time.Second); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// openQueue selects the Task Queue backend: SQLite when Store.QueuePath is
// set, otherwise the in-memory backend.
func openQueue(cfg config.Config) (queue.Queue, error) {
	if cfg.Store.QueuePath == "" {
		return queue.NewMemory(), nil
	}
	return queue.OpenSQLite(cfg.Store.QueuePath)
}

// bootstrapPolicy writes a default policy.yaml if none exists at the
// configured (or home-dir-relative) path, then loads it into a LivePolicy.
func bootstrapPolicy(cfg config.Config, homeDir string, logger *slog.Logger) (*policy.LivePolicy, string) {
	path := cfg.Security.PolicyPath
	if path == "" {
		path = filepath.Join(homeDir, "policy.yaml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, mErr := yaml.Marshal(policy.Default())
		if mErr == nil {
			if wErr := os.WriteFile(path, data, 0o644); wErr != nil {
				logger.Warn("failed to bootstrap default policy.yaml", "path", path, "error", wErr)
			} else {
				logger.Info("policy.yaml bootstrapped with defaults", "path", path)
			}
		}
	}
	polData, err := policy.Load(path)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	return policy.NewLivePolicy(polData, path), path
}

// watchPolicyReloadSignal reloads the live policy from disk on SIGHUP. The
// config package owns no file watcher of its own (see internal/config); a
// signal-triggered reload is the policy surface's one hot-reload path.
func watchPolicyReloadSignal(ctx context.Context, pol *policy.LivePolicy, path string, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if err := policy.ReloadFromFile(pol, path); err != nil {
				logger.Error("policy reload rejected; retaining previous policy", "error", err)
			} else {
				logger.Info("policy reloaded", "path", path, "policy_version", pol.PolicyVersion())
			}
		}
	}
}

// agentProtocolPollInterval is how often each agent's Protocol endpoint
// drains its Channel for inbound frames.
const agentProtocolPollInterval = 200 * time.Millisecond

// buildAgentFactory returns an AgentFactory building one container + worker
// process + Agent per call, configured from cfg.Container. Each agent also
// dials socketPath as a Framed Channel client and attaches a Messaging
// Protocol endpoint over it, so task_request messages addressed to the
// agent's ID can reach it the same way the Orchestrator's server Channel
// accepts the connection.
func buildAgentFactory(cfg config.Config, rt *runtime.Runtime, homeDir string, logger *slog.Logger, eventBus *bus.Bus, socketPath string) orchestrator.AgentFactory {
	return func(ctx context.Context, id string) (*agent.Agent, error) {
		agentLogger := logger.With("agent_id", id)
		workspaceDir := filepath.Join(homeDir, "workspaces", id)
		w := worker.New(rt, worker.Config{
			ContainerName: id,
			Image:         cfg.Container.Image,
			WorkspaceDir:  workspaceDir,
			WorkerBinary:  cfg.Container.WorkerBinary,
			Limits: runtime.Limits{
				MemoryMB: cfg.Container.MemoryMB,
				CPUs:     cfg.Container.CPUs,
			},
		}, agentLogger)
		a := agent.New(id, w, workspaceDir, agentLogger)

		ch := channel.New(agentLogger)
		if err := ch.Connect(socketPath); err != nil {
			return nil, fmt.Errorf("agent %s: connect channel: %w", id, err)
		}
		proto := protocol.New(id, ch, agentLogger).WithBus(eventBus)
		a.WithProtocol(proto)

		if err := a.Start(ctx); err != nil {
			_ = ch.Close()
			return nil, err
		}

		stop := make(chan struct{})
		go proto.Pump(stop, ch, agentProtocolPollInterval)
		go func() {
			<-ctx.Done()
			close(stop)
			_ = ch.Close()
		}()

		return a, nil
	}
}

// buildEvaluator assembles a FailoverEvaluator from whichever judge API
// keys are present in the environment, preferring the Anthropic model
// named in cfg.Evaluation. Returns nil (no evaluator) if neither key is
// set, since Evaluate is a fire-and-forget hook the Orchestrator treats as
// entirely optional.
func buildEvaluator(cfg config.Config, logger *slog.Logger) *evaluator.FailoverEvaluator {
	var candidates []evaluator.Client
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := cfg.Evaluation.AnthropicModel
		if model == "" {
			model = "claude-3-7-sonnet-20250219"
		}
		candidates = append(candidates, evaluator.NewAnthropicJudge(key, model))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := cfg.Evaluation.OpenAIModel
		if model == "" {
			model = "gpt-4o-mini"
		}
		candidates = append(candidates, evaluator.NewOpenAIJudge(key, model))
	}
	if len(candidates) == 0 {
		logger.Warn("evaluation enabled but no judge API key found (ANTHROPIC_API_KEY/OPENAI_API_KEY); evaluator disabled")
		return nil
	}
	return evaluator.NewFailoverEvaluator(logger, candidates...)
}

// otelConfigFromEnv builds the OTel Config from environment variables,
// since the Orchestrator's own Config carries no telemetry sub-struct —
// tracing/metrics export is ambient process configuration, not a domain
// concern the orchestrator's startup config needs to own.
func otelConfigFromEnv() otelx.Config {
	enabled, _ := strconv.ParseBool(os.Getenv("AGENTMESH_OTEL_ENABLED"))
	sampleRate := 1.0
	if raw := os.Getenv("AGENTMESH_OTEL_SAMPLE_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			sampleRate = v
		}
	}
	serviceName := os.Getenv("AGENTMESH_OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = otelx.TracerName
	}
	return otelx.Config{
		Enabled:     enabled,
		Exporter:    os.Getenv("AGENTMESH_OTEL_EXPORTER"),
		Endpoint:    os.Getenv("AGENTMESH_OTEL_ENDPOINT"),
		ServiceName: serviceName,
		SampleRate:  sampleRate,
	}
}

// resolveHomeDir picks, in order: an explicit -home flag, $AGENTMESH_HOME,
// or ~/.agentmesh.
func resolveHomeDir(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if env := os.Getenv("AGENTMESH_HOME"); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentmesh")
	}
	return ".agentmesh"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
