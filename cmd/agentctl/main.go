// Command agentctl is a minimal CLI driver that exercises the engine
// selection/fallback/monitoring pipeline end-to-end for manual testing.
// It implements none of the terminal UI, workflow-template parsing, or
// summary-rendering surfaces that a full orchestrator would layer on top —
// those remain external collaborators referenced only through interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codemachine/pkg/authcache"
	"codemachine/pkg/circuit"
	"codemachine/pkg/config"
	"codemachine/pkg/credstore"
	"codemachine/pkg/engine"
	"codemachine/pkg/engine/anthropic"
	"codemachine/pkg/engine/google"
	"codemachine/pkg/engine/mock"
	"codemachine/pkg/engine/ollama"
	"codemachine/pkg/engine/openai"
	"codemachine/pkg/fallback"
	"codemachine/pkg/metrics"
	"codemachine/pkg/monitor"
	"codemachine/pkg/preset"
	"codemachine/pkg/procguard"
	"codemachine/pkg/ratelimitmgr"
	"codemachine/pkg/runner"
	"codemachine/pkg/selector"
	"codemachine/pkg/store"
	"codemachine/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		handleRunCommand()
	case "list":
		handleListCommand()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "agentctl - standalone agent pipeline runner\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s run <agent-id> --prompt <text> [--workdir <dir>] [--engine <id>] [--model <name>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s list [--workdir <dir>]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags for run:\n")
	fmt.Fprintf(os.Stderr, "  --prompt string     Prompt text to send to the agent (required)\n")
	fmt.Fprintf(os.Stderr, "  --workdir string    Workspace root: logs/, rate-limits.json, registry.db, engine-config.json (default: .codemachine)\n")
	fmt.Fprintf(os.Stderr, "  --engine string      Engine override (CLI priority over preset/config)\n")
	fmt.Fprintf(os.Stderr, "  --model string       Model override\n")
	fmt.Fprintf(os.Stderr, "Environment:\n")
	fmt.Fprintf(os.Stderr, "  CODEMACHINE_ENABLE_MOCK_ENGINE   registers the in-process mock engine\n")
	fmt.Fprintf(os.Stderr, "  CODEMACHINE_DRY_RUN              skips authentication probes\n")
	fmt.Fprintf(os.Stderr, "  CODEMACHINE_LOG_LEVEL            sets the log level\n")
	fmt.Fprintf(os.Stderr, "  CODEMACHINE_AUTH_CACHE_TTL_SECONDS  overrides the auth cache TTL\n")
	fmt.Fprintf(os.Stderr, "  CODEMACHINE_CREDENTIALS_PASSWORD   encrypts credentials.json with this passphrase (plaintext store if unset)\n")
}

func handleRunCommand() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Error: expected 'run <agent-id>'\n\n")
		printUsage()
		os.Exit(1)
	}
	agentID := os.Args[2]

	var prompt, workdir, engineOverride, modelOverride string
	flagSet := flag.NewFlagSet("agentctl-run", flag.ExitOnError)
	flagSet.StringVar(&prompt, "prompt", "", "Prompt text (required)")
	flagSet.StringVar(&workdir, "workdir", ".codemachine", "Workspace root")
	flagSet.StringVar(&engineOverride, "engine", "", "Engine override")
	flagSet.StringVar(&modelOverride, "model", "", "Model override")
	flagSet.Usage = printUsage
	if err := flagSet.Parse(os.Args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if prompt == "" {
		fmt.Fprintf(os.Stderr, "Error: --prompt is required\n\n")
		printUsage()
		os.Exit(1)
	}

	pipeline, err := newPipeline(workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up pipeline: %v\n", err)
		os.Exit(1)
	}
	defer pipeline.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		termCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipeline.guard.TerminateAll(termCtx, 5*time.Second)
	}()

	if engineOverride == "" {
		if steps, err := selector.LoadStepDescriptorsFile(filepath.Join(workdir, "steps.yaml")); err == nil {
			for _, d := range steps {
				if d.AgentID == agentID && d.Engine != "" {
					engineOverride = d.Engine
					break
				}
			}
		}
	}

	res, err := pipeline.runner.ExecuteAgent(ctx, agentID, prompt, runner.Options{
		WorkDir:        workdir,
		EngineOverride: engineOverride,
		ModelOverride:  modelOverride,
		OnStdout:       func(chunk []byte) { fmt.Print(string(chunk)) },
		OnGoal:         func(goal string) { fmt.Fprintf(os.Stderr, "\n[goal] %s\n", goal) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nError: agent run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n[done] monitoring id %d\n", res.MonitoringID)
}

func handleListCommand() {
	var workdir string
	flagSet := flag.NewFlagSet("agentctl-list", flag.ExitOnError)
	flagSet.StringVar(&workdir, "workdir", ".codemachine", "Workspace root")
	flagSet.Usage = printUsage
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(workdir, "registry.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	mon := monitor.New(st, filepath.Join(workdir, "logs"))
	records, err := mon.GetAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list agents: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-6s %-20s %-10s %-20s %s\n", "ID", "NAME", "STATUS", "ENGINE", "MODEL")
	for _, r := range records {
		fmt.Printf("%-6d %-20s %-10s %-20s %s\n", r.ID, r.Name, r.Status, r.EngineID, r.Model)
	}
}

// pipeline bundles the wired collaborators one agentctl invocation needs.
type pipeline struct {
	runner *runner.Runner
	store  *store.Store
	guard  *procguard.Guard
}

// buildCredStore returns an EncryptedFileStore when
// CODEMACHINE_CREDENTIALS_PASSWORD is set, else a PlaintextFileStore rooted
// at <workdir>/credentials.json, loading whatever is already on disk.
func buildCredStore(workdir string) (credstore.CredentialStore, error) {
	path := filepath.Join(workdir, "credentials.json")
	var store credstore.CredentialStore
	if pw := os.Getenv("CODEMACHINE_CREDENTIALS_PASSWORD"); pw != "" {
		store = credstore.NewEncryptedFileStore(path, pw)
	} else {
		store = credstore.NewPlaintextFileStore(path)
	}
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load credential store: %w", err)
	}
	return store, nil
}

func newPipeline(workdir string) (*pipeline, error) {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	cfg, err := config.Load(workdir)
	if err != nil {
		return nil, fmt.Errorf("load engine-config.json: %w", err)
	}

	creds, err := buildCredStore(workdir)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(creds)
	if err != nil {
		return nil, fmt.Errorf("build engine registry: %w", err)
	}
	authes := authcache.New()
	rateMgr := ratelimitmgr.New(workdir)
	if err := rateMgr.Initialize(); err != nil {
		return nil, fmt.Errorf("load rate-limits.json: %w", err)
	}
	tierResolver := preset.NewResolver(nil)

	rec := metrics.NewRecorder()
	rateMgr.SetRecorder(rec)
	circuitMgr := circuit.NewManager(nil)
	circuitMgr.OnEvent(func(evt circuit.Event) {
		rec.SetCircuitState(evt.EngineID, evt.State == circuit.Closed, evt.State == circuit.HalfOpen, evt.State == circuit.Open)
	})
	tracer := telemetry.NewTracer()
	guard := procguard.New()

	sel := selector.New(registry, authes, tierResolver, rateMgr, func(evt selector.DecisionEvent) {
		fmt.Fprintf(os.Stderr, "[select] agent=%s engine=%s reason=%s\n", evt.AgentID, evt.Engine, evt.Reason)
	})
	fb := fallback.New(registry, authes, rateMgr, circuitMgr, rec, tracer)

	st, err := store.Open(filepath.Join(workdir, "registry.db"))
	if err != nil {
		return nil, fmt.Errorf("open registry.db: %w", err)
	}
	mon := monitor.New(st, filepath.Join(workdir, "logs"))

	if _, err := selector.LoadStepDescriptorsFile(filepath.Join(workdir, "steps.yaml")); err != nil {
		return nil, fmt.Errorf("load steps.yaml: %w", err)
	}

	configLoader := func(agentID string) (runner.AgentConfig, error) {
		ac := cfg.AgentConfigFor(agentID)
		return runner.AgentConfig{Model: ac.Model, FallbackChain: ac.FallbackChain}, nil
	}

	r := runner.New(sel, fb, mon, registry, tierResolver, filepath.Join(workdir, "logs"), configLoader, nil, tracer)
	return &pipeline{runner: r, store: st, guard: guard}, nil
}

// buildRegistry wires every real provider adapter plus the mock engine,
// which only activates when CODEMACHINE_ENABLE_MOCK_ENGINE is set. creds is
// threaded into every cloud adapter so API keys are resolved through the
// injected credential store before falling back to the environment.
func buildRegistry(creds credstore.CredentialStore) (*engine.Registry, error) {
	googleModule, err := google.New(context.Background(), creds)
	if err != nil {
		return nil, fmt.Errorf("init google engine: %w", err)
	}

	builtins := map[string]struct {
		Metadata engine.Metadata
		Loader   engine.Loader
	}{
		"anthropic-claude": {
			Metadata: engine.Metadata{ID: "anthropic-claude", DisplayName: "Anthropic Claude", Order: 1, SupportsResume: true},
			Loader:   func() (engine.Module, error) { return anthropic.New(creds), nil },
		},
		"openai-gpt": {
			Metadata: engine.Metadata{ID: "openai-gpt", DisplayName: "OpenAI GPT", DefaultModel: "gpt-5-mini", Order: 2, SupportsResume: false},
			Loader:   func() (engine.Module, error) { return openai.New(creds), nil },
		},
		"google-gemini": {
			Metadata: engine.Metadata{ID: "google-gemini", DisplayName: "Google Gemini", DefaultModel: "gemini-2.5-flash", Order: 3, SupportsResume: false},
			Loader:   func() (engine.Module, error) { return googleModule, nil },
		},
		"ollama-local": {
			Metadata: engine.Metadata{ID: "ollama-local", DisplayName: "Ollama (local)", DefaultModel: "qwen2.5-coder:14b", Order: 4, SupportsResume: false},
			Loader:   func() (engine.Module, error) { return ollama.New() },
		},
		"mock": {
			Metadata: engine.Metadata{ID: "mock", DisplayName: "Mock", DefaultModel: "mock-model", Order: 99, SupportsResume: true},
			Loader:   func() (engine.Module, error) { return mock.New("mock", 99, mock.Behavior{Authenticated: true}), nil },
		},
	}
	return engine.NewRegistry(builtins), nil
}
