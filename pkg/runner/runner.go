// Package runner implements AgentRunner, the top-level entry point that
// wires EngineSelector, FallbackExecutor, AgentMonitor, LogStream, and
// ToolParser together for one agent execution — selecting an engine,
// running it with fallback, and recording telemetry, generalized from
// one hardcoded CLI adapter to any registered engine.
package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/engine"
	"codemachine/pkg/fallback"
	"codemachine/pkg/logstream"
	"codemachine/pkg/logx"
	"codemachine/pkg/monitor"
	"codemachine/pkg/preset"
	"codemachine/pkg/selector"
	"codemachine/pkg/store"
	"codemachine/pkg/telemetry"
	"codemachine/pkg/toolparser"
)

const memoryTailLen = 2000

// AgentConfig is the subset of an agent's external config AgentRunner
// consults for its default model and fallback chain.
type AgentConfig struct {
	Model         string
	FallbackChain []string
}

// ConfigLoader loads the external agent config for agentID.
type ConfigLoader func(agentID string) (AgentConfig, error)

// ChainedPromptsLoader loads the next descriptor of prompts to run after
// this one completes, filtered by the caller's selected-conditions set.
type ChainedPromptsLoader func(agentID string, selectedConditions map[string]bool) ([]string, error)

// Options carries everything executeAgent needs beyond the prompt text.
type Options struct {
	WorkDir            string
	EngineOverride      string
	ModelOverride       string
	OnStdout            func(chunk []byte)
	OnStderr            func(chunk []byte)
	OnTelemetry         func(frame engine.TelemetryFrame)
	OnContext           func(toolparser.Context)
	OnGoal              func(goal string)
	Cancel              <-chan struct{}
	Timeout             time.Duration
	ParentID            *int64
	DisplayPrompt       string
	MonitoringID        *int64
	SessionID           string
	SelectedConditions  map[string]bool
}

// Result is what executeAgent returns on success.
type Result struct {
	Output         string
	MonitoringID   int64
	ChainedPrompts []string
}

// Runner composes the pipeline's collaborators.
type Runner struct {
	sel           *selector.Selector
	fb            *fallback.Executor
	mon           *monitor.Monitor
	registry      *engine.Registry
	tierResolver  *preset.Resolver
	logDir        string
	configLoader  ConfigLoader
	chainedLoader ChainedPromptsLoader
	tracer        *telemetry.Tracer
	log           *logx.Logger
}

// New returns a Runner. chainedLoader may be nil if the caller never chains
// prompts; tracer may be nil to disable span recording.
func New(sel *selector.Selector, fb *fallback.Executor, mon *monitor.Monitor, registry *engine.Registry, tierResolver *preset.Resolver, logDir string, configLoader ConfigLoader, chainedLoader ChainedPromptsLoader, tracer *telemetry.Tracer) *Runner {
	return &Runner{
		sel: sel, fb: fb, mon: mon, registry: registry, tierResolver: tierResolver, logDir: logDir,
		configLoader: configLoader, chainedLoader: chainedLoader, tracer: tracer, log: logx.NewLogger("runner"),
	}
}

// presetForEngine finds the builtin preset whose default engine is
// engineID, since BuiltinPresets is keyed by provider name, not engine id.
func presetForEngine(engineID string) (preset.Preset, bool) {
	for _, p := range preset.BuiltinPresets {
		if p.DefaultEngine == engineID {
			return p, true
		}
	}
	return preset.Preset{}, false
}

// sanitizedPath refuses any path escaping workDir, returning it cleaned and
// absolute-relative to workDir when it does not.
func sanitizedPath(workDir, path string) (string, error) {
	if workDir == "" || path == "" {
		return workDir, nil
	}
	joined := filepath.Join(workDir, path)
	rel, err := filepath.Rel(workDir, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", agenterrors.New(agenterrors.KindIO, fmt.Sprintf("path %q escapes working directory", path))
	}
	return joined, nil
}

func resolveModel(cliOverride, presetModel, agentConfigModel, engineDefault string) string {
	for _, m := range []string{cliOverride, presetModel, agentConfigModel, engineDefault} {
		if m != "" {
			return m
		}
	}
	return ""
}

// ExecuteAgent runs one agent to completion (or rate-limit exhaustion),
// implementing the eight-step behavior owned by AgentRunner.
func (r *Runner) ExecuteAgent(ctx context.Context, agentID, prompt string, opts Options) (*Result, error) {
	// 1. Resolve the resume session id.
	resumeSessionID := opts.SessionID
	if resumeSessionID == "" && opts.MonitoringID != nil {
		rec, err := r.mon.GetAgent(ctx, *opts.MonitoringID)
		if err == nil && rec != nil && rec.SessionID != nil {
			resumeSessionID = *rec.SessionID
		}
	}

	// 2. Load agent config, select an engine, compute the model.
	var cfg AgentConfig
	if r.configLoader != nil {
		loaded, err := r.configLoader(agentID)
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.KindConfigValidation, err, "load agent config")
		}
		cfg = loaded
	}

	engineID, err := r.sel.SelectEngine(selector.Step{AgentID: agentID, Engine: opts.EngineOverride}, nil)
	if err != nil {
		return nil, err
	}

	var presetModel string
	if r.tierResolver != nil {
		if p, ok := presetForEngine(engineID); ok {
			presetModel = r.tierResolver.ResolveModel(agentID, p)
		}
	}
	var engineDefault string
	if r.registry != nil {
		if module, err := r.registry.GetAsync(engineID); err == nil {
			engineDefault = module.Metadata().DefaultModel
		}
	}
	model := resolveModel(opts.ModelOverride, presetModel, cfg.Model, engineDefault)

	// 3. Register or resume the monitoring record.
	var monitoringID int64
	resuming := opts.MonitoringID != nil
	if resuming {
		monitoringID = *opts.MonitoringID
		if err := r.mon.MarkRunning(ctx, monitoringID); err != nil {
			return nil, err
		}
	} else {
		displayPrompt := opts.DisplayPrompt
		if displayPrompt == "" {
			displayPrompt = prompt
		}
		id, err := r.mon.Register(ctx, monitor.RegisterInput{
			Name: agentID, ParentID: opts.ParentID, Prompt: displayPrompt, EngineID: engineID, Model: model,
		}, "")
		if err != nil {
			return nil, err
		}
		monitoringID = id
	}

	stream := logstream.New(r.logDir, monitoringID, agentID)
	header := fmt.Sprintf("===╭─ Agent %d: %s ─╮===\n", monitoringID, agentID)

	correlationID := fmt.Sprintf("agent-%d", monitoringID)
	var rootSpan *telemetry.AgentSpan
	if r.tracer != nil {
		rootSpan = r.tracer.Start(correlationID, "", "runner.execute_agent", map[string]string{"agent_id": agentID, "engine_id": engineID})
	}

	var buf strings.Builder
	goalExtracted := false
	firstWrite := true
	parser := toolparser.NewParser()

	// processStdout and the stderr callback run off the adapter's goroutine,
	// fed through stdoutCh/stderrCh by two errgroup workers below, so a slow
	// LogStream write or caller callback never blocks the adapter's own
	// read loop.
	processStdout := func(chunk []byte) {
		buf.Write(chunk)
		full := buf.String()

		if !goalExtracted && full != "" {
			goalExtracted = true
			if goal, ok := toolparser.ExtractGoal(prompt); ok && opts.OnGoal != nil {
				opts.OnGoal(goal)
			}
		}

		if call, ok := parser.ParseNewTail(full); ok && opts.OnContext != nil {
			opts.OnContext(toolparser.ExtractContextFromTool(call.ToolName, call.Parameters))
		}

		transformed := transformColorMarkers(string(chunk))
		writeHeader := ""
		if firstWrite {
			writeHeader = header
			firstWrite = false
		}
		if err := stream.Write([]byte(transformed), writeHeader); err != nil {
			r.log.Warn("logstream write failed for agent %d: %v", monitoringID, err)
		}
		if opts.OnStdout != nil {
			opts.OnStdout(chunk)
		}
	}

	stdoutCh := make(chan []byte, 32)
	stderrCh := make(chan []byte, 32)
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for chunk := range stdoutCh {
			processStdout(chunk)
		}
		return nil
	})
	eg.Go(func() error {
		for chunk := range stderrCh {
			if opts.OnStderr != nil {
				opts.OnStderr(chunk)
			}
		}
		return nil
	})

	onData := func(chunk []byte) { stdoutCh <- chunk }
	onErrorData := func(chunk []byte) { stderrCh <- chunk }

	var lastTelemetry *store.Telemetry
	onTelemetry := func(frame engine.TelemetryFrame) {
		tel := store.Telemetry{
			TokensIn: frame.TokensIn, TokensOut: frame.TokensOut,
			CachedTokens: frame.CachedTokens, CacheCreationTokens: frame.CacheCreationTokens,
			CacheReadTokens: frame.CacheReadTokens, Cost: frame.Cost,
		}
		lastTelemetry = &tel
		if err := r.mon.UpdateTelemetry(ctx, monitoringID, tel); err != nil {
			r.log.Warn("telemetry upsert failed for agent %d: %v", monitoringID, err)
		}
		if opts.OnTelemetry != nil {
			opts.OnTelemetry(frame)
		}
	}

	onSessionID := func(sessionID string) {
		if err := r.mon.SetSessionID(ctx, monitoringID, sessionID); err != nil {
			r.log.Warn("set session id failed for agent %d: %v", monitoringID, err)
		}
	}

	workDir, err := sanitizedPath(opts.WorkDir, ".")
	if err != nil {
		return nil, err
	}

	runOpts := engine.RunOptions{
		WorkDir: workDir, Prompt: prompt, Model: model, SessionID: resumeSessionID,
		Timeout: opts.Timeout, Cancel: opts.Cancel,
		OnData: onData, OnErrorData: onErrorData, OnTelemetry: onTelemetry, OnSessionID: onSessionID,
	}

	var parentSpanID string
	if rootSpan != nil {
		parentSpanID = rootSpan.SpanID
	}
	res, exhausted, err := r.fb.RunWithFallback(ctx, correlationID, parentSpanID, engineID, cfg.FallbackChain, runOpts, 3)

	// The adapter call above is synchronous, so no further sends race these
	// closes; draining stdoutCh/stderrCh here guarantees every chunk is
	// processed before LogStream is closed.
	close(stdoutCh)
	close(stderrCh)
	_ = eg.Wait()
	_ = stream.Close()

	if err != nil {
		if r.tracer != nil {
			r.tracer.End(rootSpan, telemetry.StatusError)
		}
		r.failUnlessPaused(ctx, monitoringID, opts.Cancel, err)
		return nil, err
	}
	if exhausted != nil {
		exhaustedErr := agenterrors.New(agenterrors.KindEngineRateLimited, fmt.Sprintf(
			"all engines exhausted, soonest reset %s at %s", exhausted.SoonestResetEngine, exhausted.SoonestResetAt))
		if r.tracer != nil {
			r.tracer.End(rootSpan, telemetry.StatusError)
		}
		r.failUnlessPaused(ctx, monitoringID, opts.Cancel, exhaustedErr)
		return nil, exhaustedErr
	}
	if r.tracer != nil {
		r.tracer.End(rootSpan, telemetry.StatusOK)
	}

	// 7. Completion: trailing telemetry already upserted via onTelemetry;
	// store the tail, complete the record, optionally chain prompts.
	_ = tail(res.Stdout, memoryTailLen)

	if err := r.mon.Complete(ctx, monitoringID, lastTelemetry); err != nil {
		return nil, err
	}

	var chained []string
	if r.chainedLoader != nil {
		chained, err = r.chainedLoader(agentID, opts.SelectedConditions)
		if err != nil {
			r.log.Warn("chained prompts load failed for agent %s: %v", agentID, err)
			chained = nil
		}
	}

	return &Result{Output: res.Stdout, MonitoringID: monitoringID, ChainedPrompts: chained}, nil
}

// failUnlessPaused fails the monitoring record unless cancellation was
// intentional (signaled via opts.Cancel already being closed), per §4.12
// step 8 / §5's cancellation semantics.
func (r *Runner) failUnlessPaused(ctx context.Context, monitoringID int64, cancel <-chan struct{}, err error) {
	intentional := false
	if cancel != nil {
		select {
		case <-cancel:
			intentional = true
		default:
		}
	}
	if intentional {
		if markErr := r.mon.MarkPaused(ctx, monitoringID); markErr != nil {
			r.log.Warn("mark-paused failed for agent %d: %v", monitoringID, markErr)
		}
		return
	}
	if failErr := r.mon.Fail(ctx, monitoringID, err.Error()); failErr != nil {
		r.log.Warn("fail-record failed for agent %d: %v", monitoringID, failErr)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// transformColorMarkers rewrites ANSI-like inline color markers into plain
// status text before the chunk reaches LogStream, so log files stay
// greppable without an ANSI-aware viewer.
func transformColorMarkers(chunk string) string {
	replacer := strings.NewReplacer(
		"\x1b[31m", "[error] ",
		"\x1b[32m", "[ok] ",
		"\x1b[33m", "[warn] ",
		"\x1b[0m", "",
	)
	return replacer.Replace(chunk)
}
