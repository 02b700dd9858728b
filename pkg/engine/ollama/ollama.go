// Package ollama adapts github.com/ollama/ollama's client API into the
// engine.Module contract, for local models that need no remote credential.
package ollama

import (
	"context"

	"github.com/ollama/ollama/api"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/engine"
	"codemachine/pkg/rlclassify"
)

// Module adapts the local Ollama daemon's generate API to engine.Module.
// Unlike the remote providers, it has no API key to look up in a
// CredentialStore: "authentication" is just a reachable local daemon.
type Module struct {
	client *api.Client
}

// New constructs the adapter, pointed at the daemon configured by the
// OLLAMA_HOST environment variable (or its default, localhost:11434).
func New() (*Module, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindEngineNotFound, err, "construct ollama client")
	}
	return &Module{client: client}, nil
}

func (m *Module) Metadata() engine.Metadata {
	return engine.Metadata{
		ID: "ollama-local", DisplayName: "Ollama (local)", DefaultModel: "qwen2.5-coder:14b",
		Order: 4, SupportsResume: false,
	}
}

func (m *Module) Auth() engine.Auth { return auth{client: m.client} }

type auth struct{ client *api.Client }

func (a auth) IsAuthenticated(ctx context.Context) (bool, error) {
	if err := a.client.Heartbeat(ctx); err != nil {
		return false, nil
	}
	return true, nil
}
func (a auth) EnsureAuth(ctx context.Context) error {
	if err := a.client.Heartbeat(ctx); err != nil {
		return agenterrors.Wrap(agenterrors.KindEngineAuthRequired, err, "ollama daemon unreachable").WithEngine("ollama-local")
	}
	return nil
}
func (auth) ClearAuth(ctx context.Context) error { return nil } // no credential to clear locally

// Run streams generated tokens back through opts.OnData.
func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	model := opts.Model
	if model == "" {
		model = m.Metadata().DefaultModel
	}

	var full string
	var promptEvalCount, evalCount int
	stream := true
	req := &api.GenerateRequest{
		Model:  model,
		Prompt: opts.Prompt,
		Stream: &stream,
	}

	err := m.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		if resp.Response != "" {
			full += resp.Response
			if opts.OnData != nil {
				opts.OnData([]byte(resp.Response))
			}
		}
		if resp.Done {
			promptEvalCount = resp.PromptEvalCount
			evalCount = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		if rlclassify.IsRateLimit(err) {
			var retryAfter *int
			if secs, ok := rlclassify.RetryAfterSeconds(err.Error()); ok {
				retryAfter = &secs
			}
			return engine.RunResult{IsRateLimitError: true, RetryAfterSeconds: retryAfter}, nil
		}
		return engine.RunResult{}, agenterrors.Wrap(agenterrors.KindEngineExecutionError, err, "ollama generate").WithEngine("ollama-local")
	}

	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.TelemetryFrame{
			TokensIn:  int64(promptEvalCount),
			TokensOut: int64(evalCount),
		})
	}

	return engine.RunResult{Stdout: full, ExitCode: 0}, nil
}
