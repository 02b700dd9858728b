// Package openai adapts github.com/openai/openai-go into the engine.Module
// contract.
package openai

import (
	"context"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/credstore"
	"codemachine/pkg/engine"
	"codemachine/pkg/rlclassify"
)

const (
	engineID     = "openai-gpt"
	apiKeyEnvVar = "OPENAI_API_KEY"
)

// Module adapts the OpenAI Chat Completions API to engine.Module.
type Module struct {
	client openai.Client
	creds  credstore.CredentialStore
}

// New constructs the adapter. creds may be nil, in which case the API key
// is read from OPENAI_API_KEY directly.
func New(creds credstore.CredentialStore) *Module {
	key := credstore.Lookup(creds, engineID, apiKeyEnvVar)
	return &Module{client: openai.NewClient(option.WithAPIKey(key)), creds: creds}
}

func (m *Module) Metadata() engine.Metadata {
	return engine.Metadata{
		ID: engineID, DisplayName: "OpenAI GPT", DefaultModel: "gpt-5-mini",
		Order: 2, SupportsResume: false,
	}
}

func (m *Module) Auth() engine.Auth { return auth{creds: m.creds} }

type auth struct{ creds credstore.CredentialStore }

func (a auth) apiKey() string { return credstore.Lookup(a.creds, engineID, apiKeyEnvVar) }

func (a auth) IsAuthenticated(ctx context.Context) (bool, error) {
	return a.apiKey() != "", nil
}
func (a auth) EnsureAuth(ctx context.Context) error {
	if a.apiKey() == "" {
		return agenterrors.New(agenterrors.KindEngineAuthRequired, "OPENAI_API_KEY is not set").WithEngine(engineID)
	}
	return nil
}
func (a auth) ClearAuth(ctx context.Context) error {
	if a.creds != nil {
		_ = a.creds.Clear(engineID)
	}
	return os.Unsetenv(apiKeyEnvVar)
}

// Run streams the assistant's reply back through opts.OnData.
func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	model := opts.Model
	if model == "" {
		model = m.Metadata().DefaultModel
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(opts.Prompt),
		},
	})

	var full string
	var acc openai.ChatCompletionAccumulator
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				full += delta
				if opts.OnData != nil {
					opts.OnData([]byte(delta))
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if rlclassify.IsRateLimit(err) {
			var retryAfter *int
			if secs, ok := rlclassify.RetryAfterSeconds(err.Error()); ok {
				retryAfter = &secs
			}
			return engine.RunResult{IsRateLimitError: true, RetryAfterSeconds: retryAfter}, nil
		}
		return engine.RunResult{}, agenterrors.Wrap(agenterrors.KindEngineExecutionError, err, "openai stream").WithEngine("openai-gpt")
	}

	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.TelemetryFrame{
			TokensIn:  acc.Usage.PromptTokens,
			TokensOut: acc.Usage.CompletionTokens,
		})
	}

	return engine.RunResult{Stdout: full, ExitCode: 0}, nil
}
