// Package anthropic adapts github.com/anthropics/anthropic-sdk-go into the
// engine.Module contract.
package anthropic

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/credstore"
	"codemachine/pkg/engine"
	"codemachine/pkg/rlclassify"
)

const (
	engineID     = "anthropic-claude"
	apiKeyEnvVar = "ANTHROPIC_API_KEY"
)

// Module adapts the Anthropic Messages API to engine.Module.
type Module struct {
	client anthropic.Client
	creds  credstore.CredentialStore
}

// New constructs the adapter. creds may be nil, in which case the API key
// is read from ANTHROPIC_API_KEY directly. It does not contact the API
// until Run or Auth.EnsureAuth is called.
func New(creds credstore.CredentialStore) *Module {
	key := credstore.Lookup(creds, engineID, apiKeyEnvVar)
	return &Module{client: anthropic.NewClient(option.WithAPIKey(key)), creds: creds}
}

func (m *Module) Metadata() engine.Metadata {
	return engine.Metadata{
		ID: engineID, DisplayName: "Anthropic Claude",
		DefaultModel: "claude-sonnet-4-20250514", Order: 1, SupportsResume: true,
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
		return agenterrors.New(agenterrors.KindEngineAuthRequired, "ANTHROPIC_API_KEY is not set").WithEngine(engineID)
	}
	return nil
}
func (a auth) ClearAuth(ctx context.Context) error {
	if a.creds != nil {
		_ = a.creds.Clear(engineID)
	}
	return os.Unsetenv(apiKeyEnvVar)
}

// Run sends the prompt as a single user message and streams the assistant
// text back through opts.OnData as it arrives.
func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	model := opts.Model
	if model == "" {
		model = m.Metadata().DefaultModel
	}

	stream := m.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(opts.Prompt)),
		},
	})

	var full string
	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return engine.RunResult{}, agenterrors.Wrap(agenterrors.KindEngineExecutionError, err, "accumulate stream event").WithEngine("anthropic-claude")
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			text := delta.Delta.Text
			if text != "" {
				full += text
				if opts.OnData != nil {
					opts.OnData([]byte(text))
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
		return engine.RunResult{}, agenterrors.Wrap(agenterrors.KindEngineExecutionError, err, "anthropic stream").WithEngine("anthropic-claude")
	}

	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.TelemetryFrame{
			TokensIn:  int64(message.Usage.InputTokens),
			TokensOut: int64(message.Usage.OutputTokens),
		})
	}

	return engine.RunResult{Stdout: full, ExitCode: 0}, nil
}
