// Package google adapts google.golang.org/genai into the engine.Module
// contract.
package google

import (
	"context"
	"os"

	"google.golang.org/genai"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/credstore"
	"codemachine/pkg/engine"
	"codemachine/pkg/rlclassify"
)

const (
	engineID     = "google-gemini"
	apiKeyEnvVar = "GOOGLE_API_KEY"
)

// Module adapts Gemini's GenerateContent API to engine.Module.
type Module struct {
	client *genai.Client
	creds  credstore.CredentialStore
}

// New constructs the adapter against the Gemini Developer API. creds may
// be nil, in which case the API key is read from GOOGLE_API_KEY directly.
func New(ctx context.Context, creds credstore.CredentialStore) (*Module, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credstore.Lookup(creds, engineID, apiKeyEnvVar),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindEngineNotFound, err, "construct genai client")
	}
	return &Module{client: client, creds: creds}, nil
}

func (m *Module) Metadata() engine.Metadata {
	return engine.Metadata{
		ID: engineID, DisplayName: "Google Gemini", DefaultModel: "gemini-2.5-flash",
		Order: 3, SupportsResume: false,
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
		return agenterrors.New(agenterrors.KindEngineAuthRequired, "GOOGLE_API_KEY is not set").WithEngine(engineID)
	}
	return nil
}
func (a auth) ClearAuth(ctx context.Context) error {
	if a.creds != nil {
		_ = a.creds.Clear(engineID)
	}
	return os.Unsetenv(apiKeyEnvVar)
}

// Run streams generated text back through opts.OnData.
func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	model := opts.Model
	if model == "" {
		model = m.Metadata().DefaultModel
	}

	stream := m.client.Models.GenerateContentStream(ctx, model, genai.Text(opts.Prompt), nil)

	var full string
	var promptTokens, candidateTokens int32
	for chunk, err := range stream {
		if err != nil {
			if rlclassify.IsRateLimit(err) {
				var retryAfter *int
				if secs, ok := rlclassify.RetryAfterSeconds(err.Error()); ok {
					retryAfter = &secs
				}
				return engine.RunResult{IsRateLimitError: true, RetryAfterSeconds: retryAfter}, nil
			}
			return engine.RunResult{}, agenterrors.Wrap(agenterrors.KindEngineExecutionError, err, "genai stream").WithEngine("google-gemini")
		}
		text := chunk.Text()
		if text != "" {
			full += text
			if opts.OnData != nil {
				opts.OnData([]byte(text))
			}
		}
		if chunk.UsageMetadata != nil {
			promptTokens = chunk.UsageMetadata.PromptTokenCount
			candidateTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
	}

	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.TelemetryFrame{
			TokensIn:  int64(promptTokens),
			TokensOut: int64(candidateTokens),
		})
	}

	return engine.RunResult{Stdout: full, ExitCode: 0}, nil
}
