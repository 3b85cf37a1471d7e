// ABOUTME: Streaming provider for any OpenAI-compatible chat completions endpoint
// ABOUTME: Used for OpenAI, Anthropic and Gemini compatibility APIs, guarded by a circuit breaker

package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// Well-known OpenAI-compatible base URLs.
const (
	OpenAIBaseURL    = "https://api.openai.com/v1"
	AnthropicBaseURL = "https://api.anthropic.com/v1/"
	GeminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// ProviderSpec describes an OpenAI-compatible provider.
type ProviderSpec struct {
	ID          string
	DisplayName string
	BaseURL     string
	APIKeyEnv   string
	Models      []string
}

// DefaultProviderSpecs returns the built-in provider set used when none is configured.
func DefaultProviderSpecs() []ProviderSpec {
	return []ProviderSpec{
		{ID: "openai", DisplayName: "OpenAI", BaseURL: OpenAIBaseURL, APIKeyEnv: "OPENAI_API_KEY",
			Models: []string{"gpt-4o", "gpt-4o-mini"}},
		{ID: "anthropic", DisplayName: "Anthropic", BaseURL: AnthropicBaseURL, APIKeyEnv: "ANTHROPIC_API_KEY",
			Models: []string{"claude-sonnet-4-5", "claude-haiku-4-5"}},
		{ID: "gemini", DisplayName: "Google Gemini", BaseURL: GeminiBaseURL, APIKeyEnv: "GEMINI_API_KEY",
			Models: []string{"gemini-2.5-flash", "gemini-2.5-pro"}},
	}
}

// OpenAIProvider streams chat completions over the OpenAI wire protocol.
type OpenAIProvider struct {
	spec    ProviderSpec
	lookup  func(string) string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider for spec. The credential is read from
// spec.APIKeyEnv on every request.
func NewOpenAIProvider(spec ProviderSpec, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.ID
	}
	if spec.BaseURL == "" {
		spec.BaseURL = OpenAIBaseURL
	}
	logger = logger.With("component", "ai", "provider", spec.ID)

	p := &OpenAIProvider{
		spec:   spec,
		lookup: os.Getenv,
		logger: logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-" + spec.ID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

func (p *OpenAIProvider) ID() string          { return p.spec.ID }
func (p *OpenAIProvider) DisplayName() string { return p.spec.DisplayName }

func (p *OpenAIProvider) Models() []string {
	return append([]string(nil), p.spec.Models...)
}

// Enabled reports whether a usable credential is present and the breaker is not open.
func (p *OpenAIProvider) Enabled() bool {
	return CredentialUsable(p.credential()) && p.breaker.State() != gobreaker.StateOpen
}

func (p *OpenAIProvider) credential() string {
	if p.spec.APIKeyEnv == "" {
		return ""
	}
	return p.lookup(p.spec.APIKeyEnv)
}

func (p *OpenAIProvider) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(p.spec.BaseURL, "/")
	return openai.NewClientWithConfig(cfg)
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Event, error) {
	key := p.credential()
	if !CredentialUsable(key) {
		return nil, fmt.Errorf("%w: %s has no usable credential", ErrProviderUnavailable, p.spec.ID)
	}
	if model == "" {
		if len(p.spec.Models) == 0 {
			return nil, fmt.Errorf("%w: %s has no models", ErrProviderUnavailable, p.spec.ID)
		}
		model = p.spec.Models[0]
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(msgs),
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)

		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.stream(ctx, p.client(key), req, out)
		})
		if err != nil {
			out <- Event{Kind: EventError, Err: fmt.Errorf("%s: %w", p.spec.ID, err), Provider: p.spec.ID, Model: model}
			return
		}
		text, _ := result.(string)
		out <- Event{Kind: EventComplete, Text: text, Provider: p.spec.ID, Model: model}
	}()
	return out, nil
}

// stream reads the SSE response, forwarding each content delta as a token.
func (p *OpenAIProvider) stream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, out chan<- Event) (string, error) {
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("starting stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		select {
		case out <- Event{Kind: EventToken, Token: delta, Provider: p.spec.ID, Model: req.Model}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if full.Len() == 0 {
		return "", errors.New("empty completion")
	}
	p.logger.Debug("completion finished", "model", req.Model, "chars", full.Len())
	return full.String(), nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		switch role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
