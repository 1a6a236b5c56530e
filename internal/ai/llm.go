package ai

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tbourn/go-rag-backend/internal/config"
)

// Token is one element of a streaming completion. Exactly one of Content or
// Err is meaningful; a Token with a non-nil Err is always the last element on
// the channel.
type Token struct {
	Content string
	Err     error
}

// ChatModel produces completions for assembled prompts. Implementations must
// be safe for concurrent use and must honor context cancellation mid-stream.
type ChatModel interface {
	// Stream starts a completion and returns a channel of tokens in
	// generation order. The channel is closed when the stream ends, errors,
	// or ctx is cancelled.
	Stream(ctx context.Context, prompt string) (<-chan Token, error)
	// Complete runs a completion to the end and returns the full text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIChatModel implements ChatModel against any OpenAI-compatible chat
// completion endpoint.
type OpenAIChatModel struct {
	llm    *openai.LLM
	logger zerolog.Logger
}

// NewOpenAIChatModel constructs a chat model client from the model configuration.
func NewOpenAIChatModel(cfg config.ModelConfig) (*OpenAIChatModel, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.LLMBaseURL),
		openai.WithToken(cfg.LLMAPIKey),
		openai.WithModel(cfg.LLMModel),
	)
	if err != nil {
		return nil, err
	}
	return &OpenAIChatModel{
		llm:    llm,
		logger: log.With().Str("component", "chat-model").Logger(),
	}, nil
}

// Stream opens a token stream for prompt. Tokens are delivered in generation
// order; the producer goroutine exits when the model finishes, fails, or ctx
// is cancelled. The returned channel is buffered so a briefly slow consumer
// does not stall the underlying HTTP stream.
func (m *OpenAIChatModel) Stream(ctx context.Context, prompt string) (<-chan Token, error) {
	ch := make(chan Token, 64)

	go func() {
		defer close(ch)

		_, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt,
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case ch <- Token{Content: string(chunk)}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err != nil {
			m.logger.Warn().Err(err).Int("prompt_len", len(prompt)).Msg("completion stream ended with error")
			select {
			case ch <- Token{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete runs a non-streaming completion and returns the full response text.
func (m *OpenAIChatModel) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt)
	if err != nil {
		m.logger.Warn().Err(err).Msg("completion failed")
		return "", err
	}
	return out, nil
}
