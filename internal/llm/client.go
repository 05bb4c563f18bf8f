// Package llm writes evidence narratives with an OpenAI-compatible chat
// model. The model only sees the evidence the connectors returned.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/pkg/circuitbreaker"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
	"github.com/evidence-on-demand/backend/pkg/retry"
)

// ErrTransient marks a model failure worth retrying: rate limits, server
// errors and dropped connections.
var ErrTransient = errors.New("llm: transient failure")

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration

	// RetryDelay is the first backoff delay. Defaults to 500ms.
	RetryDelay time.Duration
}

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	logger      *zap.Logger
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 600
	}

	log := logger.With(zap.String("component", "llm"))

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.RecordBreakerState,
		Logger:           log,
	})

	retryConfig := retry.Config{
		MaxAttempts:     3,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		JitterFraction:  0.1,
		RetryableErrors: []error{ErrTransient},
		Logger:          log,
	}

	log.Info("LLM client initialized", zap.String("model", cfg.Model), zap.Duration("timeout", cfg.Timeout))

	return &Client{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
		logger:      log,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return classify(err)
			}
			if len(resp.Choices) == 0 {
				return errors.New("completion returned no choices")
			}

			c.logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "create completion")
	}

	return result, nil
}

// classify marks rate limits, 5xx responses and transport errors as
// transient. Anything else, such as a rejected key, fails at once.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

const systemPrompt = `You are a compliance evidence assistant. Answer the auditor's question using only the evidence listed.
Rules:
- Do not state facts that are not in the evidence.
- Refer to evidence by its field name and source.
- If a note says a source could not be consulted, say the answer may be incomplete.
- If the evidence does not answer the question, say so plainly.
- Keep the answer under 150 words, in plain prose.`

// Summarize implements query.Summarizer.
func (c *Client) Summarize(ctx context.Context, req query.SummaryRequest) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(req),
	})
	if err != nil {
		return "", err
	}

	narrative := strings.TrimSpace(resp.Content)
	if narrative == "" {
		return "", errors.New("model returned an empty narrative")
	}
	return narrative, nil
}

func buildUserPrompt(req query.SummaryRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", strings.TrimSpace(req.Query))
	if len(req.Evidence) == 0 {
		b.WriteString("(none)\n")
	}
	for _, item := range req.Evidence {
		fmt.Fprintf(&b, "- [%s] %s: %s", item.Source, item.Field, item.Value)
		if item.Link != "" {
			fmt.Fprintf(&b, " (%s)", item.Link)
		}
		b.WriteByte('\n')
	}

	if len(req.Notes) > 0 {
		b.WriteString("\nNotes:\n")
		for _, note := range req.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}
