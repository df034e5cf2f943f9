// Package ai runs the AI worker on prompts the gate engine has allowed.
//
// The engine never calls the worker itself. Callers invoke Run only after an
// allow decision and own cancellation through the context.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/steveyegge/stagegate/internal/config"
)

// Worker executes one stage prompt and returns the worker's text output
type Worker interface {
	Run(ctx context.Context, prompt string) (*Result, error)
}

// Result is the output of one worker run
type Result struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// AnthropicWorker runs prompts against the Anthropic Messages API
type AnthropicWorker struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     RetryConfig
	breaker   *CircuitBreaker
	logger    *slog.Logger
}

var _ Worker = (*AnthropicWorker)(nil)

// NewAnthropicWorker creates a worker from configuration. Extra client
// options are appended after the configured ones.
func NewAnthropicWorker(cfg config.WorkerConfig, logger *slog.Logger, opts ...option.RequestOption) (*AnthropicWorker, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout > 0 {
		retry.Timeout = cfg.Timeout
	}

	// retries are handled here, not by the SDK
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	w := &AnthropicWorker{
		client:    anthropic.NewClient(clientOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		retry:     retry,
		logger:    logger,
	}
	if retry.BreakerFailures > 0 {
		w.breaker = NewCircuitBreaker(retry.BreakerFailures, 2, retry.BreakerCooldown)
	}
	return w, nil
}

// Run sends the prompt as a single user message and returns the concatenated text blocks
func (w *AnthropicWorker) Run(ctx context.Context, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}
	start := time.Now()

	var response *anthropic.Message
	err := w.withRetry(ctx, "worker run", func(attemptCtx context.Context) error {
		resp, apiErr := w.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(w.model),
			MaxTokens: w.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("worker returned no text (stop reason %q)", response.StopReason)
	}

	res := &Result{
		Text:         text.String(),
		Model:        string(response.Model),
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		Duration:     time.Since(start),
	}
	w.logger.Info("worker run completed",
		"model", res.Model,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"duration", res.Duration,
	)
	return res, nil
}
