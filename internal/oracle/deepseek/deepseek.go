// Package deepseek talks to any OpenAI-compatible chat endpoint. DeepSeek is
// the default target.
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jpillora/backoff"
	openai "github.com/sashabaranov/go-openai"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/oracle"
	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Params struct {
	BaseURL     string
	APIKey      string
	Model       string
	System      string
	Temperature float32
	MaxTokens   int
	// Attempts is the number of calls made for one tick before giving up.
	Attempts int
	// Reasoning models reject JSON mode and a custom temperature, so both
	// are left out and the reply is decoded from free text.
	Reasoning bool
}

type Oracle struct {
	client chatClient
	p      Params
}

var (
	_ interfaces.Oracle           = (*Oracle)(nil)
	_ interfaces.PositionReviewer = (*Oracle)(nil)
)

func New(p Params) (*Oracle, error) {
	if p.APIKey == "" {
		return nil, errs.Fatal("deepseek.New", errors.New("api key missing"))
	}
	cfg := openai.DefaultConfig(p.APIKey)
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return newWithClient(openai.NewClientWithConfig(cfg), p), nil
}

// FromConfig reads the key from the environment variable named in cfg.
func FromConfig(cfg *store.Config) (*Oracle, error) {
	return New(Params{
		BaseURL:     cfg.Oracle.BaseURL,
		APIKey:      os.Getenv(cfg.Oracle.APIKeyEnv),
		Model:       cfg.Oracle.Model,
		System:      cfg.Oracle.System,
		Temperature: cfg.Oracle.Temperature,
		MaxTokens:   cfg.Oracle.MaxTokens,
		Attempts:    2,
		Reasoning:   cfg.Oracle.Reasoning,
	})
}

func newWithClient(c chatClient, p Params) *Oracle {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	return &Oracle{client: c, p: p}
}

// Decide sends one request for all symbols. Transport failures are TransientIO;
// a reply that does not decode is hold, not an error.
func (o *Oracle) Decide(ctx context.Context, req types.OracleRequest) (types.OracleResponse, error) {
	system, user, err := oracle.BuildPrompt(req, o.p.System)
	if err != nil {
		return types.OracleResponse{}, fmt.Errorf("build prompt: %w", err)
	}
	content, err := o.complete(ctx, "deepseek.Decide", system, user)
	if err != nil {
		return types.OracleResponse{}, err
	}
	return oracle.Decode(content, oracle.Symbols(req)), nil
}

// EvaluatePosition asks whether one open position should be closed now.
func (o *Oracle) EvaluatePosition(ctx context.Context, req types.PositionReview) (types.PositionVerdict, error) {
	system, user, err := oracle.BuildReviewPrompt(req, o.p.System)
	if err != nil {
		return types.PositionVerdict{}, fmt.Errorf("build review prompt: %w", err)
	}
	content, err := o.complete(ctx, "deepseek.EvaluatePosition", system, user)
	if err != nil {
		return types.PositionVerdict{}, err
	}
	return oracle.DecodeVerdict(content, req.Position.Symbol), nil
}

// complete returns the first choice's content, retrying with backoff.
func (o *Oracle) complete(ctx context.Context, op, system, user string) (string, error) {
	creq := openai.ChatCompletionRequest{
		Model: o.p.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens: o.p.MaxTokens,
	}
	if !o.p.Reasoning {
		creq.Temperature = o.p.Temperature
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < o.p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errs.Transient(op, ctx.Err())
			case <-time.After(b.Duration()):
			}
		}
		resp, err := o.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("no choices")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", errs.Transient(op, lastErr)
}
