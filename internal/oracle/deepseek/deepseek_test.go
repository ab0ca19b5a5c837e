package deepseek

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/types"
)

type scripted struct {
	replies []string
	errs    []error
	calls   int
	last    openai.ChatCompletionRequest
}

func (s *scripted) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := s.calls
	s.calls++
	s.last = req
	if i < len(s.errs) && s.errs[i] != nil {
		return openai.ChatCompletionResponse{}, s.errs[i]
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: s.replies[i]}},
	}}, nil
}

func request() types.OracleRequest {
	return types.OracleRequest{
		Time:      time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		Snapshots: map[string]types.IndicatorSnapshot{"BTCUSDT": {Symbol: "BTCUSDT", Price: 100000}},
	}
}

func TestDecideDecodesReply(t *testing.T) {
	c := &scripted{replies: []string{`{"version":1,"decisions":[{"symbol":"BTCUSDT","action":"open_long","confidence":0.8,"take_profit":110000,"stop_loss":95000}]}`}}
	o := newWithClient(c, Params{Model: "deepseek-chat"})

	resp, err := o.Decide(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, types.Long, resp.Actions[0].Direction)
	assert.Equal(t, "deepseek-chat", c.last.Model)
	require.NotNil(t, c.last.ResponseFormat)
}

func TestDecideMalformedReplyIsHoldNotError(t *testing.T) {
	c := &scripted{replies: []string{"sorry, I cannot help"}}
	o := newWithClient(c, Params{})

	resp, err := o.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, types.Hold, resp.Actions[0].Direction)
}

func TestDecideRetriesThenTransient(t *testing.T) {
	boom := errors.New("502 bad gateway")
	c := &scripted{errs: []error{boom, boom}}
	o := newWithClient(c, Params{Attempts: 2})

	_, err := o.Decide(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, c.calls)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Params{})
	assert.True(t, errs.IsFatal(err))
}

func review() types.PositionReview {
	return types.PositionReview{
		Position: types.Position{Symbol: "BTCUSDT", State: types.StateOpen, Direction: types.Long,
			Quantity: 0.1, EntryPrice: 100000, MarkPrice: 98000, UnrealizedPnL: -200, Leverage: 10,
			OpenedAt: time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)},
		Snapshot: types.IndicatorSnapshot{Symbol: "BTCUSDT", Price: 98000},
		Time:     time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestEvaluatePositionClose(t *testing.T) {
	c := &scripted{replies: []string{`{"version":1,"symbol":"BTCUSDT","action":"close","confidence":0.9,"reasoning":"breakdown"}`}}
	o := newWithClient(c, Params{Model: "deepseek-chat"})

	v, err := o.EvaluatePosition(context.Background(), review())
	require.NoError(t, err)
	assert.True(t, v.Close)
	assert.Equal(t, 0.9, v.Confidence)
	assert.Contains(t, c.last.Messages[1].Content, `"unrealized_pnl_pct":-20`)
	assert.Contains(t, c.last.Messages[1].Content, `"held_for":"6h0m0s"`)
}

func TestEvaluatePositionTransportErrorIsTransient(t *testing.T) {
	c := &scripted{errs: []error{errors.New("connection reset")}}
	o := newWithClient(c, Params{})

	_, err := o.EvaluatePosition(context.Background(), review())
	assert.True(t, errs.IsTransient(err))
}

func TestReasoningModelSkipsJSONMode(t *testing.T) {
	c := &scripted{replies: []string{"Let me think.\n" + `{"version":1,"decisions":[{"symbol":"BTCUSDT","action":"hold","reasoning":"range"}]}`}}
	o := newWithClient(c, Params{Model: "deepseek-reasoner", Temperature: 0.2, MaxTokens: 8000, Reasoning: true})

	resp, err := o.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, types.Hold, resp.Actions[0].Direction)
	assert.Empty(t, resp.Actions[0].DecodeNote)
	assert.Nil(t, c.last.ResponseFormat)
	assert.Zero(t, c.last.Temperature)
	assert.Equal(t, 8000, c.last.MaxTokens)
}
