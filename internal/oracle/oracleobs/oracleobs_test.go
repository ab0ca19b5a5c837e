package oracleobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/oracle/noop"
	"llm-perp-agent/internal/types"
)

type closer struct{ reviews int }

func (c *closer) Decide(context.Context, types.OracleRequest) (types.OracleResponse, error) {
	return types.OracleResponse{}, nil
}

func (c *closer) EvaluatePosition(_ context.Context, req types.PositionReview) (types.PositionVerdict, error) {
	c.reviews++
	return types.PositionVerdict{Symbol: req.Position.Symbol, Close: true, Confidence: 0.9}, nil
}

func TestWrapKeepsReviewCapability(t *testing.T) {
	_, ok := Wrap(noop.New()).(interfaces.PositionReviewer)
	assert.False(t, ok)

	inner := &closer{}
	rv, ok := Wrap(inner).(interfaces.PositionReviewer)
	require.True(t, ok)

	v, err := rv.EvaluatePosition(context.Background(), types.PositionReview{Position: types.Position{Symbol: "BTCUSDT"}})
	require.NoError(t, err)
	assert.True(t, v.Close)
	assert.Equal(t, 1, inner.reviews)
}
