package interfaces

import (
	"context"

	"llm-perp-agent/internal/types"
)

// Oracle maps a market snapshot to one proposed action per symbol.
// Implementations return an error only for transport failures; anything the
// model says that cannot be decoded becomes hold.
type Oracle interface {
	Decide(ctx context.Context, req types.OracleRequest) (types.OracleResponse, error)
}

// PositionReviewer is an optional Oracle capability: a second look at one
// open position, answered with close or hold. Undecodable replies are hold.
type PositionReviewer interface {
	EvaluatePosition(ctx context.Context, req types.PositionReview) (types.PositionVerdict, error)
}
