package interfaces

import (
	"context"

	"llm-perp-agent/internal/types"
)

type Engine interface {
	Tick(ctx context.Context) (*types.TickResult, error)
}
