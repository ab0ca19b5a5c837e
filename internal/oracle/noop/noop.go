package noop

import (
	"context"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/oracle"
	"llm-perp-agent/internal/types"
)

// Oracle is the fallback used when no model is configured. It always holds.
type Oracle struct{}

var _ interfaces.Oracle = (*Oracle)(nil)

func New() *Oracle {
	return &Oracle{}
}

func (o *Oracle) Decide(ctx context.Context, req types.OracleRequest) (types.OracleResponse, error) {
	syms := oracle.Symbols(req)
	logger.Debug(ctx, "Noop oracle called - always returns hold", "symbols", len(syms))

	resp := types.OracleResponse{Actions: make([]types.ProposedAction, 0, len(syms))}
	for _, s := range syms {
		resp.Actions = append(resp.Actions, oracle.Hold(s, "noop_oracle"))
	}
	return resp, nil
}
