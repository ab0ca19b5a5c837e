// Package influx mirrors the equity curve into InfluxDB for dashboards.
package influx

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

const measurement = "equity"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink writes one point per equity record. It implements performance.Sink.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	tags   map[string]string
}

var _ performance.Sink = (*Sink)(nil)

// FromConfig returns nil when influx is disabled.
func FromConfig(cfg *store.Config, getenv func(string) string) (*Sink, error) {
	if !cfg.Influx.Enabled {
		return nil, nil
	}
	token := getenv(cfg.Influx.TokenEnv)
	if token == "" {
		return nil, errs.Fatal("influx.FromConfig", fmt.Errorf("%s is not set", cfg.Influx.TokenEnv))
	}
	client := influxdb2.NewClient(cfg.Influx.URL, token)
	return &Sink{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket),
		tags:   map[string]string{"mode": cfg.Mode},
	}, nil
}

// Ping checks the server health.
func (s *Sink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errs.Transient("influx.Ping", err)
	}
	if health == nil || health.Status != "pass" {
		return errs.Transient("influx.Ping", errors.New("influxdb not in 'pass' state"))
	}
	return nil
}

func (s *Sink) WriteRecord(ctx context.Context, rec types.PerformanceRecord) error {
	p := influxdb2.NewPoint(measurement, s.tags, map[string]interface{}{
		"equity":         rec.Equity,
		"realized_delta": rec.RealizedDelta,
		"fees_delta":     rec.FeesDelta,
	}, rec.Time)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return errs.Transient("influx.WriteRecord", err)
	}
	return nil
}

func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
