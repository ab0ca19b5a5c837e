package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llm-perp-agent/internal/errs"
)

const (
	ModeDryRun = "DRY_RUN"
	ModeLive   = "LIVE"
)

type Config struct {
	Mode           string   `yaml:"mode" validate:"oneof=DRY_RUN LIVE"`
	Symbols        []string `yaml:"symbols" validate:"min=1,dive,required,uppercase"`
	InitialCapital float64  `yaml:"initial_capital" validate:"gt=0"`

	Loop struct {
		IntervalSeconds    int `yaml:"interval_seconds" validate:"gt=0"`
		TickTimeoutSeconds int `yaml:"tick_timeout_seconds" validate:"gt=0"`
		CallTimeoutSeconds int `yaml:"call_timeout_seconds" validate:"gt=0"`
		MaxBackoffSeconds  int `yaml:"max_backoff_seconds" validate:"gt=0"`
		ReconcileAttempts  int `yaml:"reconcile_attempts" validate:"gt=0"`
	} `yaml:"loop"`

	Market struct {
		CandleInterval string `yaml:"candle_interval" validate:"required"`
		HistoryLimit   int    `yaml:"history_limit" validate:"gt=0"`
		SeriesLength   int    `yaml:"series_length" validate:"gt=0"`
		EMAShort       int    `yaml:"ema_short" validate:"gt=1"`
		EMALong        int    `yaml:"ema_long" validate:"gtfield=EMAShort"`
	} `yaml:"market"`

	Risk struct {
		MinConfidence         float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
		MaxPositionPct        float64 `yaml:"max_position_pct" validate:"gt=0,lte=100"`
		MaxLeverage           int     `yaml:"max_leverage" validate:"gte=1,lte=125"`
		DefaultLeverage       int     `yaml:"default_leverage" validate:"gte=1"`
		MaxExposurePct        float64 `yaml:"max_exposure_pct" validate:"gt=0"`
		DailyLossLimit        float64 `yaml:"daily_loss_limit" validate:"gt=0"`
		MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate" validate:"gte=0,lt=1"`
	} `yaml:"risk"`

	Execution struct {
		EntryType             string             `yaml:"entry_type" validate:"oneof=MARKET LIMIT"`
		LimitOffsetBps        float64            `yaml:"limit_offset_bps" validate:"gte=0"`
		PendingTimeoutSeconds int                `yaml:"pending_timeout_seconds" validate:"gt=0"`
		AttachExits           bool               `yaml:"attach_exits"`
		DefaultQtyStep        float64            `yaml:"default_qty_step" validate:"gt=0"`
		QtyStep               map[string]float64 `yaml:"qty_step"`
		PriceTick             map[string]float64 `yaml:"price_tick"`
	} `yaml:"execution"`

	Oracle struct {
		Provider    string  `yaml:"provider" validate:"oneof=DEEPSEEK OPENAI NOOP"`
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
		APIKeyEnv   string  `yaml:"api_key_env"`
		Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
		MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
		System      string  `yaml:"system"`
		// Reasoning targets a reasoning model: no JSON mode, no temperature.
		Reasoning bool `yaml:"reasoning"`
		// ReviewPositions asks the oracle for a close-or-hold verdict on each
		// open position it left on hold.
		ReviewPositions bool `yaml:"review_positions"`
	} `yaml:"oracle"`

	Paper struct {
		TakerFee float64 `yaml:"taker_fee" validate:"gte=0,lt=0.01"`
		MakerFee float64 `yaml:"maker_fee" validate:"gte=0,lt=0.01"`
	} `yaml:"paper"`

	Persist struct {
		StateDir     string `yaml:"state_dir" validate:"required"`
		LedgerFile   string `yaml:"ledger_file" validate:"required"`
		SnapshotFile string `yaml:"snapshot_file" validate:"required"`
		JournalDir   string `yaml:"journal_dir" validate:"required"`
		AuditDir     string `yaml:"audit_dir" validate:"required"`
		// AuditRetentionDays gzips audit files older than this many days. 0 keeps them plain.
		AuditRetentionDays int `yaml:"audit_retention_days" validate:"gte=0"`
	} `yaml:"persist"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"dashboard"`

	Influx struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url" validate:"omitempty,url"`
		Org      string `yaml:"org"`
		Bucket   string `yaml:"bucket"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"influx"`

	Binance struct {
		Testnet           bool    `yaml:"testnet"`
		RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	} `yaml:"binance"`
}

var validate = validator.New()

// Validate runs struct tag checks and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Risk.DefaultLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.default_leverage %d exceeds risk.max_leverage %d", c.Risk.DefaultLeverage, c.Risk.MaxLeverage)
	}
	if c.Loop.TickTimeoutSeconds > c.Loop.IntervalSeconds {
		return fmt.Errorf("loop.tick_timeout_seconds %d must not exceed loop.interval_seconds %d", c.Loop.TickTimeoutSeconds, c.Loop.IntervalSeconds)
	}
	if c.Loop.MaxBackoffSeconds < c.Loop.IntervalSeconds {
		return fmt.Errorf("loop.max_backoff_seconds %d must be >= loop.interval_seconds %d", c.Loop.MaxBackoffSeconds, c.Loop.IntervalSeconds)
	}
	if c.Market.HistoryLimit < c.Market.SeriesLength {
		return fmt.Errorf("market.history_limit %d is shorter than market.series_length %d", c.Market.HistoryLimit, c.Market.SeriesLength)
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s] {
			return fmt.Errorf("duplicate symbol %q", s)
		}
		seen[s] = true
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influx.url, influx.org and influx.bucket are required when influx is enabled")
	}
	if c.Mode == ModeLive && c.Oracle.Provider == "NOOP" {
		return errors.New("oracle.provider NOOP is only allowed in DRY_RUN mode")
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDryRun
	}
	if c.InitialCapital == 0 {
		c.InitialCapital = 10000
	}
	if c.Loop.IntervalSeconds == 0 {
		c.Loop.IntervalSeconds = 180
	}
	if c.Loop.TickTimeoutSeconds == 0 {
		c.Loop.TickTimeoutSeconds = min(120, c.Loop.IntervalSeconds)
	}
	if c.Loop.CallTimeoutSeconds == 0 {
		c.Loop.CallTimeoutSeconds = 20
	}
	if c.Loop.MaxBackoffSeconds == 0 {
		c.Loop.MaxBackoffSeconds = max(900, c.Loop.IntervalSeconds)
	}
	if c.Loop.ReconcileAttempts == 0 {
		c.Loop.ReconcileAttempts = 5
	}
	if c.Market.CandleInterval == "" {
		c.Market.CandleInterval = "3m"
	}
	if c.Market.HistoryLimit == 0 {
		c.Market.HistoryLimit = 100
	}
	if c.Market.SeriesLength == 0 {
		c.Market.SeriesLength = 10
	}
	if c.Market.EMAShort == 0 {
		c.Market.EMAShort = 20
	}
	if c.Market.EMALong == 0 {
		c.Market.EMALong = 50
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 50
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 20
	}
	if c.Risk.DefaultLeverage == 0 {
		c.Risk.DefaultLeverage = min(5, c.Risk.MaxLeverage)
	}
	if c.Risk.MaxExposurePct == 0 {
		c.Risk.MaxExposurePct = 300
	}
	if c.Risk.DailyLossLimit == 0 {
		c.Risk.DailyLossLimit = c.InitialCapital * 0.05
	}
	if c.Risk.MaintenanceMarginRate == 0 {
		c.Risk.MaintenanceMarginRate = 0.004
	}
	if c.Execution.EntryType == "" {
		c.Execution.EntryType = "MARKET"
	}
	if c.Execution.PendingTimeoutSeconds == 0 {
		c.Execution.PendingTimeoutSeconds = 120
	}
	if c.Execution.DefaultQtyStep == 0 {
		c.Execution.DefaultQtyStep = 0.001
	}
	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "NOOP"
	}
	c.Oracle.Provider = strings.ToUpper(c.Oracle.Provider)
	if c.Oracle.Provider == "DEEPSEEK" {
		if c.Oracle.BaseURL == "" {
			c.Oracle.BaseURL = "https://api.deepseek.com"
		}
		if c.Oracle.Model == "" {
			c.Oracle.Model = "deepseek-chat"
			if c.Oracle.Reasoning {
				c.Oracle.Model = "deepseek-reasoner"
			}
		}
		if c.Oracle.APIKeyEnv == "" {
			c.Oracle.APIKeyEnv = "DEEPSEEK_API_KEY"
		}
	}
	if c.Oracle.Provider == "OPENAI" {
		if c.Oracle.Model == "" {
			c.Oracle.Model = "gpt-4o-mini"
		}
		if c.Oracle.APIKeyEnv == "" {
			c.Oracle.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.Oracle.MaxTokens == 0 {
		c.Oracle.MaxTokens = 2000
		if c.Oracle.Reasoning {
			c.Oracle.MaxTokens = 8000
		}
	}
	if c.Paper.TakerFee == 0 {
		c.Paper.TakerFee = 0.0004
	}
	if c.Paper.MakerFee == 0 {
		c.Paper.MakerFee = 0.0002
	}
	if c.Persist.StateDir == "" {
		c.Persist.StateDir = "state"
	}
	if c.Persist.LedgerFile == "" {
		c.Persist.LedgerFile = "performance.jsonl"
	}
	if c.Persist.SnapshotFile == "" {
		c.Persist.SnapshotFile = "latest.json"
	}
	if c.Persist.JournalDir == "" {
		c.Persist.JournalDir = "journal"
	}
	if c.Persist.AuditDir == "" {
		c.Persist.AuditDir = "audit"
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8080"
	}
	if c.Influx.TokenEnv == "" {
		c.Influx.TokenEnv = "INFLUX_TOKEN"
	}
	if c.Binance.RequestsPerSecond == 0 {
		c.Binance.RequestsPerSecond = 10
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Loop.IntervalSeconds) * time.Second
}

func (c *Config) TickTimeout() time.Duration {
	return time.Duration(c.Loop.TickTimeoutSeconds) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Loop.CallTimeoutSeconds) * time.Second
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Loop.MaxBackoffSeconds) * time.Second
}

func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.Execution.PendingTimeoutSeconds) * time.Second
}

// QtyStepFor returns the quantity increment for symbol.
func (c *Config) QtyStepFor(symbol string) float64 {
	if s, ok := c.Execution.QtyStep[symbol]; ok && s > 0 {
		return s
	}
	return c.Execution.DefaultQtyStep
}

// PriceTickFor returns the price increment for symbol, or 0 when unconstrained.
func (c *Config) PriceTickFor(symbol string) float64 {
	return c.Execution.PriceTick[symbol]
}

// LoadEnv reads .env style files into the process environment. Missing files are ignored.
func LoadEnv(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// LoadConfig reads, defaults and validates the config file. Every failure is FatalConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Fatal("store.LoadConfig", err)
	}
	return ParseConfig(b)
}

// ParseConfig is LoadConfig without the file read.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errs.Fatal("store.ParseConfig", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, errs.Fatal("store.ParseConfig", fmt.Errorf("config validation failed: %w", err))
	}
	return &c, nil
}
