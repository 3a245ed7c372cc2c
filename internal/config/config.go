// Package config loads the routing daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/logging"
	"github.com/nmxmxh/inos_dtn/internal/routing/engine"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
)

// Config is the daemon configuration. Zero sections are filled from Default
// before the file is applied, so a file only needs the values it changes.
type Config struct {
	Node           NodeConfig           `yaml:"node"`
	Prophet        prophet.Params       `yaml:"prophet"`
	Forwarding     ForwardingConfig     `yaml:"forwarding"`
	Retransmission RetransmissionConfig `yaml:"retransmission"`
	Handshake      HandshakeConfig      `yaml:"handshake"`
	Summary        SummaryConfig        `yaml:"summary"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
	Logging        logging.Config       `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

type NodeConfig struct {
	EID dtn.EID `yaml:"eid"`
	// TransferSlots is the default number of concurrent transfers per peer.
	TransferSlots int `yaml:"transfer_slots"`
	// TickInterval drives housekeeping: aging, expiry and retransmissions.
	TickInterval time.Duration `yaml:"tick_interval"`
}

type ForwardingConfig struct {
	Strategy string `yaml:"strategy"`
	NFMax    int    `yaml:"nf_max"`
}

type RetransmissionConfig struct {
	Base  float64 `yaml:"base"`
	Limit int     `yaml:"limit"`
}

type HandshakeConfig struct {
	Interval           time.Duration     `yaml:"interval"`
	Lifetime           time.Duration     `yaml:"lifetime"`
	Timeout            time.Duration     `yaml:"timeout"`
	RequestsPerSecond  int               `yaml:"requests_per_second"`
	RequestBurst       int               `yaml:"request_burst"`
	BreakerFailures    uint32            `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration     `yaml:"breaker_open_timeout"`
	Limitations        LimitationsConfig `yaml:"limitations"`
}

// LimitationsConfig is what this node tells neighbors it accepts.
type LimitationsConfig struct {
	MaxBlockSize     uint64 `yaml:"max_block_size"`
	SingletonOnly    bool   `yaml:"singleton_only"`
	LocalOnly        bool   `yaml:"local_only"`
	ForeignBlockSize uint64 `yaml:"foreign_block_size"`
}

type SummaryConfig struct {
	Expected          uint    `yaml:"expected"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

type PersistenceConfig struct {
	// Dir holds the state files. Empty disables persistence.
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Default returns the production defaults. Node.EID must still be set.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Node: NodeConfig{
			TransferSlots: 4,
			TickInterval:  time.Second,
		},
		Prophet: ec.Prophet,
		Forwarding: ForwardingConfig{
			Strategy: ec.Strategy,
			NFMax:    ec.NFMax,
		},
		Retransmission: RetransmissionConfig{
			Base:  ec.RetryBase,
			Limit: ec.RetryLimit,
		},
		Handshake: HandshakeConfig{
			Interval:           ec.NextExchangeInterval,
			Lifetime:           ec.NextExchangeTimeout,
			Timeout:            ec.HandshakeTimeout,
			RequestsPerSecond:  ec.RequestsPerSecond,
			RequestBurst:       ec.RequestBurst,
			BreakerFailures:    ec.BreakerFailures,
			BreakerOpenTimeout: ec.BreakerOpenTimeout,
		},
		Summary: SummaryConfig{
			Expected:          ec.SummaryExpected,
			FalsePositiveRate: ec.SummaryFPRate,
		},
		Persistence: PersistenceConfig{
			Interval: ec.PersistInterval,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode applies data over the defaults without validating, for callers
// that layer further overrides on top.
func Decode(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, dtn.ErrConfig("yaml", err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	if c.Node.TransferSlots <= 0 {
		return dtn.ErrConfig("node.transfer_slots", errors.New("must be positive"))
	}
	if c.Node.TickInterval <= 0 {
		return dtn.ErrConfig("node.tick_interval", errors.New("must be positive"))
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return dtn.ErrConfig("metrics.listen", errors.New("required when metrics are enabled"))
	}
	return nil
}

// EngineConfig maps the file sections onto the routing engine's settings.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		LocalEID:             c.Node.EID,
		Prophet:              c.Prophet,
		Strategy:             c.Forwarding.Strategy,
		NFMax:                c.Forwarding.NFMax,
		RetryBase:            c.Retransmission.Base,
		RetryLimit:           c.Retransmission.Limit,
		NextExchangeInterval: c.Handshake.Interval,
		NextExchangeTimeout:  c.Handshake.Lifetime,
		HandshakeTimeout:     c.Handshake.Timeout,
		RequestsPerSecond:    c.Handshake.RequestsPerSecond,
		RequestBurst:         c.Handshake.RequestBurst,
		BreakerFailures:      c.Handshake.BreakerFailures,
		BreakerOpenTimeout:   c.Handshake.BreakerOpenTimeout,
		SummaryExpected:      c.Summary.Expected,
		SummaryFPRate:        c.Summary.FalsePositiveRate,
		PersistInterval:      c.Persistence.Interval,
		Limitations: handshake.Limitations{
			MaxBlockSize:     c.Handshake.Limitations.MaxBlockSize,
			SingletonOnly:    c.Handshake.Limitations.SingletonOnly,
			LocalOnly:        c.Handshake.Limitations.LocalOnly,
			ForeignBlockSize: c.Handshake.Limitations.ForeignBlockSize,
		},
	}
}
