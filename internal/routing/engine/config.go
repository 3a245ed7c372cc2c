package engine

import (
	"errors"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/retransmit"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
)

// Config configures a routing engine.
type Config struct {
	// LocalEID identifies this node.
	LocalEID dtn.EID `json:"local_eid"`

	Prophet prophet.Params `json:"prophet"`

	// Strategy is "grtr" or "gtmx".
	Strategy string `json:"strategy"`
	NFMax    int    `json:"nf_max"`

	RetryBase  float64 `json:"retry_base"`
	RetryLimit int     `json:"retry_limit"`

	// NextExchangeInterval is how often every neighbor is asked for fresh data.
	NextExchangeInterval time.Duration `json:"next_exchange_interval"`
	// NextExchangeTimeout is the lifetime announced in responses.
	NextExchangeTimeout time.Duration `json:"next_exchange_timeout"`
	// HandshakeTimeout bounds the wait for a response to a request.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// Inbound request rate per peer.
	RequestsPerSecond int `json:"requests_per_second"`
	RequestBurst      int `json:"request_burst"`

	// Circuit breaker for handshake initiation.
	BreakerFailures    uint32        `json:"breaker_failures"`
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout"`

	SummaryExpected uint    `json:"summary_expected"`
	SummaryFPRate   float64 `json:"summary_fp_rate"`

	// PersistInterval is how often state is saved while running. Zero saves
	// only on Stop.
	PersistInterval time.Duration `json:"persist_interval"`

	// Limitations are advertised to neighbors.
	Limitations handshake.Limitations `json:"limitations"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Prophet:              prophet.DefaultParams(),
		Strategy:             prophet.StrategyGRTR,
		NFMax:                prophet.DefaultNFMax,
		RetryBase:            retransmit.DefaultBase,
		RetryLimit:           retransmit.DefaultLimit,
		NextExchangeInterval: 600 * time.Second,
		NextExchangeTimeout:  600 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		RequestsPerSecond:    5,
		RequestBurst:         10,
		BreakerFailures:      5,
		BreakerOpenTimeout:   60 * time.Second,
		SummaryExpected:      summary.DefaultExpectedElements,
		SummaryFPRate:        summary.DefaultFalsePositiveRate,
		PersistInterval:      5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.LocalEID.IsNone() {
		return dtn.ErrConfig("local_eid", errors.New("required"))
	}
	if err := c.Prophet.Validate(); err != nil {
		return err
	}
	if _, err := prophet.NewStrategy(c.Strategy, c.NFMax); err != nil {
		return err
	}
	if c.RetryBase < 1 {
		return dtn.ErrConfig("retry_base", errors.New("must be at least 1"))
	}
	if c.RetryLimit <= 0 {
		return dtn.ErrConfig("retry_limit", errors.New("must be positive"))
	}
	if c.NextExchangeInterval <= 0 || c.NextExchangeTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return dtn.ErrConfig("handshake", errors.New("intervals must be positive"))
	}
	if c.NextExchangeTimeout > handshake.MaxLifetime {
		return dtn.ErrConfig("next_exchange_timeout", errors.New("exceeds maximum lifetime"))
	}
	if c.RequestsPerSecond <= 0 || c.RequestBurst <= 0 {
		return dtn.ErrConfig("rate_limit", errors.New("must be positive"))
	}
	if c.BreakerFailures == 0 {
		return dtn.ErrConfig("breaker_failures", errors.New("must be positive"))
	}
	if c.SummaryFPRate <= 0 || c.SummaryFPRate >= 1 {
		return dtn.ErrConfig("summary_fp_rate", errors.New("must be within (0,1)"))
	}
	if c.PersistInterval < 0 {
		return dtn.ErrConfig("persist_interval", errors.New("must not be negative"))
	}
	return nil
}
