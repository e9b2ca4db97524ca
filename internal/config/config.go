package config

import (
	"fmt"
	"time"
)

// Config holds process-level configuration. Scheduler settings that can change
// at runtime (interval, segments, limits) are seeded from here on first run
// and live in the settings table afterwards.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8741"`
	DataDir    string `envconfig:"DATA_DIR" default:"./data"`

	BaseURL        string        `envconfig:"BASE_URL" default:"https://www.connect2nse.com/extranet-api"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	RequestsPerSec float64       `envconfig:"REQUESTS_PER_SEC" default:"4"`

	IntervalMinutes  int    `envconfig:"INTERVAL_MINUTES" default:"60"`
	Segments         string `envconfig:"SEGMENTS" default:"CM,FO,SLB"`
	MaxConcurrent    int    `envconfig:"MAX_CONCURRENT" default:"3"`
	MaxRetries       int    `envconfig:"MAX_RETRIES" default:"3"`
	MidnightAutoStop bool   `envconfig:"MIDNIGHT_AUTO_STOP" default:"true"`

	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`

	KeyFile string `envconfig:"KEY_FILE" default:""`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Validate checks the configuration for invalid values, returning the first
// problem found.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.IntervalMinutes < 1 || c.IntervalMinutes > 1440 {
		return fmt.Errorf("interval minutes must be in [1,1440]: %d", c.IntervalMinutes)
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 10 {
		return fmt.Errorf("max concurrent downloads must be in [1,10]: %d", c.MaxConcurrent)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("max retry attempts must be in [1,10]: %d", c.MaxRetries)
	}
	if c.Segments == "" {
		return fmt.Errorf("segments cannot be empty")
	}
	if c.RequestsPerSec <= 0 {
		return fmt.Errorf("requests per second must be positive: %v", c.RequestsPerSec)
	}
	return nil
}
