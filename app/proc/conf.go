package proc

import (
	"time"

	"github.com/pkg/errors"
)

// Conf for notifier config yml
type Conf struct {
	Feed       string `yaml:"feed"`       // feed name, scopes persisted keys and fanout topic
	Username   string `yaml:"username"`   // notifications for own items are suppressed
	Restricted bool   `yaml:"restricted"` // restricted role doesn't see staff-only items

	System struct {
		Heartbeat    time.Duration `yaml:"heartbeat"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
		PollInterval time.Duration `yaml:"poll_interval"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
	} `yaml:"system"`
}

// SetDefaults fills zero values
func (c *Conf) SetDefaults() {
	if c.Feed == "" {
		c.Feed = "events"
	}
	if c.System.Heartbeat == 0 {
		c.System.Heartbeat = 4 * time.Second
	}
	if c.System.LeaseTTL == 0 {
		c.System.LeaseTTL = 7 * time.Second
	}
	if c.System.PollInterval == 0 {
		c.System.PollInterval = 1500 * time.Millisecond
	}
	if c.System.FetchTimeout == 0 {
		c.System.FetchTimeout = 10 * time.Second
	}
}

// Validate checks timings, lease ttl must exceed heartbeat to tolerate a missed one
func (c *Conf) Validate() error {
	if c.System.Heartbeat <= 0 || c.System.PollInterval <= 0 || c.System.FetchTimeout <= 0 {
		return errors.New("heartbeat, poll interval and fetch timeout should be positive")
	}
	if c.System.LeaseTTL <= c.System.Heartbeat {
		return errors.Errorf("lease ttl %v should be greater than heartbeat %v", c.System.LeaseTTL, c.System.Heartbeat)
	}
	return nil
}
