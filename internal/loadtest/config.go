package loadtest

import (
	"fmt"
	"net/url"
	"time"

	"github.com/studiowebux/stompload/internal/client"
	"github.com/studiowebux/stompload/internal/types"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultSubscribeTimeout  = 30 * time.Second
	DefaultBroadcastTimeout  = 60 * time.Second
	DefaultDisconnectTimeout = 30 * time.Second
	DefaultDialConcurrency   = 64

	MaxUsers     = 20000
	MaxMessages  = 1000000
	MaxProducers = 100
)

// Config is a scenario ready to run
type Config struct {
	types.Scenario
}

// NewConfig copies s and fills in defaults
func NewConfig(s types.Scenario) *Config {
	c := &Config{Scenario: s}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills optional fields
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "adhoc"
	}
	if c.Producers == 0 {
		c.Producers = 1
	}
	if c.SendDestination == "" {
		c.SendDestination = c.Destination
	}
	if c.Converter == "" {
		c.Converter = "json"
	}
	if c.DialConcurrency == 0 {
		c.DialConcurrency = DefaultDialConcurrency
	}
}

// Validate validates the scenario
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("url scheme must be ws, wss, http or https, got %q", u.Scheme)
	}
	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if c.Users <= 0 {
		return fmt.Errorf("users must be greater than 0")
	}
	if c.Users > MaxUsers {
		return fmt.Errorf("users cannot exceed %d", MaxUsers)
	}
	if c.Messages <= 0 {
		return fmt.Errorf("messages must be greater than 0")
	}
	if c.Messages > MaxMessages {
		return fmt.Errorf("messages cannot exceed %d", MaxMessages)
	}
	if c.Producers < 0 || c.Producers > MaxProducers {
		return fmt.Errorf("producers must be between 1 and %d", MaxProducers)
	}
	if c.DialConcurrency < 0 {
		return fmt.Errorf("dial concurrency cannot be negative")
	}
	if _, err := client.ConverterByName(c.Converter); err != nil {
		return err
	}
	t := c.Timeouts
	if t.ConnectMs < 0 || t.SubscribeMs < 0 || t.BroadcastMs < 0 || t.DisconnectMs < 0 {
		return fmt.Errorf("phase timeouts cannot be negative")
	}
	if c.WarmupURL != "" {
		if _, err := url.Parse(c.WarmupURL); err != nil {
			return fmt.Errorf("invalid warm-up url: %w", err)
		}
	}
	return nil
}

// ExpectedDeliveries is the number of MESSAGE frames the broadcast phase waits for
func (c *Config) ExpectedDeliveries() int {
	return c.Users * c.Messages * c.Producers
}

// GetConnectTimeout returns the connect phase timeout
func (c *Config) GetConnectTimeout() time.Duration {
	return msOrDefault(c.Timeouts.ConnectMs, DefaultConnectTimeout)
}

// GetSubscribeTimeout returns the subscribe phase timeout
func (c *Config) GetSubscribeTimeout() time.Duration {
	return msOrDefault(c.Timeouts.SubscribeMs, DefaultSubscribeTimeout)
}

// GetBroadcastTimeout returns the broadcast phase timeout
func (c *Config) GetBroadcastTimeout() time.Duration {
	return msOrDefault(c.Timeouts.BroadcastMs, DefaultBroadcastTimeout)
}

// GetDisconnectTimeout returns the disconnect phase timeout
func (c *Config) GetDisconnectTimeout() time.Duration {
	return msOrDefault(c.Timeouts.DisconnectMs, DefaultDisconnectTimeout)
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
