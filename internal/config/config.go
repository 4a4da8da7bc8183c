// Package config loads desktop client settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/and161185/proupgrade/internal/model"
)

// AppName names the config directory and the deep-link scheme.
const AppName = "proupgrade"

const envconfigPrefix = "PROUPGRADE"

// Config holds the desktop client settings.
type Config struct {
	APIURL       string          `envconfig:"API_URL" default:"http://127.0.0.1:8080"`
	Transport    model.Transport `envconfig:"TRANSPORT" default:"loopback"`
	Dir          string          `envconfig:"DIR"`
	PriceYearly  string          `envconfig:"PRICE_YEARLY" default:"price_pro_yearly"`
	PriceMonthly string          `envconfig:"PRICE_MONTHLY" default:"price_pro_monthly"`
	PollInterval time.Duration   `envconfig:"POLL_INTERVAL" default:"5s"`
	FocusDelay   time.Duration   `envconfig:"FOCUS_DELAY" default:"500ms"`
	Verbose      bool            `envconfig:"VERBOSE"`
}

// Load reads PROUPGRADE_* variables and fills in the config dir. Values are not
// validated here so that flags can still override them; call Validate after.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if c.Dir == "" {
		c.Dir = DefaultDir()
	}
	return c, nil
}

// DefaultDir is $XDG_CONFIG_HOME/proupgrade, falling back to ~/.config/proupgrade.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// Validate checks the values that would otherwise fail deep inside a sign-in.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api url %q: want http(s)://host", c.APIURL)
	}
	switch c.Transport {
	case model.TransportLoopback, model.TransportDeepLink:
	default:
		return fmt.Errorf("transport %q: want %s or %s", c.Transport, model.TransportLoopback, model.TransportDeepLink)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.Dir == "" {
		return fmt.Errorf("config dir is empty")
	}
	return nil
}

// Prices maps plans to billing price ids.
func (c Config) Prices() map[model.PlanType]string {
	return map[model.PlanType]string{
		model.PlanYearly:  c.PriceYearly,
		model.PlanMonthly: c.PriceMonthly,
	}
}
