package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server tuning surface, loaded from server.yaml.
type Config struct {
	HistoryCapacity int `yaml:"history_capacity"`
	MaxTextLen      int `yaml:"max_text_len"`

	SessionTTLSec        int `yaml:"session_ttl_sec"`
	SessionSweepEverySec int `yaml:"session_sweep_every_sec"`

	MaxActiveTrades int `yaml:"max_active_trades"`

	ChatPendingTimeoutSec int `yaml:"chat_pending_timeout_sec"`
	ReservationTimeoutSec int `yaml:"reservation_timeout_sec"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type RateLimits struct {
	ChatWindowSec int `yaml:"chat_window_sec"`
	ChatMax       int `yaml:"chat_max"`
}

func Defaults() Config {
	return Config{
		HistoryCapacity:       200,
		MaxTextLen:            1024,
		SessionTTLSec:         300,
		SessionSweepEverySec:  30,
		MaxActiveTrades:       256,
		ChatPendingTimeoutSec: 30,
		ReservationTimeoutSec: 30,
		RateLimits: RateLimits{
			ChatWindowSec: 10,
			ChatMax:       20,
		},
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("server.yaml: %w", err)
	}
	return c, nil
}

func (c Config) SessionTTL() time.Duration     { return time.Duration(c.SessionTTLSec) * time.Second }
func (c Config) SessionSweep() time.Duration   { return time.Duration(c.SessionSweepEverySec) * time.Second }
func (c Config) ChatPending() time.Duration    { return time.Duration(c.ChatPendingTimeoutSec) * time.Second }
func (c Config) ReservationTTL() time.Duration { return time.Duration(c.ReservationTimeoutSec) * time.Second }
