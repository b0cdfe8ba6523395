package irc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/ratelimit"
)

// Type is the connector type token used in configuration.
const Type = "irc"

const (
	defaultLoginTimeout = 10 * time.Second
	defaultCapabilities = "twitch.tv/tags twitch.tv/commands"
)

type rawConfig struct {
	Address      string   `json:"address"`
	TLS          bool     `json:"tls"`
	Channels     []string `json:"channels"`
	Capabilities *string  `json:"capabilities"`
	LoginTimeout string   `json:"login_timeout"`
	Owners       []string `json:"owners"`
	connector.PolicyConfig
}

// Config holds validated IRC connector settings.
type Config struct {
	// Address is the host:port of the chat server.
	Address string
	// TLS dials with TLS when set.
	TLS bool
	// Channels are joined after login.
	Channels []string
	// Capabilities are requested with CAP REQ when non-empty.
	Capabilities string
	// LoginTimeout bounds the login handshake.
	LoginTimeout time.Duration
	// Owners are sender logins granted the owner role.
	Owners []string
	// Policy bounds reconnects and sends.
	Policy connector.Policy
}

// DefaultPolicy allows 20 outbound messages per 30 seconds.
func DefaultPolicy() connector.Policy {
	policy := connector.DefaultPolicy()
	policy.Outbound = ratelimit.PerInterval(20, 30*time.Second)

	return policy
}

// ParseConfig decodes one connector config payload.
func ParseConfig(raw []byte) (Config, error) {
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("missing config")
	}

	var parsed rawConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Address:      strings.TrimSpace(parsed.Address),
		TLS:          parsed.TLS,
		Capabilities: defaultCapabilities,
		LoginTimeout: defaultLoginTimeout,
	}
	if cfg.Address == "" {
		return Config{}, fmt.Errorf("address is required")
	}
	if parsed.Capabilities != nil {
		cfg.Capabilities = strings.TrimSpace(*parsed.Capabilities)
	}
	for _, channel := range parsed.Channels {
		channel = strings.ToLower(strings.TrimSpace(channel))
		if channel == "" {
			continue
		}
		if !strings.HasPrefix(channel, "#") {
			channel = "#" + channel
		}
		cfg.Channels = append(cfg.Channels, channel)
	}
	if len(cfg.Channels) == 0 {
		return Config{}, fmt.Errorf("at least one channel is required")
	}
	for _, owner := range parsed.Owners {
		if owner = strings.ToLower(strings.TrimSpace(owner)); owner != "" {
			cfg.Owners = append(cfg.Owners, owner)
		}
	}

	timeout, ok, err := connector.ParseDuration("login_timeout", parsed.LoginTimeout)
	if err != nil {
		return Config{}, err
	}
	if ok {
		cfg.LoginTimeout = timeout
	}

	policy, err := parsed.PolicyConfig.Policy(DefaultPolicy())
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	return cfg, nil
}
