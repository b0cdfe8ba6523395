package push

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ex-kagura/internal/connector"
)

// Type is the connector type token used in configuration.
const Type = "push"

const (
	defaultPingInterval = 4 * time.Minute
	defaultPongTimeout  = 10 * time.Second
	defaultLoginTimeout = 10 * time.Second
)

type rawConfig struct {
	URL          string   `json:"url"`
	Topics       []string `json:"topics"`
	PingInterval string   `json:"ping_interval"`
	PongTimeout  string   `json:"pong_timeout"`
	LoginTimeout string   `json:"login_timeout"`
	connector.PolicyConfig
}

// Config holds validated push connector settings.
type Config struct {
	// URL is the websocket endpoint.
	URL string
	// Topics are subscribed with LISTEN after connect.
	Topics []string
	// PingInterval is how often the client pings.
	PingInterval time.Duration
	// PongTimeout is how long silence may outlast one ping interval.
	PongTimeout time.Duration
	// LoginTimeout bounds the LISTEN handshake.
	LoginTimeout time.Duration
	// Policy bounds reconnects and sends.
	Policy connector.Policy
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
		URL:          strings.TrimSpace(parsed.URL),
		PingInterval: defaultPingInterval,
		PongTimeout:  defaultPongTimeout,
		LoginTimeout: defaultLoginTimeout,
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil || cfg.URL == "" {
		return Config{}, fmt.Errorf("url is required")
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return Config{}, fmt.Errorf("url scheme must be ws or wss")
	}
	for _, topic := range parsed.Topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			cfg.Topics = append(cfg.Topics, topic)
		}
	}
	if len(cfg.Topics) == 0 {
		return Config{}, fmt.Errorf("at least one topic is required")
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "ping_interval", raw: parsed.PingInterval, target: &cfg.PingInterval},
		{name: "pong_timeout", raw: parsed.PongTimeout, target: &cfg.PongTimeout},
		{name: "login_timeout", raw: parsed.LoginTimeout, target: &cfg.LoginTimeout},
	}
	for _, duration := range durations {
		value, ok, err := connector.ParseDuration(duration.name, duration.raw)
		if err != nil {
			return Config{}, err
		}
		if ok {
			*duration.target = value
		}
	}

	policy, err := parsed.PolicyConfig.Policy(connector.DefaultPolicy())
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	return cfg, nil
}
