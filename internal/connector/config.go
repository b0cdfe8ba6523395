package connector

import (
	"fmt"
	"strings"
	"time"

	"ex-kagura/internal/ratelimit"
)

// PolicyConfig is the JSON shape of reconnect and send bounds shared by
// every connector type.
type PolicyConfig struct {
	ReconnectBase    string   `json:"reconnect_base"`
	ReconnectMax     string   `json:"reconnect_max"`
	ReconnectJitter  *float64 `json:"reconnect_jitter"`
	StableAfter      string   `json:"stable_after"`
	SendAttempts     int      `json:"send_attempts"`
	SendTimeout      string   `json:"send_timeout"`
	OutboundCount    int      `json:"outbound_count"`
	OutboundInterval string   `json:"outbound_interval"`
}

// Policy overlays configured values onto base.
func (c PolicyConfig) Policy(base Policy) (Policy, error) {
	policy := base
	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "reconnect_base", raw: c.ReconnectBase, target: &policy.ReconnectBase},
		{name: "reconnect_max", raw: c.ReconnectMax, target: &policy.ReconnectMax},
		{name: "stable_after", raw: c.StableAfter, target: &policy.StableAfter},
		{name: "send_timeout", raw: c.SendTimeout, target: &policy.SendTimeout},
	}
	for _, duration := range durations {
		parsed, ok, err := ParseDuration(duration.name, duration.raw)
		if err != nil {
			return Policy{}, err
		}
		if ok {
			*duration.target = parsed
		}
	}

	if c.ReconnectJitter != nil {
		if *c.ReconnectJitter < 0 || *c.ReconnectJitter > 1 {
			return Policy{}, fmt.Errorf("parse reconnect_jitter: must be within [0, 1]")
		}
		policy.ReconnectJitter = *c.ReconnectJitter
	}
	if c.SendAttempts < 0 {
		return Policy{}, fmt.Errorf("parse send_attempts: must be >= 0")
	}
	if c.SendAttempts > 0 {
		policy.SendAttempts = c.SendAttempts
	}

	interval, hasInterval, err := ParseDuration("outbound_interval", c.OutboundInterval)
	if err != nil {
		return Policy{}, err
	}
	switch {
	case c.OutboundCount < 0:
		return Policy{}, fmt.Errorf("parse outbound_count: must be >= 0")
	case c.OutboundCount > 0 && hasInterval:
		policy.Outbound = ratelimit.PerInterval(c.OutboundCount, interval)
	case c.OutboundCount > 0 || hasInterval:
		return Policy{}, fmt.Errorf("parse outbound limit: outbound_count and outbound_interval go together")
	}

	return policy.withDefaults(), nil
}

// ParseDuration parses one optional positive duration field.
func ParseDuration(name string, raw string) (time.Duration, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed <= 0 {
		return 0, false, fmt.Errorf("parse %s: must be > 0", name)
	}

	return parsed, true, nil
}
