package telegram

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ex-kagura/internal/connector"
)

// Type is the connector type token used in configuration.
const Type = "telegram"

const (
	defaultSessionDir  = ".cache/telegram"
	defaultAuthTimeout = time.Minute
)

type rawConfig struct {
	AppID       int     `json:"app_id"`
	AppHash     string  `json:"app_hash"`
	SessionFile string  `json:"session_file"`
	AuthTimeout string  `json:"auth_timeout"`
	Moderators  []int64 `json:"moderators"`
	Owners      []int64 `json:"owners"`
	connector.PolicyConfig
}

// Config holds validated Telegram connector settings.
type Config struct {
	// AppID and AppHash identify the MTProto application.
	AppID   int
	AppHash string
	// SessionFile persists the MTProto session between restarts.
	SessionFile string
	// AuthTimeout bounds bot login.
	AuthTimeout time.Duration
	// Moderators are user ids granted the moderator role.
	Moderators []int64
	// Owners are user ids granted the owner role.
	Owners []int64
	// Policy bounds reconnects and sends.
	Policy connector.Policy
}

// ParseConfig decodes one connector config payload for connector name.
func ParseConfig(name string, raw []byte) (Config, error) {
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("missing config")
	}

	var parsed rawConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		AppID:       parsed.AppID,
		AppHash:     strings.TrimSpace(parsed.AppHash),
		SessionFile: strings.TrimSpace(parsed.SessionFile),
		AuthTimeout: defaultAuthTimeout,
		Moderators:  parsed.Moderators,
		Owners:      parsed.Owners,
	}
	if cfg.AppID <= 0 {
		return Config{}, fmt.Errorf("app_id must be > 0")
	}
	if cfg.AppHash == "" {
		return Config{}, fmt.Errorf("app_hash is required")
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionDir + "/" + name + ".json"
	}

	timeout, ok, err := connector.ParseDuration("auth_timeout", parsed.AuthTimeout)
	if err != nil {
		return Config{}, err
	}
	if ok {
		cfg.AuthTimeout = timeout
	}

	policy, err := parsed.PolicyConfig.Policy(connector.DefaultPolicy())
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	return cfg, nil
}
