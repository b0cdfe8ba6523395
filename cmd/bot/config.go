package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/kernel"
	"ex-kagura/internal/storage"
	llmconfig "ex-kagura/pkg/llm/config"
)

const (
	defaultConfigFilePath   = "config/kagura.yaml"
	alternateConfigFilePath = "config/kagura.json"
	defaultScriptBudget     = 2 * time.Second
)

// envOverrides are read from the process environment and win over the file.
type envOverrides struct {
	ConfigFile            string `env:"KAGURA_CONFIG_FILE"`
	LogLevel              string `env:"KAGURA_LOG_LEVEL"`
	MetricsAddr           string `env:"KAGURA_METRICS_ADDR"`
	StorageDriver         string `env:"KAGURA_STORAGE_DRIVER"`
	StorageDSN            string `env:"KAGURA_STORAGE_DSN"`
	CredentialsPassphrase string `env:"KAGURA_CREDENTIALS_PASSPHRASE"`
}

type appConfig struct {
	configFile string
	logLevel   slog.Level
	adminAddr  string

	kernel kernelConfig

	storage storage.Config

	credentialsFile       string
	credentialsIdentity   string
	credentialsPassphrase string

	scriptsDir   string
	scriptBudget time.Duration

	llm        llmconfig.Config
	connectors []connector.Definition
	settings   map[string]json.RawMessage
}

type kernelConfig struct {
	moduleHookTimeout time.Duration
	shutdownTimeout   time.Duration
	handlerTimeout    time.Duration
	laneBuffer        int
	laneIdle          time.Duration
	backpressure      kernel.Backpressure
	degradeGrace      time.Duration
	janitorInterval   time.Duration
}

type fileConfig struct {
	LogLevel    string                     `json:"log_level"`
	AdminAddr   string                     `json:"admin_addr"`
	Kernel      fileKernelConfig           `json:"kernel"`
	Storage     fileStorageConfig          `json:"storage"`
	Credentials fileCredentialsConfig      `json:"credentials"`
	Scripts     fileScriptsConfig          `json:"scripts"`
	LLM         json.RawMessage            `json:"llm"`
	Connectors  []fileConnectorEntry       `json:"connectors"`
	Settings    map[string]json.RawMessage `json:"settings"`
}

type fileKernelConfig struct {
	ModuleHookTimeout string `json:"module_hook_timeout"`
	ShutdownTimeout   string `json:"shutdown_timeout"`
	HandlerTimeout    string `json:"handler_timeout"`
	LaneBuffer        *int   `json:"lane_buffer"`
	LaneIdle          string `json:"lane_idle"`
	Backpressure      string `json:"backpressure"`
	DegradeGrace      string `json:"degrade_grace"`
	JanitorInterval   string `json:"janitor_interval"`
}

type fileStorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type fileCredentialsConfig struct {
	File         string `json:"file"`
	IdentityFile string `json:"identity_file"`
}

type fileScriptsConfig struct {
	Dir    string `json:"dir"`
	Budget string `json:"budget"`
}

type fileConnectorEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// loadConfig resolves the config file from flags, environment and default
// candidates, then applies environment overrides.
func loadConfig(args []string, knownTypes []string) (appConfig, error) {
	flagSet := pflag.NewFlagSet("kagura", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	configFlag := flagSet.StringP("config", "c", "", "path to the YAML or JSON config file")
	if err := flagSet.Parse(args); err != nil {
		return appConfig{}, err
	}
	if flagSet.NArg() > 0 {
		return appConfig{}, fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return appConfig{}, fmt.Errorf("parse environment: %w", err)
	}

	path := strings.TrimSpace(*configFlag)
	if path == "" {
		path = strings.TrimSpace(overrides.ConfigFile)
	}
	if path == "" {
		resolved, err := findConfigFile()
		if err != nil {
			return appConfig{}, err
		}
		path = resolved
	}

	parsed, err := readConfigFile(path)
	if err != nil {
		return appConfig{}, err
	}
	cfg, err := buildAppConfig(parsed)
	if err != nil {
		return appConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg.configFile = path
	if err := applyOverrides(&cfg, overrides); err != nil {
		return appConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := validateAppConfig(cfg, knownTypes); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
	}

	return cfg, nil
}

func findConfigFile() (string, error) {
	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, pass --config or set KAGURA_CONFIG_FILE",
		defaultConfigFilePath,
		alternateConfigFilePath,
	)
}

// readConfigFile decodes YAML or JSON-with-comments by extension.
func readConfigFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	parsed, err := decodeConfig(filepath.Ext(path), data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return parsed, nil
}

func decodeConfig(ext string, data []byte) (fileConfig, error) {
	var plain []byte
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var document any
		if err := yaml.Unmarshal(data, &document); err != nil {
			return fileConfig{}, err
		}
		if document == nil {
			document = map[string]any{}
		}
		encoded, err := json.Marshal(document)
		if err != nil {
			return fileConfig{}, fmt.Errorf("convert yaml: %w", err)
		}
		plain = encoded
	default:
		plain = jsonc.ToJSON(data)
	}

	decoder := json.NewDecoder(bytes.NewReader(plain))
	decoder.DisallowUnknownFields()
	var parsed fileConfig
	if err := decoder.Decode(&parsed); err != nil {
		return fileConfig{}, err
	}

	return parsed, nil
}

func buildAppConfig(parsed fileConfig) (appConfig, error) {
	cfg := appConfig{
		logLevel:     slog.LevelInfo,
		adminAddr:    strings.TrimSpace(parsed.AdminAddr),
		scriptBudget: defaultScriptBudget,
		storage: storage.Config{
			Driver: strings.TrimSpace(parsed.Storage.Driver),
			DSN:    strings.TrimSpace(parsed.Storage.DSN),
		},
		credentialsFile:     strings.TrimSpace(parsed.Credentials.File),
		credentialsIdentity: strings.TrimSpace(parsed.Credentials.IdentityFile),
		scriptsDir:          strings.TrimSpace(parsed.Scripts.Dir),
		settings:            parsed.Settings,
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	kernelCfg, err := parseKernelConfig(parsed.Kernel)
	if err != nil {
		return appConfig{}, err
	}
	cfg.kernel = kernelCfg

	budget, ok, err := connector.ParseDuration("scripts.budget", parsed.Scripts.Budget)
	if err != nil {
		return appConfig{}, err
	}
	if ok {
		cfg.scriptBudget = budget
	}

	llmCfg, err := llmconfig.Parse(parsed.LLM)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse llm: %w", err)
	}
	cfg.llm = llmCfg

	cfg.connectors = make([]connector.Definition, 0, len(parsed.Connectors))
	for index, entry := range parsed.Connectors {
		if len(entry.Config) == 0 {
			return appConfig{}, fmt.Errorf("parse connectors[%d].config: required", index)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.connectors = append(cfg.connectors, connector.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.ToLower(strings.TrimSpace(entry.Type)),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return cfg, nil
}

func parseKernelConfig(raw fileKernelConfig) (kernelConfig, error) {
	var cfg kernelConfig
	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "kernel.module_hook_timeout", raw: raw.ModuleHookTimeout, target: &cfg.moduleHookTimeout},
		{name: "kernel.shutdown_timeout", raw: raw.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{name: "kernel.handler_timeout", raw: raw.HandlerTimeout, target: &cfg.handlerTimeout},
		{name: "kernel.lane_idle", raw: raw.LaneIdle, target: &cfg.laneIdle},
		{name: "kernel.degrade_grace", raw: raw.DegradeGrace, target: &cfg.degradeGrace},
		{name: "kernel.janitor_interval", raw: raw.JanitorInterval, target: &cfg.janitorInterval},
	}
	for _, duration := range durations {
		parsed, ok, err := connector.ParseDuration(duration.name, duration.raw)
		if err != nil {
			return kernelConfig{}, err
		}
		if ok {
			*duration.target = parsed
		}
	}

	if raw.LaneBuffer != nil {
		if *raw.LaneBuffer <= 0 {
			return kernelConfig{}, fmt.Errorf("parse kernel.lane_buffer: must be > 0")
		}
		cfg.laneBuffer = *raw.LaneBuffer
	}
	if rawPolicy := strings.TrimSpace(raw.Backpressure); rawPolicy != "" {
		policy := kernel.Backpressure(strings.ToLower(rawPolicy))
		if err := policy.Validate(); err != nil {
			return kernelConfig{}, fmt.Errorf("parse kernel.backpressure: %w", err)
		}
		cfg.backpressure = policy
	}

	return cfg, nil
}

func applyOverrides(cfg *appConfig, overrides envOverrides) error {
	if rawLevel := strings.TrimSpace(overrides.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse KAGURA_LOG_LEVEL: %w", err)
		}
		cfg.logLevel = level
	}
	if addr := strings.TrimSpace(overrides.MetricsAddr); addr != "" {
		cfg.adminAddr = addr
	}
	if driver := strings.TrimSpace(overrides.StorageDriver); driver != "" {
		cfg.storage.Driver = driver
	}
	if dsn := strings.TrimSpace(overrides.StorageDSN); dsn != "" {
		cfg.storage.DSN = dsn
	}
	cfg.credentialsPassphrase = overrides.CredentialsPassphrase

	return nil
}

func validateAppConfig(cfg appConfig, knownTypes []string) error {
	known := make(map[string]struct{}, len(knownTypes))
	for _, connectorType := range knownTypes {
		known[connectorType] = struct{}{}
	}

	seen := make(map[string]struct{}, len(cfg.connectors))
	enabled := 0
	for index, definition := range cfg.connectors {
		if definition.Name == "" {
			return fmt.Errorf("connectors[%d].name is required", index)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("connectors[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if _, ok := known[definition.Type]; !ok {
			types := append([]string(nil), knownTypes...)
			sort.Strings(types)
			return fmt.Errorf("connectors[%s].type %q: supported types are %s",
				definition.Name, definition.Type, strings.Join(types, ", "))
		}
		if definition.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled connector is required")
	}

	switch strings.ToLower(cfg.storage.Driver) {
	case storage.DriverSQLite, storage.DriverPostgres:
		if cfg.storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", cfg.storage.Driver)
		}
	}
	if cfg.credentialsIdentity != "" && cfg.credentialsFile == "" {
		return fmt.Errorf("credentials.identity_file requires credentials.file")
	}
	for key := range cfg.settings {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("settings: empty key")
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// options translates configured overrides. Zero values keep kernel defaults.
func (c kernelConfig) options() []kernel.Option {
	var options []kernel.Option
	if c.moduleHookTimeout > 0 {
		options = append(options, kernel.WithModuleHookTimeout(c.moduleHookTimeout))
	}
	if c.shutdownTimeout > 0 {
		options = append(options, kernel.WithShutdownTimeout(c.shutdownTimeout))
	}
	if c.handlerTimeout > 0 {
		options = append(options, kernel.WithHandlerTimeout(c.handlerTimeout))
	}
	if c.laneBuffer > 0 {
		options = append(options, kernel.WithLaneBuffer(c.laneBuffer))
	}
	if c.laneIdle > 0 {
		options = append(options, kernel.WithLaneIdle(c.laneIdle))
	}
	if c.backpressure != "" {
		options = append(options, kernel.WithBackpressure(c.backpressure))
	}
	if c.degradeGrace > 0 {
		options = append(options, kernel.WithDegradeGrace(c.degradeGrace))
	}
	if c.janitorInterval > 0 {
		options = append(options, kernel.WithJanitorInterval(c.janitorInterval))
	}

	return options
}
