package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ex-kagura/internal/kernel"
)

var testConnectorTypes = []string{"irc", "push", "telegram"}

func writeConfigFile(t *testing.T, name string, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	return path
}

const yamlConfig = `
log_level: warn
admin_addr: 127.0.0.1:9400
kernel:
  handler_timeout: 3s
  lane_buffer: 16
  backpressure: drop_oldest
storage:
  driver: sqlite
  dsn: state/kagura.db
credentials:
  file: secrets/credentials.json
scripts:
  dir: scripts
  budget: 500ms
llm:
  providers:
    main:
      type: openai
      api_key: sk-test
connectors:
  - name: irc-main
    type: irc
    config:
      address: irc.example.com:6697
      tls: true
      channels: ["#c1"]
  - name: push
    type: push
    enabled: false
    config:
      url: wss://push.example.com/ws
settings:
  router.prefix: "?"
  currency.name: points
  patterns.entries:
    - name: greet
      pattern: "^hello"
      reply: hi
`

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "WARNING", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfigFromYAMLFlag(t *testing.T) {
	path := writeConfigFile(t, "kagura.yaml", yamlConfig)

	cfg, err := loadConfig([]string{"--config", path}, testConnectorTypes)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	if cfg.configFile != path {
		t.Fatalf("config file = %q, want %q", cfg.configFile, path)
	}
	if cfg.logLevel != slog.LevelWarn {
		t.Fatalf("log level = %v, want warn", cfg.logLevel)
	}
	if cfg.adminAddr != "127.0.0.1:9400" {
		t.Fatalf("admin addr = %q", cfg.adminAddr)
	}
	wantKernel := kernelConfig{handlerTimeout: 3 * time.Second, laneBuffer: 16, backpressure: kernel.BackpressureDropOldest}
	if diff := cmp.Diff(wantKernel, cfg.kernel, cmp.AllowUnexported(kernelConfig{})); diff != "" {
		t.Fatalf("kernel config mismatch (-want +got):\n%s", diff)
	}
	if cfg.storage.Driver != "sqlite" || cfg.storage.DSN != "state/kagura.db" {
		t.Fatalf("storage = %+v", cfg.storage)
	}
	if cfg.credentialsFile != "secrets/credentials.json" {
		t.Fatalf("credentials file = %q", cfg.credentialsFile)
	}
	if cfg.scriptsDir != "scripts" || cfg.scriptBudget != 500*time.Millisecond {
		t.Fatalf("scripts = %q %s", cfg.scriptsDir, cfg.scriptBudget)
	}
	if _, ok := cfg.llm.Providers["main"]; !ok {
		t.Fatalf("llm providers = %+v, want main", cfg.llm.Providers)
	}

	wantNames := []string{"irc-main", "push"}
	gotNames := make([]string, 0, len(cfg.connectors))
	for _, definition := range cfg.connectors {
		gotNames = append(gotNames, definition.Name)
	}
	if diff := cmp.Diff(wantNames, gotNames); diff != "" {
		t.Fatalf("connector names mismatch (-want +got):\n%s", diff)
	}
	if !cfg.connectors[0].Enabled || cfg.connectors[1].Enabled {
		t.Fatalf("enabled flags = %v %v", cfg.connectors[0].Enabled, cfg.connectors[1].Enabled)
	}
	var ircConfig struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(cfg.connectors[0].Config, &ircConfig); err != nil || ircConfig.Address != "irc.example.com:6697" {
		t.Fatalf("irc config = %s (%v)", cfg.connectors[0].Config, err)
	}

	wantSettings := map[string]string{
		"router.prefix":    `"?"`,
		"currency.name":    `"points"`,
		"patterns.entries": `[{"name":"greet","pattern":"^hello","reply":"hi"}]`,
	}
	gotSettings := make(map[string]string, len(cfg.settings))
	for key, raw := range cfg.settings {
		gotSettings[key] = string(raw)
	}
	if diff := cmp.Diff(wantSettings, gotSettings); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	path := writeConfigFile(t, "kagura.json", `{
		// comments are allowed
		"log_level": "info",
		"connectors": [
			{"name": "irc-main", "type": "IRC", "config": {"address": "irc.example.com:6667"}},
		],
	}`)
	t.Setenv("KAGURA_CONFIG_FILE", path)
	t.Setenv("KAGURA_LOG_LEVEL", "debug")
	t.Setenv("KAGURA_METRICS_ADDR", ":9100")
	t.Setenv("KAGURA_STORAGE_DRIVER", "postgres")
	t.Setenv("KAGURA_STORAGE_DSN", "postgres://localhost/kagura")
	t.Setenv("KAGURA_CREDENTIALS_PASSPHRASE", "hunter2")

	cfg, err := loadConfig(nil, testConnectorTypes)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	if cfg.logLevel != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", cfg.logLevel)
	}
	if cfg.adminAddr != ":9100" {
		t.Fatalf("admin addr = %q, want :9100", cfg.adminAddr)
	}
	if cfg.storage.Driver != "postgres" || cfg.storage.DSN != "postgres://localhost/kagura" {
		t.Fatalf("storage = %+v", cfg.storage)
	}
	if cfg.credentialsPassphrase != "hunter2" {
		t.Fatalf("passphrase not applied")
	}
	if cfg.connectors[0].Type != "irc" {
		t.Fatalf("connector type = %q, want lowercased irc", cfg.connectors[0].Type)
	}
	if cfg.scriptBudget != defaultScriptBudget {
		t.Fatalf("script budget = %s, want default", cfg.scriptBudget)
	}
}

func TestLoadConfigFlagWinsOverEnvironment(t *testing.T) {
	good := writeConfigFile(t, "good.yaml", yamlConfig)
	t.Setenv("KAGURA_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loadConfig([]string{"-c", good}, testConnectorTypes)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.configFile != good {
		t.Fatalf("config file = %q, want %q", cfg.configFile, good)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	const ircEntry = `{"name":"irc-main","type":"irc","config":{"address":"irc.example.com:6667"}}`

	tests := []struct {
		name    string
		file    string
		body    string
		args    []string
		wantErr string
	}{
		{name: "unknown field", file: "a.json", body: `{"connectors":[` + ircEntry + `],"bogus":1}`, wantErr: "bogus"},
		{name: "no connectors", file: "a.json", body: `{}`, wantErr: "at least one enabled connector"},
		{
			name:    "all connectors disabled",
			file:    "a.json",
			body:    `{"connectors":[{"name":"x","type":"irc","enabled":false,"config":{}}]}`,
			wantErr: "at least one enabled connector",
		},
		{
			name:    "duplicate connector",
			file:    "a.json",
			body:    `{"connectors":[` + ircEntry + `,` + ircEntry + `]}`,
			wantErr: "duplicate name",
		},
		{
			name:    "unknown connector type",
			file:    "a.json",
			body:    `{"connectors":[{"name":"x","type":"smoke","config":{}}]}`,
			wantErr: "supported types are irc, push, telegram",
		},
		{
			name:    "connector without config",
			file:    "a.json",
			body:    `{"connectors":[{"name":"x","type":"irc"}]}`,
			wantErr: "connectors[0].config",
		},
		{
			name:    "sqlite without dsn",
			file:    "a.json",
			body:    `{"storage":{"driver":"sqlite"},"connectors":[` + ircEntry + `]}`,
			wantErr: "storage.dsn",
		},
		{
			name:    "bad backpressure",
			file:    "a.json",
			body:    `{"kernel":{"backpressure":"spill"},"connectors":[` + ircEntry + `]}`,
			wantErr: "kernel.backpressure",
		},
		{
			name:    "negative duration",
			file:    "a.json",
			body:    `{"kernel":{"handler_timeout":"-1s"},"connectors":[` + ircEntry + `]}`,
			wantErr: "kernel.handler_timeout",
		},
		{
			name:    "zero lane buffer",
			file:    "a.json",
			body:    `{"kernel":{"lane_buffer":0},"connectors":[` + ircEntry + `]}`,
			wantErr: "kernel.lane_buffer",
		},
		{
			name:    "identity without file",
			file:    "a.json",
			body:    `{"credentials":{"identity_file":"key.txt"},"connectors":[` + ircEntry + `]}`,
			wantErr: "credentials.identity_file",
		},
		{
			name:    "bad llm section",
			file:    "a.json",
			body:    `{"llm":{"providers":{"main":{"type":"mystery"}}},"connectors":[` + ircEntry + `]}`,
			wantErr: "parse llm",
		},
		{name: "bad yaml", file: "a.yaml", body: "connectors: [", wantErr: "parse config file"},
		{name: "extra argument", file: "a.json", body: `{}`, args: []string{"extra"}, wantErr: "unexpected argument"},
		{name: "unknown flag", file: "a.json", body: `{}`, args: []string{"--verbose"}, wantErr: "unknown flag"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			path := writeConfigFile(t, testCase.file, testCase.body)
			args := append([]string{"--config", path}, testCase.args...)

			_, err := loadConfig(args, testConnectorTypes)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErr)
			}
		})
	}
}

func TestDecodeConfigEmptyYAML(t *testing.T) {
	parsed, err := decodeConfig(".yml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(parsed.Connectors) != 0 || parsed.Settings != nil {
		t.Fatalf("parsed = %+v, want zero config", parsed)
	}
}

func TestKernelConfigOptions(t *testing.T) {
	if got := len(kernelConfig{}.options()); got != 0 {
		t.Fatalf("empty config options = %d, want 0", got)
	}
	full := kernelConfig{
		moduleHookTimeout: time.Second,
		shutdownTimeout:   time.Second,
		handlerTimeout:    time.Second,
		laneBuffer:        1,
		laneIdle:          time.Second,
		backpressure:      kernel.BackpressureBlock,
		degradeGrace:      time.Second,
		janitorInterval:   time.Second,
	}
	if got := len(full.options()); got != 8 {
		t.Fatalf("full config options = %d, want 8", got)
	}
}
