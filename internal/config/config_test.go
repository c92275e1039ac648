package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"httptrading/internal/broker"
)

const sampleConfig = `
server:
  host: "0.0.0.0"
  port: 8080
  grpc_port: 9090
  read_timeout: 15s
logging:
  level: "debug"
  format: "text"
bridge:
  workers: 8
  timeout: 5s
instances:
  - id: paperDeskInstance0001
    broker: simulator
    tokens: ["${TEST_SIM_TOKEN}", "second-token-0123456789"]
    args:
      account: desk
      opening_cash: 25000
  - id: alpacaPaperInstance01
    broker: alpaca
    tokens: ["alpaca-token-0123456789"]
    args:
      api_key: "${TEST_ALPACA_KEY}"
      api_secret: "secret$with$dollars"
      base_url: "https://paper-api.alpaca.markets"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "httptrading-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearOverrides(t *testing.T) {
	for _, k := range []string{"HTTPTRADING_HOST", "HTTPTRADING_PORT", "HTTPTRADING_GRPC_PORT",
		"LOG_LEVEL", "LOG_FORMAT", "BRIDGE_WORKERS", "BRIDGE_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SIM_TOKEN", "sim-token-from-env-0001")
	t.Setenv("TEST_ALPACA_KEY", "PKTEST")

	cfg, err := Load(writeTemp(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Server --
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("ports = %d/%d, want 8080/9090", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %s, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("Server.WriteTimeout = %s, want default 60s", cfg.Server.WriteTimeout)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// -- Bridge --
	if cfg.Bridge.Workers != 8 || cfg.Bridge.Timeout != 5*time.Second || cfg.Bridge.PerInstance != 4 {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}

	// -- Instances --
	if len(cfg.Instances) != 2 {
		t.Fatalf("len(Instances) = %d, want 2", len(cfg.Instances))
	}
	if got := cfg.Instances[0].Tokens[0]; got != "sim-token-from-env-0001" {
		t.Errorf("token = %q, want expanded env value", got)
	}

	specs := cfg.Specs()
	var sim struct {
		Account     string  `yaml:"account"`
		OpeningCash float64 `yaml:"opening_cash"`
	}
	if err := specs[0].Args.Decode(&sim); err != nil {
		t.Fatalf("decoding simulator args: %v", err)
	}
	if sim.Account != "desk" || sim.OpeningCash != 25000 {
		t.Errorf("simulator args = %+v", sim)
	}
	var alp struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	}
	if err := specs[1].Args.Decode(&alp); err != nil {
		t.Fatalf("decoding alpaca args: %v", err)
	}
	if alp.APIKey != "PKTEST" || alp.APISecret != "secret$with$dollars" {
		t.Errorf("alpaca args = %+v", alp)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SIM_TOKEN", "sim-token-from-env-0001")
	t.Setenv("HTTPTRADING_PORT", "9000")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BRIDGE_WORKERS", "2")
	t.Setenv("BRIDGE_TIMEOUT", "750ms")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Bridge.Workers != 2 || cfg.Bridge.PerInstance != 2 || cfg.Bridge.Timeout != 750*time.Millisecond {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}

	t.Setenv("HTTPTRADING_PORT", "not-a-port")
	if _, err := Parse([]byte(sampleConfig)); err == nil {
		t.Error("Parse accepted a non-numeric HTTPTRADING_PORT")
	}
}

func TestDefaults(t *testing.T) {
	clearOverrides(t)
	cfg, err := Parse([]byte(`
instances:
  - id: paperDeskInstance0001
    broker: simulator
    tokens: ["paper-token-0123456789"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 0 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Bridge.Workers != 16 || cfg.Bridge.Timeout != 10*time.Second {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Logging.Format != "json" || cfg.Health.Interval != 30*time.Second {
		t.Errorf("Logging/Health = %+v/%+v", cfg.Logging, cfg.Health)
	}
	if specs := cfg.Specs(); specs[0].Args != broker.NoArgs() {
		t.Errorf("missing args should decode as NoArgs, got %T", specs[0].Args)
	}
}

func TestValidate(t *testing.T) {
	clearOverrides(t)
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no instances", `server: {port: 8080}`, "no instances"},
		{"short id", `
instances:
  - {id: short, broker: simulator, tokens: ["paper-token-0123456789"]}`, "16-32"},
		{"duplicate id", `
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"]}
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"]}`, "duplicate"},
		{"unknown broker", `
instances:
  - {id: paperDeskInstance0001, broker: etrade, tokens: ["paper-token-0123456789"]}`, "unknown broker"},
		{"short token", `
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["tiny"]}`, "token 0"},
		{"no tokens", `
instances:
  - {id: paperDeskInstance0001, broker: simulator}`, "at least one token"},
		{"bad workers", `
bridge: {workers: -1}
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"]}`, "bridge.workers"},
		{"per_instance above workers", `
bridge: {workers: 2, per_instance: 3}
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"]}`, "exceeds bridge.workers"},
		{"shared simulator account", `
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"], args: {db_path: /tmp/desk.db, account: desk}}
  - {id: paperDeskInstance0002, broker: simulator, tokens: ["paper-token-0123456789"], args: {db_path: /tmp/desk.db, account: desk}}`, "share simulator state"},
		{"port clash", `
server: {port: 8080, grpc_port: 8080}
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"]}`, "grpc_port"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.doc))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %v, want it to mention %q", tt.name, err, tt.want)
		}
	}
}

func TestValidateSharedDatabase(t *testing.T) {
	clearOverrides(t)
	// One file, distinct accounts. The account defaults to the instance id.
	_, err := Parse([]byte(`
instances:
  - {id: paperDeskInstance0001, broker: simulator, tokens: ["paper-token-0123456789"], args: {db_path: /tmp/desk.db}}
  - {id: paperDeskInstance0002, broker: simulator, tokens: ["paper-token-0123456789"], args: {db_path: /tmp/desk.db}}
  - {id: paperDeskInstance0003, broker: simulator, tokens: ["paper-token-0123456789"], args: {db_path: /tmp/desk.db, account: desk}}
  - {id: paperDeskInstance0004, broker: simulator, tokens: ["paper-token-0123456789"]}
  - {id: paperDeskInstance0005, broker: simulator, tokens: ["paper-token-0123456789"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("HTTPTRADING_CONFIG", "")
	if Path() != DefaultPath {
		t.Errorf("Path() = %q, want %q", Path(), DefaultPath)
	}
	t.Setenv("HTTPTRADING_CONFIG", "/etc/httptrading.yaml")
	if Path() != "/etc/httptrading.yaml" {
		t.Errorf("Path() = %q", Path())
	}
}
