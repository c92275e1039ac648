package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"httptrading/internal/broker"
	"httptrading/internal/domain"
	"httptrading/internal/registry"
	"httptrading/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen", "--tokens", "2")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("keygen output = %q", out)
	}
	if id := strings.TrimPrefix(lines[0], "id: "); !registry.ValidID(id) {
		t.Errorf("generated id %q is invalid", id)
	}
	for _, l := range lines[2:] {
		if tok := strings.TrimPrefix(strings.TrimSpace(l), "- "); !registry.ValidToken(tok) {
			t.Errorf("generated token %q is invalid", tok)
		}
	}

	if _, err := run(t, "keygen", "--tokens", "0"); err == nil {
		t.Error("keygen --tokens 0 should fail")
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	os.WriteFile(good, []byte(`
instances:
  - id: checkCmdInstance0001
    broker: simulator
    tokens: ["check-token-000000001"]
`), 0o644)
	out, err := run(t, "check", "--config", good)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "1 instance(s)") || !strings.Contains(out, "checkCmdInstance0001") {
		t.Errorf("check output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte(`
instances:
  - id: short
    broker: nosuchbroker
    tokens: ["x"]
`), 0o644)
	if _, err := run(t, "check", "--config", bad); err == nil {
		t.Error("check should reject an invalid config")
	}
}

func TestBrokersAndVersion(t *testing.T) {
	out, err := run(t, "brokers")
	if err != nil {
		t.Fatalf("brokers: %v", err)
	}
	for _, name := range []string{"simulator", "alpaca", "longbridge"} {
		if !strings.Contains(out, name) {
			t.Errorf("brokers output missing %s: %q", name, out)
		}
	}
	out, err = run(t, "version")
	if err != nil || !strings.HasPrefix(out, "httptrading-cli dev") {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestClientCommandsNeedCredentials(t *testing.T) {
	t.Setenv("HTTPTRADING_INSTANCE", "")
	t.Setenv("HTTPTRADING_TOKEN", "")
	if _, err := run(t, "ping"); err == nil {
		t.Error("ping without --instance/--token should fail")
	}
}

func TestFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotes.parquet")
	out, err := run(t, "fixture", "--out", path, "--quote", "US:aapl=201.35", "--quote", "HK:00700=388.2,384")
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if !strings.Contains(out, "wrote 2 quote(s)") {
		t.Errorf("fixture output = %q", out)
	}

	book, err := store.LoadQuoteBook(path)
	if err != nil {
		t.Fatalf("LoadQuoteBook: %v", err)
	}
	q, ok := book.Quote(domain.Contract{TradeType: domain.TradeTypeSecurities, Ticker: "00700", Region: domain.RegionHK})
	if !ok || q.Latest.String() != "388.2" || q.PreClose.String() != "384" || q.Currency != "HKD" {
		t.Errorf("HK quote = %+v, %v", q, ok)
	}

	if _, err := run(t, "fixture", "--out", path, "--quote", "AAPL"); err == nil {
		t.Error("malformed --quote should fail")
	}
}

func TestToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb-token.toml")
	expiry := time.Now().Add(60 * 24 * time.Hour).UTC().Truncate(time.Second)
	out, err := run(t, "token", "--file", path, "--session", "lb-session-2", "--expiry", expiry.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("token output = %q", out)
	}
	k, err := broker.LoadTokenKeeper(path, nil)
	if err != nil {
		t.Fatalf("LoadTokenKeeper: %v", err)
	}
	if k.Token() != "lb-session-2" || !k.Expiry().Equal(expiry) {
		t.Errorf("keeper = %q / %v, want lb-session-2 / %v", k.Token(), k.Expiry(), expiry)
	}

	if _, err := run(t, "token", "--file", path, "--session", "x", "--expiry", "2001-01-01T00:00:00Z"); err == nil {
		t.Error("token accepted an expiry in the past")
	}
	if _, err := run(t, "token", "--file", path, "--session", "x", "--expiry", "next week"); err == nil {
		t.Error("token accepted a malformed expiry")
	}
}
