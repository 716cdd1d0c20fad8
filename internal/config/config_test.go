package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultQueueSettings(t *testing.T) {
	cfg := Default()
	if cfg.Queue.Name != "flows" {
		t.Errorf("unexpected default queue name %q", cfg.Queue.Name)
	}
	if cfg.Queue.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected default heartbeat %v", cfg.Queue.HeartbeatInterval)
	}
	if len(cfg.Queue.Handlers) != 0 {
		t.Errorf("defaults must not bind task types, got %v", cfg.Queue.Handlers)
	}
}

func TestLoadParsesQueueHandlers(t *testing.T) {
	path := writeConfig(t, `
queue:
  name: ingest
  handlers:
    reindex: reindex_documents
    digest: daily_digest
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Name != "ingest" {
		t.Errorf("queue name not parsed, got %q", cfg.Queue.Name)
	}
	if got := cfg.Queue.Handlers["reindex"]; got != "reindex_documents" {
		t.Errorf("reindex handler not parsed, got %q", got)
	}
	if got := cfg.Queue.Handlers["digest"]; got != "daily_digest" {
		t.Errorf("digest handler not parsed, got %q", got)
	}
	if cfg.Queue.HeartbeatInterval != 30*time.Second {
		t.Errorf("unset heartbeat must keep the default, got %v", cfg.Queue.HeartbeatInterval)
	}
}

func TestLoadExpandsEnvRefs(t *testing.T) {
	t.Setenv("CONDUIT_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  providers:
    openai:
      api_key: ${CONDUIT_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("env reference not expanded, got %q", got)
	}
}

func TestEnvOverridesFillProviderKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-ant-test" {
		t.Errorf("env override not applied, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
