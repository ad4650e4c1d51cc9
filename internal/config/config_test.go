package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9999"
auth_secret: "s3cret"
provider:
  api_key: "key-1"
  base_url: "https://upstream.test"
  request_timeout_seconds: 30
  partial_wait_seconds: 2
credit:
  backend: sqlite
  sqlite_path: "/tmp/credit.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Provider.BaseURL != "https://upstream.test" {
		t.Fatalf("Provider.BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.RequestTimeout() != 30*time.Second {
		t.Fatalf("RequestTimeout = %v", cfg.Provider.RequestTimeout())
	}
	if cfg.Provider.PartialWait() != 2*time.Second {
		t.Fatalf("PartialWait = %v", cfg.Provider.PartialWait())
	}
	if cfg.Credit.SQLitePath != "/tmp/credit.db" {
		t.Fatalf("Credit.SQLitePath = %q", cfg.Credit.SQLitePath)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
auth_secret: "from-file"
provider:
  api_key: "from-file"
`)
	t.Setenv("LOOMGATE_AUTH_SECRET", "from-env")
	t.Setenv("LOOMGATE_PROVIDER_API_KEY", "env-key")
	t.Setenv("LOOMGATE_LISTEN_ADDR", ":1234")
	t.Setenv("LOOMGATE_CREDIT_BACKEND", "none")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.AuthSecret != "from-env" {
		t.Fatalf("AuthSecret = %q, env override lost", cfg.AuthSecret)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Fatalf("Provider.APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.ListenAddr != ":1234" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Credit.Backend != "none" {
		t.Fatalf("Credit.Backend = %q", cfg.Credit.Backend)
	}
}

func TestMissingFileUsesEnv(t *testing.T) {
	t.Setenv("LOOMGATE_AUTH_SECRET", "env-secret")
	t.Setenv("LOOMGATE_PROVIDER_API_KEY", "env-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.ListenAddr != Defaults().ListenAddr {
		t.Fatalf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing auth secret",
			content: `
provider:
  api_key: "k"
`,
		},
		{
			name: "missing provider key",
			content: `
auth_secret: "s"
`,
		},
		{
			name: "postgres without dsn",
			content: `
auth_secret: "s"
provider:
  api_key: "k"
credit:
  backend: postgres
`,
		},
		{
			name: "unknown backend",
			content: `
auth_secret: "s"
provider:
  api_key: "k"
credit:
  backend: dynamodb
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("Load accepted an invalid config")
			}
		})
	}
}
