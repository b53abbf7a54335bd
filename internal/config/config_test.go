package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("REGPT_TEST_VALUE", "secret")

	cases := map[string]string{
		"${REGPT_TEST_VALUE}": "secret",
		"$REGPT_TEST_VALUE":   "secret",
		"literal":             "literal",
		"":                    "",
	}
	for in, want := range cases {
		if got := expandEnv(in); got != want {
			t.Errorf("expandEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveCredentialsFallsBackToEnv(t *testing.T) {
	t.Setenv("REGPT_SESSION_TOKEN", "env-session")
	t.Setenv("REGPT_ACCESS_TOKEN", "env-access")

	cfg := AuthConfig{}
	resolveCredentials(&cfg)
	if cfg.SessionToken != "env-session" {
		t.Errorf("session token = %q", cfg.SessionToken)
	}
	if cfg.AccessToken != "env-access" {
		t.Errorf("access token = %q", cfg.AccessToken)
	}

	// Explicit config wins over the environment.
	cfg = AuthConfig{SessionToken: "from-file"}
	resolveCredentials(&cfg)
	if cfg.SessionToken != "from-file" {
		t.Errorf("session token = %q, want from-file", cfg.SessionToken)
	}
}

func TestGetConfigDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-test", "regpt") {
		t.Errorf("dir = %q", dir)
	}
}

func TestSaveWritesConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &Config{
		Model:   "gpt-4o",
		Browser: BrowserConfig{Engine: "chromium"},
		Log:     LogConfig{Level: "debug"},
	}
	cfg.Storage.Enabled = true

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !Exists() {
		t.Fatal("config file missing after Save")
	}

	path, _ := GetConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	content := string(data)
	for _, want := range []string{"model: gpt-4o", `engine: "chromium"`, "level: debug"} {
		if !strings.Contains(content, want) {
			t.Errorf("saved config missing %q:\n%s", want, content)
		}
	}
}
