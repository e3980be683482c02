package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	cfg "github.com/toeirei/dbsession/internal/config"
)

// isolate points the user config dir at an empty temp dir and moves into
// another one so no real dbsession.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg"))
	t.Chdir(tmp)
	return tmp
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Database.Type != "sqlite" || got.Database.DataDir != "./data" {
		t.Fatalf("unexpected database defaults: %+v", got.Database)
	}
	if got.Database.BusyTimeout != 5*time.Second {
		t.Fatalf("busy_timeout = %v, want 5s", got.Database.BusyTimeout)
	}
	if got.Retry.MaxAttempts != 200 || got.Retry.ShortDelay != 20*time.Millisecond || got.Retry.LongDelay != 500*time.Millisecond || got.Retry.LongEvery != 10 {
		t.Fatalf("unexpected retry defaults: %+v", got.Retry)
	}
	if got.InitPollInterval != 100*time.Millisecond {
		t.Fatalf("init_poll_interval = %v, want 100ms", got.InitPollInterval)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	tmp := isolate(t)
	yaml := "database:\n  type: postgres\n  dsn: postgres://user@localhost/app_{namespace}\nretry:\n  max_attempts: 5\nlog:\n  level: debug\n"
	file := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Database.Type != "postgres" {
		t.Fatalf("expected postgres, got %q", got.Database.Type)
	}
	if got.Retry.MaxAttempts != 5 {
		t.Fatalf("expected max_attempts 5, got %d", got.Retry.MaxAttempts)
	}
	// Keys missing from the file keep their defaults.
	if got.Retry.LongEvery != 10 {
		t.Fatalf("expected default long_every, got %d", got.Retry.LongEvery)
	}
	if got.Log.Level != "debug" {
		t.Fatalf("expected debug, got %q", got.Log.Level)
	}
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	isolate(t)
	t.Setenv("DBSESSION_DATABASE_TYPE", "mysql")
	t.Setenv("DBSESSION_DATABASE_DSN", "u:p@tcp(localhost:3306)/{namespace}")

	cmd := &cobra.Command{}
	cmd.Flags().String("log.level", "info", "")
	if err := cmd.Flags().Set("log.level", "warn"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Database.Type != "mysql" {
		t.Fatalf("expected env to select mysql, got %q", got.Database.Type)
	}
	if got.Log.Level != "warn" {
		t.Fatalf("expected flag to win, got %q", got.Log.Level)
	}
}

func TestLoadConfig_BrokenFile(t *testing.T) {
	tmp := isolate(t)
	file := filepath.Join(tmp, "broken.yaml")
	if err := os.WriteFile(file, []byte("database: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file); err == nil {
		t.Fatalf("expected parse error for broken yaml, got nil")
	}
}

func TestValidate(t *testing.T) {
	isolate(t)
	c, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	bad := c
	bad.Database.Type = "oracle"
	bad.Retry.MaxAttempts = 0
	bad.InitPollInterval = 0
	err = bad.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"database.type", "max_attempts", "init_poll_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}

	noDSN := c
	noDSN.Database.Type = "postgres"
	if err := noDSN.Validate(); err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected missing dsn to be reported, got %v", err)
	}
}

func TestWriteConfigFile_RoundTrip(t *testing.T) {
	if cfg.RuntimeOS != "linux" {
		t.Skip("relies on XDG_CONFIG_HOME")
	}
	tmp := isolate(t)

	c, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	c.Database.DataDir = filepath.Join(tmp, "sessions")
	c.Retry.LongDelay = 2 * time.Second

	path, err := cfg.WriteConfigFile(&c, false)
	if err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}
	if want := filepath.Join(tmp, "xdg", "dbsession", "dbsession.yaml"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file at %s, stat error: %v", path, err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", fi.Mode().Perm())
	}

	// The written file is found through the user config dir.
	got, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig after write: %v", err)
	}
	if got.Database.DataDir != c.Database.DataDir || got.Retry.LongDelay != 2*time.Second {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetConfigPath_System(t *testing.T) {
	if cfg.RuntimeOS == "windows" {
		t.Skip("unix layout")
	}
	path, err := cfg.GetConfigPath(true)
	if err != nil {
		t.Fatalf("GetConfigPath: %v", err)
	}
	if path != "/etc/dbsession/dbsession.yaml" {
		t.Fatalf("GetConfigPath(true) = %q", path)
	}
}
