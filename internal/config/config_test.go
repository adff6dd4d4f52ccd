package config

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func load(t *testing.T, args []string, vars map[string]string) *Config {
	t.Helper()
	cfg, err := Load(args, env(vars), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Load(%v) failed: %v", args, err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t, nil, nil)

	if cfg.Workload.Threads != 100 || cfg.Workload.DurationSeconds != 300 {
		t.Errorf("workload defaults: %+v", cfg.Workload)
	}
	if cfg.Workload.Mode != types.ModeFull || cfg.Workload.BatchSize != 1 {
		t.Errorf("mode/batch defaults: %+v", cfg.Workload)
	}
	if cfg.Database.MinPoolSize != 100 || cfg.Database.MaxPoolSize != 200 {
		t.Errorf("pool defaults: %+v", cfg.Database)
	}
	if cfg.Database.MaxLifetime != 30*time.Minute {
		t.Errorf("MaxLifetime = %v", cfg.Database.MaxLifetime)
	}
	if cfg.MonitorInterval() != 5*time.Second || cfg.SubSecondWindow() != 100*time.Millisecond {
		t.Errorf("interval defaults: %v %v", cfg.MonitorInterval(), cfg.SubSecondWindow())
	}
	if cfg.DatabasePath != DefaultDatabasePath || cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("server defaults: %q %q", cfg.DatabasePath, cfg.ListenAddr)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg := load(t, []string{
		"--db-type", "postgresql", "--host", "db", "--user", "u", "--password", "p",
		"--port", "6432", "--thread-count", "8", "--test-duration", "60",
		"--mode", "SELECT_ONLY", "--warmup", "10", "--ramp-up", "5",
		"--target-tps", "500", "--batch-size", "20", "--max-lifetime", "90.5",
		"--monitor-interval", "0.5", "--sub-second-interval", "250",
		"--skip-schema-setup", "--truncate",
	}, nil)

	if cfg.Database.Port != 6432 || cfg.Database.MaxLifetime != 90500*time.Millisecond {
		t.Errorf("database: %+v", cfg.Database)
	}
	w := cfg.Workload
	if w.Threads != 8 || w.DurationSeconds != 60 || w.Mode != types.ModeSelectOnly {
		t.Errorf("workload: %+v", w)
	}
	if w.WarmupSeconds != 10 || w.RampUpSeconds != 5 || w.TargetTPS != 500 || w.BatchSize != 20 {
		t.Errorf("workload: %+v", w)
	}
	if !w.SkipSchemaSetup || !w.Truncate {
		t.Error("boolean flags not applied")
	}
	if cfg.MonitorInterval() != 500*time.Millisecond || cfg.SubSecondWindow() != 250*time.Millisecond {
		t.Errorf("output: %+v", cfg.Output)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbload.yaml")
	content := `
database:
  type: mysql
  host: file-host
  user: file-user
  maxLifetime: 10m
workload:
  threads: 16
  mode: mixed
logLevel: warn
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := load(t,
		[]string{"--config", path, "--thread-count", "32"},
		map[string]string{"DBLOAD_HOST": "env-host", "LOG_LEVEL": "debug"},
	)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file only", cfg.Database.Type, "mysql"},
		{"file only", cfg.Database.User, "file-user"},
		{"file duration", cfg.Database.MaxLifetime, 10 * time.Minute},
		{"file mode", cfg.Workload.Mode, types.ModeMixed},
		{"env over file", cfg.Database.Host, "env-host"},
		{"env over file", cfg.LogLevel, "debug"},
		{"flag over file", cfg.Workload.Threads, 32},
		{"default kept", cfg.Workload.DurationSeconds, DefaultDurationSeconds},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"unknown flag", []string{"--nope"}, nil},
		{"bad int", []string{"--thread-count", "many"}, nil},
		{"bad mode", []string{"--mode", "random"}, nil},
		{"negative seconds", []string{"--idle-timeout", "-1"}, nil},
		{"missing config file", []string{"--config=/does/not/exist.yaml"}, nil},
		{"stray argument", []string{"extra"}, nil},
		{"bad env port", nil, map[string]string{"DBLOAD_PORT": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args, env(tt.env), &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadHelp(t *testing.T) {
	var out bytes.Buffer
	_, err := Load([]string{"--help"}, env(nil), &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(out.String(), "-thread-count") {
		t.Errorf("usage missing flags:\n%s", out.String())
	}
}

func TestLoadVersion(t *testing.T) {
	for _, arg := range []string{"--version", "-v"} {
		if cfg := load(t, []string{arg}, nil); !cfg.ShowVersion {
			t.Errorf("%s did not set ShowVersion", arg)
		}
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"--config", "a.yaml"}, "a.yaml"},
		{[]string{"-config=b.yaml", "--host", "x"}, "b.yaml"},
		{[]string{"--host", "config"}, ""},
		{[]string{"--", "--config", "c.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Type = "postgres"
	cfg.Database.Host = "localhost"
	cfg.Database.User = "test"
	cfg.Database.Password = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		wantErr     bool
		wantMissing bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing db type", modify: func(c *Config) { c.Database.Type = "" }, wantErr: true, wantMissing: true},
		{name: "unsupported db type", modify: func(c *Config) { c.Database.Type = "oracle" }, wantErr: true},
		{name: "missing host", modify: func(c *Config) { c.Database.Host = "" }, wantErr: true, wantMissing: true},
		{name: "missing password", modify: func(c *Config) { c.Database.Password = "" }, wantErr: true, wantMissing: true},
		{name: "print ddl needs only type", modify: func(c *Config) {
			c.PrintDDL = true
			c.Database.Host, c.Database.User, c.Database.Password = "", "", ""
		}},
		{name: "sqlite needs file", modify: func(c *Config) {
			c.Database = DatabaseConfig{Type: "sqlite", MaxPoolSize: 4}
		}, wantErr: true, wantMissing: true},
		{name: "sqlite without credentials", modify: func(c *Config) {
			c.Database = DatabaseConfig{Type: "sqlite3", Database: "/tmp/x.db", MaxPoolSize: 4}
		}},
		{name: "lib/pq driver", modify: func(c *Config) { c.Database.Driver = "postgres" }},
		{name: "foreign driver", modify: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "zero threads", modify: func(c *Config) { c.Workload.Threads = 0 }, wantErr: true},
		{name: "zero duration", modify: func(c *Config) { c.Workload.DurationSeconds = 0 }, wantErr: true},
		{name: "negative warmup", modify: func(c *Config) { c.Workload.WarmupSeconds = -1 }, wantErr: true},
		{name: "negative tps", modify: func(c *Config) { c.Workload.TargetTPS = -5 }, wantErr: true},
		{name: "zero batch", modify: func(c *Config) { c.Workload.BatchSize = 0 }, wantErr: true},
		{name: "bad mode", modify: func(c *Config) { c.Workload.Mode = "chaos" }, wantErr: true},
		{name: "zero pool", modify: func(c *Config) { c.Database.MaxPoolSize = 0 }, wantErr: true},
		{name: "zero monitor interval", modify: func(c *Config) { c.Output.MonitorInterval = 0 }, wantErr: true},
		{name: "format without file", modify: func(c *Config) { c.Output.Format = "json" }, wantErr: true},
		{name: "unknown format", modify: func(c *Config) { c.Output.Format, c.Output.File = "xml", "out.xml" }, wantErr: true},
		{name: "format from extension", modify: func(c *Config) { c.Output.File = "out.yml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantMissing && !errors.Is(err, ErrMissingRequired) {
				t.Errorf("expected ErrMissingRequired, got %v", err)
			}
		})
	}
}

func TestValidateResolvesDialect(t *testing.T) {
	cfg := validConfig()
	cfg.Output.File = "results/run.YML"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Dialect == nil || cfg.Dialect.Name != "postgresql" {
		t.Fatalf("dialect = %v", cfg.Dialect)
	}
	if cfg.Output.Format != "yaml" {
		t.Errorf("format = %q", cfg.Output.Format)
	}
	if got := cfg.RunConfig().DBType; got != "postgresql" {
		t.Errorf("RunConfig().DBType = %q, want canonical name", got)
	}
}

func TestConversions(t *testing.T) {
	cfg := validConfig()
	cfg.Workload.WarmupSeconds = 30
	cfg.Workload.TargetTPS = 1000
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	pc := cfg.PoolConfig()
	if pc.Host != "localhost" || pc.Password != "secret" || pc.MaxPoolSize != 200 {
		t.Errorf("PoolConfig: %+v", pc)
	}

	rc := cfg.RunnerConfig("run-1")
	if rc.RunID != "run-1" || rc.Duration != 300*time.Second || rc.Warmup != 30*time.Second {
		t.Errorf("RunnerConfig: %+v", rc)
	}
	if rc.TargetTPS != 1000 || rc.MonitorInterval != 5*time.Second || rc.ValidationTimeout != DefaultValidationTimeout {
		t.Errorf("RunnerConfig: %+v", rc)
	}

	sum := cfg.RunConfig()
	if sum.Host != "localhost" || sum.ThreadCount != 100 || sum.MaxPoolSize != 200 || sum.WarmupSeconds != 30 {
		t.Errorf("RunConfig: %+v", sum)
	}
}
