// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/dbload/internal/dialect"
	"github.com/gateway-fm/dbload/internal/export"
	"github.com/gateway-fm/dbload/internal/runner"
	"github.com/gateway-fm/dbload/pkg/types"
)

// Version is reported by --version and written into exports.
const Version = "2.1.0"

// ErrMissingRequired is returned when a required connection setting is absent.
var ErrMissingRequired = errors.New("required options missing")

// Defaults
const (
	DefaultThreads           = 100
	DefaultDurationSeconds   = 300
	DefaultMode              = types.ModeFull
	DefaultBatchSize         = 1
	DefaultPayloadSize       = 500
	DefaultMinPoolSize       = 100
	DefaultMaxPoolSize       = 200
	DefaultMaxLifetime       = 1800 * time.Second
	DefaultIdleTimeout       = 600 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
	DefaultValidationTimeout = 5 * time.Second
	DefaultMonitorInterval   = 5.0 // seconds
	DefaultSubSecondInterval = 100 // milliseconds
	DefaultListenAddr        = ":3001"
	DefaultDatabasePath      = "./data/dbload.db"
	DefaultLogLevel          = "info"
)

// DatabaseConfig holds the target connection and pool settings.
type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Driver   string `yaml:"driver"`

	MinPoolSize       int           `yaml:"minPoolSize"`
	MaxPoolSize       int           `yaml:"maxPoolSize"`
	MaxLifetime       time.Duration `yaml:"maxLifetime"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	ValidationTimeout time.Duration `yaml:"validationTimeout"`
}

// WorkloadConfig holds the workload shape.
type WorkloadConfig struct {
	Threads         int            `yaml:"threads"`
	DurationSeconds int            `yaml:"durationSeconds"`
	Mode            types.WorkMode `yaml:"mode"`
	WarmupSeconds   int            `yaml:"warmupSeconds"`
	RampUpSeconds   int            `yaml:"rampUpSeconds"`
	TargetTPS       int            `yaml:"targetTps"`
	BatchSize       int            `yaml:"batchSize"`
	PayloadSize     int            `yaml:"payloadSize"`
	SkipSchemaSetup bool           `yaml:"skipSchemaSetup"`
	Truncate        bool           `yaml:"truncate"`
}

// OutputConfig holds reporting settings.
type OutputConfig struct {
	MonitorInterval   float64 `yaml:"monitorInterval"`   // seconds
	SubSecondInterval int     `yaml:"subSecondInterval"` // milliseconds
	Format            string  `yaml:"format"`
	File              string  `yaml:"file"`
}

// Config holds the complete dbload configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Workload WorkloadConfig `yaml:"workload"`
	Output   OutputConfig   `yaml:"output"`

	ListenAddr   string `yaml:"listen"`    // empty disables the HTTP API
	DatabasePath string `yaml:"historyDb"` // empty disables run history
	LogLevel     string `yaml:"logLevel"`

	// Utility modes, set from flags only.
	PrintDDL    bool `yaml:"-"`
	ShowVersion bool `yaml:"-"`

	// Dialect is resolved from Database.Type by Validate.
	Dialect *dialect.Dialect `yaml:"-"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MinPoolSize:       DefaultMinPoolSize,
			MaxPoolSize:       DefaultMaxPoolSize,
			MaxLifetime:       DefaultMaxLifetime,
			IdleTimeout:       DefaultIdleTimeout,
			ConnectionTimeout: DefaultConnectionTimeout,
			ValidationTimeout: DefaultValidationTimeout,
		},
		Workload: WorkloadConfig{
			Threads:         DefaultThreads,
			DurationSeconds: DefaultDurationSeconds,
			Mode:            DefaultMode,
			BatchSize:       DefaultBatchSize,
			PayloadSize:     DefaultPayloadSize,
		},
		Output: OutputConfig{
			MonitorInterval:   DefaultMonitorInterval,
			SubSecondInterval: DefaultSubSecondInterval,
		},
		ListenAddr:   DefaultListenAddr,
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by --config, environment variables and command-line flags, in that order.
// Later sources take precedence. A help request returns flag.ErrHelp after
// the usage text has been written to output.
func Load(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path := configPath(args); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(getenv); err != nil {
		return nil, err
	}

	fs := cfg.flagSet(output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg, nil
}

// Usage writes the flag summary to w.
func Usage(w io.Writer) {
	Default().flagSet(w).Usage()
}

func (c *Config) flagSet(output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("dbload", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "dbload v%s - relational database load generator\n\nUsage:\n  dbload --db-type TYPE --host HOST --user USER --password PASS [options]\n\nOptions:\n", Version)
		fs.PrintDefaults()
	}

	db := &c.Database
	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&db.Type, "db-type", db.Type, "Database type: "+strings.Join(dialect.DefaultRegistry().Names(), ", "))
	fs.StringVar(&db.Host, "host", db.Host, "Database host")
	fs.StringVar(&db.User, "user", db.User, "Database user")
	fs.StringVar(&db.Password, "password", db.Password, "Database password")
	fs.IntVar(&db.Port, "port", db.Port, "Database port (0 uses the database default)")
	fs.StringVar(&db.Database, "database", db.Database, "Database name, or file path for sqlite")
	fs.StringVar(&db.Driver, "driver", db.Driver, "database/sql driver override (e.g. postgres for lib/pq)")
	fs.IntVar(&db.MinPoolSize, "min-pool-size", db.MinPoolSize, "Minimum idle connections")
	fs.IntVar(&db.MaxPoolSize, "max-pool-size", db.MaxPoolSize, "Maximum open connections")
	secondsVar(fs, &db.MaxLifetime, "max-lifetime", "Connection max lifetime in seconds")
	secondsVar(fs, &db.IdleTimeout, "idle-timeout", "Idle connection timeout in seconds")
	secondsVar(fs, &db.ConnectionTimeout, "connection-timeout", "Connection acquire timeout in seconds")
	secondsVar(fs, &db.ValidationTimeout, "validation-timeout", "Connection validation timeout in seconds")

	w := &c.Workload
	fs.IntVar(&w.Threads, "thread-count", w.Threads, "Number of workers")
	fs.IntVar(&w.DurationSeconds, "test-duration", w.DurationSeconds, "Test duration in seconds")
	fs.Func("mode", fmt.Sprintf("Work mode: %s (default %s)", modeNames(), w.Mode), func(s string) error {
		m, err := types.ParseWorkMode(s)
		if err != nil {
			return err
		}
		w.Mode = m
		return nil
	})
	fs.IntVar(&w.WarmupSeconds, "warmup", w.WarmupSeconds, "Warmup period in seconds")
	fs.IntVar(&w.RampUpSeconds, "ramp-up", w.RampUpSeconds, "Ramp-up period in seconds")
	fs.IntVar(&w.TargetTPS, "target-tps", w.TargetTPS, "Target TPS limit, 0 for unlimited")
	fs.IntVar(&w.BatchSize, "batch-size", w.BatchSize, "Rows per insert transaction")
	fs.IntVar(&w.PayloadSize, "payload-size", w.PayloadSize, "Bytes of random data per inserted row")
	fs.BoolVar(&w.SkipSchemaSetup, "skip-schema-setup", w.SkipSchemaSetup, "Keep the existing load_test table")
	fs.BoolVar(&w.Truncate, "truncate", w.Truncate, "Delete all rows before the run")

	o := &c.Output
	fs.Float64Var(&o.MonitorInterval, "monitor-interval", o.MonitorInterval, "Progress log interval in seconds")
	fs.IntVar(&o.SubSecondInterval, "sub-second-interval", o.SubSecondInterval, "Sub-second TPS window in milliseconds")
	fs.StringVar(&o.Format, "output-format", o.Format, "Result export format: "+strings.Join(export.Formats(), ", "))
	fs.StringVar(&o.File, "output-file", o.File, "Result export file path")

	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP API listen address, empty to disable")
	fs.StringVar(&c.DatabasePath, "history-db", c.DatabasePath, "SQLite run history path, empty to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")

	fs.BoolVar(&c.PrintDDL, "print-ddl", false, "Print the table DDL and exit")
	fs.BoolVar(&c.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&c.ShowVersion, "v", false, "Show version (shorthand)")
	return fs
}

// secondsVar binds a duration flag expressed in whole or fractional seconds.
func secondsVar(fs *flag.FlagSet, d *time.Duration, name, usage string) {
	fs.Func(name, fmt.Sprintf("%s (default %g)", usage, d.Seconds()), func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid seconds value %q", s)
		}
		if v < 0 {
			return fmt.Errorf("must not be negative")
		}
		*d = time.Duration(v * float64(time.Second))
		return nil
	})
}

func modeNames() string {
	names := make([]string, len(types.WorkModes))
	for i, m := range types.WorkModes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// configPath finds --config in args without parsing the rest, so the file
// can be loaded before flags override it.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			return ""
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv(getenv func(string) string) error {
	if v := getenv("DBLOAD_DB_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := getenv("DBLOAD_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := getenv("DBLOAD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DBLOAD_PORT %q: %w", v, err)
		}
		c.Database.Port = port
	}
	if v := getenv("DBLOAD_DATABASE"); v != "" {
		c.Database.Database = v
	}
	if v := getenv("DBLOAD_USER"); v != "" {
		c.Database.User = v
	}
	if v := getenv("DBLOAD_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate validates the configuration and resolves the dialect.
func (c *Config) Validate() error {
	if c.Database.Type == "" {
		return fmt.Errorf("%w: --db-type", ErrMissingRequired)
	}
	d, err := dialect.DefaultRegistry().Lookup(c.Database.Type)
	if err != nil {
		return err
	}
	c.Dialect = d

	// DDL printing needs nothing beyond the database type.
	if c.PrintDDL {
		return nil
	}

	if d.FileBased {
		if c.Database.Database == "" {
			return fmt.Errorf("%w: --database (file path for %s)", ErrMissingRequired, d.Name)
		}
	} else {
		var missing []string
		if c.Database.Host == "" {
			missing = append(missing, "--host")
		}
		if c.Database.User == "" {
			missing = append(missing, "--user")
		}
		if c.Database.Password == "" {
			missing = append(missing, "--password")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
		}
	}
	if c.Database.Driver != "" && !d.SupportsDriver(c.Database.Driver) {
		return fmt.Errorf("driver %q is not supported for %s", c.Database.Driver, d.Name)
	}

	if c.Database.MaxPoolSize < 1 {
		return fmt.Errorf("max pool size must be positive")
	}
	if c.Database.MinPoolSize < 0 {
		return fmt.Errorf("min pool size cannot be negative")
	}

	w := c.Workload
	if _, err := types.ParseWorkMode(string(w.Mode)); err != nil {
		return err
	}
	if w.Threads < 1 {
		return fmt.Errorf("thread count must be positive")
	}
	if w.DurationSeconds < 1 {
		return fmt.Errorf("test duration must be positive")
	}
	if w.WarmupSeconds < 0 || w.RampUpSeconds < 0 {
		return fmt.Errorf("warmup and ramp-up cannot be negative")
	}
	if w.TargetTPS < 0 {
		return fmt.Errorf("target TPS cannot be negative")
	}
	if w.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive")
	}
	if w.PayloadSize < 1 {
		return fmt.Errorf("payload size must be positive")
	}

	if c.Output.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Output.SubSecondInterval <= 0 {
		return fmt.Errorf("sub-second interval must be positive")
	}
	return c.validateOutput()
}

// validateOutput checks the export settings. A file without a format takes
// the format from its extension.
func (c *Config) validateOutput() error {
	o := &c.Output
	if o.Format == "" && o.File == "" {
		return nil
	}
	if o.File == "" {
		return fmt.Errorf("--output-file is required with --output-format")
	}
	if o.Format == "" {
		o.Format = strings.TrimPrefix(filepath.Ext(o.File), ".")
		if o.Format == "yml" {
			o.Format = "yaml"
		}
	}
	if _, err := export.Lookup(o.Format); err != nil {
		return err
	}
	o.Format = strings.ToLower(o.Format)
	return nil
}

// PoolConfig converts the connection settings for dialect.Open.
func (c *Config) PoolConfig() dialect.PoolConfig {
	db := c.Database
	return dialect.PoolConfig{
		Params: dialect.Params{
			Host:     db.Host,
			Port:     db.Port,
			Database: db.Database,
			User:     db.User,
			Password: db.Password,
		},
		Driver:            db.Driver,
		MinPoolSize:       db.MinPoolSize,
		MaxPoolSize:       db.MaxPoolSize,
		MaxLifetime:       db.MaxLifetime,
		IdleTimeout:       db.IdleTimeout,
		ConnectionTimeout: db.ConnectionTimeout,
	}
}

// RunnerConfig converts the workload settings for runner.New.
func (c *Config) RunnerConfig(runID string) runner.Config {
	w := c.Workload
	return runner.Config{
		RunID:             runID,
		DBType:            c.dbName(),
		Mode:              w.Mode,
		Threads:           w.Threads,
		Duration:          time.Duration(w.DurationSeconds) * time.Second,
		Warmup:            time.Duration(w.WarmupSeconds) * time.Second,
		RampUp:            time.Duration(w.RampUpSeconds) * time.Second,
		TargetTPS:         w.TargetTPS,
		BatchSize:         w.BatchSize,
		PayloadSize:       w.PayloadSize,
		MonitorInterval:   c.MonitorInterval(),
		ValidationTimeout: c.Database.ValidationTimeout,
		SkipSchemaSetup:   w.SkipSchemaSetup,
		Truncate:          w.Truncate,
	}
}

// RunConfig is the summary recorded in exports and run history.
// Credentials are never included.
func (c *Config) RunConfig() types.RunConfig {
	w := c.Workload
	return types.RunConfig{
		DBType:          c.dbName(),
		Host:            c.Database.Host,
		Database:        c.Database.Database,
		Mode:            w.Mode,
		ThreadCount:     w.Threads,
		DurationSeconds: w.DurationSeconds,
		WarmupSeconds:   w.WarmupSeconds,
		RampUpSeconds:   w.RampUpSeconds,
		TargetTPS:       w.TargetTPS,
		BatchSize:       w.BatchSize,
		MinPoolSize:     c.Database.MinPoolSize,
		MaxPoolSize:     c.Database.MaxPoolSize,
	}
}

// MonitorInterval returns the progress interval as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Output.MonitorInterval * float64(time.Second))
}

// SubSecondWindow returns the windowed TPS span as a duration.
func (c *Config) SubSecondWindow() time.Duration {
	return time.Duration(c.Output.SubSecondInterval) * time.Millisecond
}

func (c *Config) dbName() string {
	if c.Dialect != nil {
		return c.Dialect.Name
	}
	return strings.ToLower(c.Database.Type)
}
