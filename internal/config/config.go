package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "scripttrack.yaml"

// Duration is a time.Duration that unmarshals from "5m" or a number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration accepts a Go duration or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Newf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// DatabaseConfig selects the database holding both the run records and
// the data scripts operate on.
type DatabaseConfig struct {
	Driver       string   `yaml:"driver"`
	DSN          string   `yaml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	PingTimeout  Duration `yaml:"ping_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// OutputLogConfig controls persistent stdout/stderr files of shell scripts.
type OutputLogConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxBytesPerStream int64  `yaml:"max_bytes_per_stream"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxTotalMB        int64  `yaml:"max_total_mb"`
}

// IsEnabled returns whether output log files are enabled.
// Defaults to true when unset.
func (c OutputLogConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Config is the configuration parsed from scripttrack.yaml.
type Config struct {
	ScriptsDir     string            `yaml:"scripts_dir"`
	DataDir        string            `yaml:"data_dir"`
	Database       DatabaseConfig    `yaml:"database"`
	LockStrategy   string            `yaml:"lock_strategy"`
	DefaultTimeout Duration          `yaml:"default_timeout"`
	StaleAfter     Duration          `yaml:"stale_after"`
	SweepSchedule  string            `yaml:"sweep_schedule"`
	Env            map[string]string `yaml:"env"`
	Log            LogConfig         `yaml:"log"`
	OutputLogs     OutputLogConfig   `yaml:"output_logs"`
}

func applyDefaults(c *Config) {
	if c.ScriptsDir == "" {
		c.ScriptsDir = filepath.Join("lib", "scripts")
	}
	c.ScriptsDir = expandPath(c.ScriptsDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = filepath.Join(c.DataDir, "scripttrack.db")
	}
	if c.Database.PingTimeout == 0 {
		c.Database.PingTimeout = Duration(5 * time.Second)
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = Duration(5 * time.Minute)
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = Duration(time.Hour)
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@hourly"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.OutputLogs.Dir == "" {
		c.OutputLogs.Dir = filepath.Join(c.DataDir, "logs")
	} else {
		c.OutputLogs.Dir = expandPath(c.OutputLogs.Dir)
	}
	if c.OutputLogs.MaxBytesPerStream <= 0 {
		c.OutputLogs.MaxBytesPerStream = 256 * 1024 // 256KB
	}
	if c.OutputLogs.RetentionDays <= 0 {
		c.OutputLogs.RetentionDays = 30
	}
	if c.OutputLogs.MaxTotalMB <= 0 {
		c.OutputLogs.MaxTotalMB = 128
	}
	if c.OutputLogs.Enabled == nil {
		t := true
		c.OutputLogs.Enabled = &t
	}
}

var (
	knownDrivers    = []string{"sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
	knownStrategies = []string{"", "advisory", "named-mutex", "uniqueness"}
	knownLevels     = []string{"debug", "info", "warn", "error"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !contains(knownDrivers, strings.ToLower(c.Database.Driver)) {
		return errors.Newf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	if !contains(knownStrategies, strings.ToLower(c.LockStrategy)) {
		return errors.Newf("lock_strategy: unknown strategy %q", c.LockStrategy)
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("default_timeout must be greater than 0")
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale_after must be greater than 0")
	}
	if c.Database.PingTimeout <= 0 {
		return errors.New("database.ping_timeout must be greater than 0")
	}
	if !contains(knownLevels, strings.ToLower(c.Log.Level)) {
		return errors.Newf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Overrides supplies values that take precedence over the file, such as
// flags and environment variables. *viper.Viper satisfies it.
type Overrides interface {
	IsSet(key string) bool
	GetString(key string) string
}

// ApplyOverrides copies every set key from o into c. Keys use the YAML
// names, dotted for nested values.
func (c *Config) ApplyOverrides(o Overrides) error {
	str := map[string]*string{
		"scripts_dir":     &c.ScriptsDir,
		"database.driver": &c.Database.Driver,
		"database.dsn":    &c.Database.DSN,
		"lock_strategy":   &c.LockStrategy,
		"sweep_schedule":  &c.SweepSchedule,
		"log.level":       &c.Log.Level,
	}
	for key, dst := range str {
		if o.IsSet(key) {
			*dst = o.GetString(key)
		}
	}
	if o.IsSet("scripts_dir") {
		c.ScriptsDir = expandPath(c.ScriptsDir)
	}

	durations := map[string]*Duration{
		"default_timeout": &c.DefaultTimeout,
		"stale_after":     &c.StaleAfter,
	}
	for key, dst := range durations {
		if !o.IsSet(key) {
			continue
		}
		d, err := ParseDuration(o.GetString(key))
		if err != nil {
			return errors.Wrap(err, key)
		}
		*dst = Duration(d)
	}

	if o.IsSet("log.json") {
		v, err := strconv.ParseBool(o.GetString("log.json"))
		if err != nil {
			return errors.Wrap(err, "log.json")
		}
		c.Log.JSON = v
	}
	return nil
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads a YAML configuration file from path and returns
// a Config with defaults applied for any unset fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Resolve loads path, or DefaultFile if path is empty and the file exists,
// or the defaults otherwise.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return LoadConfig(DefaultFile)
	}
	return Default(), nil
}
