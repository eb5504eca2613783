// Package am loads shiftly's configuration: built-in defaults, then
// /etc/shiftly/config.toml, ~/.shiftly/am.toml, the nearest project am.toml
// and finally SHIFTLY_* environment variables.
package am

import (
	"time"

	"github.com/teranos/shiftly/dispatch"
	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/pulse/sweep"
)

// Config represents the shiftly configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" json:"database" yaml:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log" toml:"log"`
	Instant   InstantConfig   `mapstructure:"instant" json:"instant" yaml:"instant" toml:"instant"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Sweep     SweepConfig     `mapstructure:"sweep" json:"sweep" yaml:"sweep" toml:"sweep"`
	Directory DirectoryConfig `mapstructure:"directory" json:"directory" yaml:"directory" toml:"directory"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json" json:"json" yaml:"json" toml:"json"`
}

// InstantConfig holds the job lifecycle constants
type InstantConfig struct {
	FeePercent           float64 `mapstructure:"fee_percent" json:"fee_percent" yaml:"fee_percent" toml:"fee_percent"`
	CancelPenaltyPercent float64 `mapstructure:"cancel_penalty_percent" json:"cancel_penalty_percent" yaml:"cancel_penalty_percent" toml:"cancel_penalty_percent"`
	JobTTLMinutes        int     `mapstructure:"job_ttl_minutes" json:"job_ttl_minutes" yaml:"job_ttl_minutes" toml:"job_ttl_minutes"`
	LockDurationSeconds  int     `mapstructure:"lock_duration_seconds" json:"lock_duration_seconds" yaml:"lock_duration_seconds" toml:"lock_duration_seconds"`
	AutoCompleteMinutes  int     `mapstructure:"auto_complete_minutes" json:"auto_complete_minutes" yaml:"auto_complete_minutes" toml:"auto_complete_minutes"`
}

// DispatchConfig configures wave broadcasting. Hot-reloadable.
type DispatchConfig struct {
	WaveIntervalSeconds int `mapstructure:"wave_interval_seconds" json:"wave_interval_seconds" yaml:"wave_interval_seconds" toml:"wave_interval_seconds"`
	WaveSize            int `mapstructure:"wave_size" json:"wave_size" yaml:"wave_size" toml:"wave_size"`
	MaxWaves            int `mapstructure:"max_waves" json:"max_waves" yaml:"max_waves" toml:"max_waves"`
}

// SweepConfig configures the supervisory sweep
type SweepConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds" toml:"interval_seconds"`
	PendingGraceSeconds int `mapstructure:"pending_grace_seconds" json:"pending_grace_seconds" yaml:"pending_grace_seconds" toml:"pending_grace_seconds"`
}

// DirectoryConfig points at the user seed file loaded at startup.
// Banned lists user ids barred from posting and accepting; it is re-applied
// on reload.
type DirectoryConfig struct {
	SeedFile string   `mapstructure:"seed_file" json:"seed_file" yaml:"seed_file" toml:"seed_file"`
	Banned   []string `mapstructure:"banned" json:"banned" yaml:"banned" toml:"banned"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// EngineConfig converts the instant section for the engine.
func (c *Config) EngineConfig() instant.Config {
	def := instant.DefaultConfig()
	return instant.Config{
		FeePercent:           c.Instant.FeePercent,
		CancelPenaltyPercent: c.Instant.CancelPenaltyPercent,
		JobTTL:               time.Duration(c.Instant.JobTTLMinutes) * time.Minute,
		AutoCompleteDelay:    time.Duration(c.Instant.AutoCompleteMinutes) * time.Minute,
		DispatchStartTimeout: def.DispatchStartTimeout,
	}
}

// DispatchTuning converts the dispatch section plus the lock duration.
func (c *Config) DispatchTuning() dispatch.Tuning {
	return dispatch.Tuning{
		WaveInterval: time.Duration(c.Dispatch.WaveIntervalSeconds) * time.Second,
		WaveSize:     c.Dispatch.WaveSize,
		MaxWaves:     c.Dispatch.MaxWaves,
		LockDuration: time.Duration(c.Instant.LockDurationSeconds) * time.Second,
	}
}

// SweepTiming converts the sweep section.
func (c *Config) SweepTiming() sweep.Config {
	return sweep.Config{
		Interval:     time.Duration(c.Sweep.IntervalSeconds) * time.Second,
		PendingGrace: time.Duration(c.Sweep.PendingGraceSeconds) * time.Second,
	}
}
