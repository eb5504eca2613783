package am

import (
	"github.com/spf13/viper"
)

// DefaultServerPort is the API port when none is configured.
const DefaultServerPort = 8787

// EnvPrefix prefixes every environment override, e.g. SHIFTLY_SERVER_PORT.
const EnvPrefix = "SHIFTLY"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "shiftly.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("log.json", false)

	v.SetDefault("instant.fee_percent", 10.0)
	v.SetDefault("instant.cancel_penalty_percent", 25.0)
	v.SetDefault("instant.job_ttl_minutes", 30)
	v.SetDefault("instant.lock_duration_seconds", 120)
	v.SetDefault("instant.auto_complete_minutes", 10)

	v.SetDefault("dispatch.wave_interval_seconds", 30)
	v.SetDefault("dispatch.wave_size", 10)
	v.SetDefault("dispatch.max_waves", 5)

	v.SetDefault("sweep.interval_seconds", 30)
	v.SetDefault("sweep.pending_grace_seconds", 60)

	v.SetDefault("directory.seed_file", "")
	v.SetDefault("directory.banned", []string{})
}

// BindEnvVars binds settings that deployments commonly override. Every key
// is also reachable through AutomaticEnv.
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")
	v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT")
	v.BindEnv("log.json", EnvPrefix+"_LOG_JSON")
	v.BindEnv("directory.seed_file", EnvPrefix+"_DIRECTORY_SEED_FILE")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "shiftly.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS and websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"http://localhost", "https://localhost"}
	}
	return c.Server.AllowedOrigins
}
