package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. COMMITCAST_DATABASE_URL for database.url.
const EnvPrefix = "COMMITCAST"

// Load reads configuration from an optional config.yaml in the working
// directory and from environment variables. Environment variables take
// precedence over file values.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path searches
// the working directory for config.yaml and tolerates its absence.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Engine.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "commitcast"
		}
		cfg.Engine.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct validation rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.RegisterValidation("job_type", func(fl validator.FieldLevel) bool {
		return domain.JobType(fl.Field().String()).IsValid()
	}); err != nil {
		return fmt.Errorf("failed to register job_type validation: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// setDefaults registers a value for every key, which also makes each key
// visible to AutomaticEnv during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("engine.worker_id", "")
	v.SetDefault("engine.max_concurrent_jobs", 4)
	v.SetDefault("engine.poll_interval", "2s")
	v.SetDefault("engine.stuck_timeout", "10m")
	v.SetDefault("engine.stuck_timeouts", map[string]string{
		"generate_summary": "15m",
	})
	v.SetDefault("engine.default_max_attempts", 3)
	v.SetDefault("engine.backoff_initial", "5s")
	v.SetDefault("engine.backoff_max", "10m")
	v.SetDefault("engine.shutdown_grace_period", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_issuer", "commitcast")

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.requests_per_minute", 30)
	v.SetDefault("llm.max_diff_bytes", 60000)
	v.SetDefault("llm.prompt_template_path", "")

	v.SetDefault("github.token", "")
	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.private_key_path", "")
	v.SetDefault("github.base_url", "")

	v.SetDefault("email.api_url", "")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.requests_per_second", 5)
}
