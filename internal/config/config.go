package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Engine   EngineConfig   `mapstructure:"engine"   validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Email    EmailConfig    `mapstructure:"email"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// EngineConfig tunes the job dispatcher and the recovery sweeper.
type EngineConfig struct {
	// WorkerID identifies this engine in claimed_by. Defaults to the hostname.
	WorkerID          string        `mapstructure:"worker_id"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" validate:"gte=1,lte=256"`
	PollInterval      time.Duration `mapstructure:"poll_interval"       validate:"gt=0"`
	// StuckTimeout applies to job types without an entry in StuckTimeouts,
	// whose keys must be known job types.
	StuckTimeout        time.Duration            `mapstructure:"stuck_timeout"         validate:"gt=0"`
	StuckTimeouts       map[string]time.Duration `mapstructure:"stuck_timeouts"        validate:"dive,keys,required,job_type,endkeys,gt=0"`
	DefaultMaxAttempts  int                      `mapstructure:"default_max_attempts"  validate:"gte=1,lte=100"`
	BackoffInitial      time.Duration            `mapstructure:"backoff_initial"       validate:"gt=0"`
	BackoffMax          time.Duration            `mapstructure:"backoff_max"           validate:"gtefield=BackoffInitial"`
	ShutdownGracePeriod time.Duration            `mapstructure:"shutdown_grace_period" validate:"gte=0"`
}

// AuthConfig contains the settings for the admin API's bearer tokens.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"   validate:"required,min=32"`
	TokenIssuer string `mapstructure:"token_issuer" validate:"required"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key"`
	ModelName         string `mapstructure:"model_name"          validate:"required"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" validate:"gte=1"`
	MaxDiffBytes      int    `mapstructure:"max_diff_bytes"      validate:"gte=1024"`

	// PromptTemplatePath overrides the built-in summary prompt.
	PromptTemplatePath string `mapstructure:"prompt_template_path" validate:"omitempty,file"`
}

// GitHubConfig selects how diffs are fetched. A GitHub App (AppID and
// PrivateKeyPath) takes precedence over a static Token.
type GitHubConfig struct {
	Token          string `mapstructure:"token"`
	AppID          int64  `mapstructure:"app_id"           validate:"gte=0"`
	PrivateKeyPath string `mapstructure:"private_key_path" validate:"required_with=AppID"`
	BaseURL        string `mapstructure:"base_url"         validate:"omitempty,url"`
}

// EmailConfig contains the settings of the HTTP email provider.
type EmailConfig struct {
	APIURL            string  `mapstructure:"api_url"             validate:"omitempty,url"`
	APIKey            string  `mapstructure:"api_key"             validate:"required_with=APIURL"`
	From              string  `mapstructure:"from"                validate:"omitempty,email"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gt=0"`
}
