package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Instrument  InstrumentConfig  `mapstructure:"instrument"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Profiles    ProfilesConfig    `mapstructure:"device_profiles"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
}

type InstrumentConfig struct {
	URI             string        `mapstructure:"uri"`
	Timeout         time.Duration `mapstructure:"timeout"`
	KernelBuffers   int           `mapstructure:"kernel_buffers"`
	Profile         string        `mapstructure:"profile"`
	ResetOnOpen     bool          `mapstructure:"reset_on_open"`
	CalibrateOnOpen bool          `mapstructure:"calibrate_on_open"`
}

type CalibrationConfig struct {
	SettleTime      time.Duration `mapstructure:"settle_time"`
	FineTuneSettle  time.Duration `mapstructure:"fine_tune_settle"`
	InterPhaseDelay time.Duration `mapstructure:"inter_phase_delay"`
	OffsetSamples   int           `mapstructure:"offset_samples"`
	GainSamples     int           `mapstructure:"gain_samples"`
	FineTuneSpan    int           `mapstructure:"fine_tune_span"`
}

type StreamingConfig struct {
	SamplesPerFrame int     `mapstructure:"samples_per_frame"`
	MaxFrameRate    float64 `mapstructure:"max_frame_rate"`
	SubscriberDepth int     `mapstructure:"subscriber_depth"`
	Archive         bool    `mapstructure:"archive"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// UserConfig seeds an account when no database is configured.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// APITokenConfig seeds an API token by its SHA-256 hash.
type APITokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

type AuthConfig struct {
	Enabled                bool             `mapstructure:"enabled"`
	JWTSecretEnv           string           `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration    `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration    `mapstructure:"refresh_token_ttl"`
	MaxFailedLoginAttempts int              `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration    `mapstructure:"account_lock_duration"`
	Users                  []UserConfig     `mapstructure:"users"`
	APITokens              []APITokenConfig `mapstructure:"api_tokens"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.status_interval", "1s")

	v.SetDefault("instrument.uri", "sim:")
	v.SetDefault("instrument.timeout", "5s")
	v.SetDefault("instrument.kernel_buffers", 4)
	v.SetDefault("instrument.profile", "m2k")
	v.SetDefault("instrument.reset_on_open", true)
	v.SetDefault("instrument.calibrate_on_open", false)

	v.SetDefault("calibration.settle_time", "50ms")
	v.SetDefault("calibration.fine_tune_settle", "5ms")
	v.SetDefault("calibration.inter_phase_delay", "750ms")
	v.SetDefault("calibration.offset_samples", 100000)
	v.SetDefault("calibration.gain_samples", 150000)
	v.SetDefault("calibration.fine_tune_span", 20)

	v.SetDefault("streaming.samples_per_frame", 1024)
	v.SetDefault("streaming.max_frame_rate", 20)
	v.SetDefault("streaming.subscriber_depth", 16)
	v.SetDefault("streaming.archive", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "m2kd")
	v.SetDefault("database.user", "m2kd")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "M2KD_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML file at path. An empty path runs on defaults and the
// environment alone. Every key can be overridden by M2KD_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("M2KD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Instrument.URI == "" {
		return fmt.Errorf("invalid config: instrument.uri is empty")
	}
	if c.Instrument.KernelBuffers < 1 {
		return fmt.Errorf("invalid config: instrument.kernel_buffers must be at least 1")
	}
	if c.Streaming.MaxFrameRate < 0 {
		return fmt.Errorf("invalid config: streaming.max_frame_rate is negative")
	}
	for _, u := range c.Auth.Users {
		switch u.Role {
		case "operator", "technician", "admin":
		default:
			return fmt.Errorf("invalid config: user %q has unknown role %q", u.Username, u.Role)
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable and falls back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "M2KD_JWT_SECRET"
	}
	if secret := os.Getenv(envVar); secret != "" {
		return secret
	}
	return devJWTSecret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
