package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the VisitGate backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Device     DeviceConfig     `mapstructure:"device"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Invites    InviteConfig     `mapstructure:"invites"`
	Email      EmailConfig      `mapstructure:"email"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DeviceConfig holds access-control device connection settings.
type DeviceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DoorRight   string        `mapstructure:"door_right"`
	FaceLibType string        `mapstructure:"face_lib_type"`
}

// GatewayConfig holds automation agent settings.
type GatewayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
}

// QueueConfig tunes the registration queue and its worker pool.
type QueueConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Staleness    time.Duration `mapstructure:"staleness"`
}

// SweeperConfig tunes the expiration sweep schedules.
type SweeperConfig struct {
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	NotifySchedule string        `mapstructure:"notify_schedule"`
	NotifyWindow   time.Duration `mapstructure:"notify_window"`
}

// InviteConfig configures self-registration invite links.
type InviteConfig struct {
	Secret  string        `mapstructure:"secret"`
	Issuer  string        `mapstructure:"issuer"`
	BaseURL string        `mapstructure:"base_url"`
	LinkTTL time.Duration `mapstructure:"link_ttl"`
	QRSize  int           `mapstructure:"qr_size"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles the metrics endpoint.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("VISITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/visitgate.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")

	v.SetDefault("device.base_url", "")
	v.SetDefault("device.username", "")
	v.SetDefault("device.password", "")
	v.SetDefault("device.timeout", "10s")
	v.SetDefault("device.door_right", "1")
	v.SetDefault("device.face_lib_type", "blackFD")

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.retry_delay", "5s")
	v.SetDefault("gateway.attempt_timeout", "5m")
	v.SetDefault("gateway.health_timeout", "10s")

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.staleness", "15m")

	v.SetDefault("sweeper.sweep_schedule", "@hourly")
	v.SetDefault("sweeper.notify_schedule", "@daily")
	v.SetDefault("sweeper.notify_window", "24h")

	v.SetDefault("invites.secret", "")
	v.SetDefault("invites.issuer", "visitgate")
	v.SetDefault("invites.base_url", "http://localhost:8000")
	v.SetDefault("invites.link_ttl", "72h")
	v.SetDefault("invites.qr_size", 256)

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.from", "")
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
