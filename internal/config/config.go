// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the agent configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Serial       SerialConfig       `mapstructure:"serial"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Fleet        FleetConfig        `mapstructure:"fleet"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig represents the local status API
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig represents serial port defaults shared by every channel
type SerialConfig struct {
	BaudRate        int           `mapstructure:"baud_rate"`
	DataBits        int           `mapstructure:"data_bits"`
	StopBits        int           `mapstructure:"stop_bits"`
	Parity          string        `mapstructure:"parity"`
	ReadPoll        time.Duration `mapstructure:"read_poll"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
	ActuatorTimeout time.Duration `mapstructure:"actuator_timeout"`
	HandshakeWait   time.Duration `mapstructure:"handshake_wait"`
}

// DiscoveryConfig controls the port scanner
type DiscoveryConfig struct {
	USBEnrichment bool     `mapstructure:"usb_enrichment"`
	Patterns      []string `mapstructure:"patterns"`
	Exclude       []string `mapstructure:"exclude"`
}

// RegistryConfig controls the persisted board registry
type RegistryConfig struct {
	Path            string        `mapstructure:"path"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	CleanupAge      time.Duration `mapstructure:"cleanup_age"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	IncludeCameras  bool          `mapstructure:"include_cameras"`
}

// FleetConfig controls hotplug reconciliation
type FleetConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// WorkerConfig controls the per-device loops
type WorkerConfig struct {
	TelemetryInterval   time.Duration `mapstructure:"telemetry_interval"`
	CommandPollInterval time.Duration `mapstructure:"command_poll_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
	TelemetryQueries    []string      `mapstructure:"telemetry_queries"`
}

// ControlPlaneConfig represents the remote API the workers report to
type ControlPlaneConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	DeviceToken string        `mapstructure:"device_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryWindow time.Duration `mapstructure:"retry_window"`
}

// Load loads configuration from file, environment variables and flags.
// An explicit configFile must exist; without one the search paths are optional.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/growdash")
	}

	// Environment variable support
	v.SetEnvPrefix("GROWDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// bindFlags maps command line flags onto their config keys
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"logging.level":  "log-level",
		"server.enabled": "api",
		"registry.path":  "registry",
	}

	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "growdash-agent")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Local API defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 14)
	v.SetDefault("logging.compress", true)

	// Serial defaults
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_poll", "100ms")
	v.SetDefault("serial.exchange_timeout", "5s")
	v.SetDefault("serial.actuator_timeout", "5s")
	v.SetDefault("serial.handshake_wait", "3s")

	// Discovery defaults
	v.SetDefault("discovery.usb_enrichment", false)

	// Registry defaults
	v.SetDefault("registry.path", "./boards.json")
	v.SetDefault("registry.max_age", "1h")
	v.SetDefault("registry.cleanup_age", "24h")
	v.SetDefault("registry.refresh_interval", "1h")
	v.SetDefault("registry.include_cameras", false)

	// Fleet defaults
	v.SetDefault("fleet.scan_interval", "10s")
	v.SetDefault("fleet.stop_grace", "5s")

	// Worker defaults
	v.SetDefault("worker.telemetry_interval", "10s")
	v.SetDefault("worker.command_poll_interval", "5s")
	v.SetDefault("worker.heartbeat_interval", "30s")
	v.SetDefault("worker.startup_delay", "2s")
	v.SetDefault("worker.telemetry_queries", []string{"Status", "TDS"})

	// Control plane defaults
	v.SetDefault("controlplane.base_url", "http://localhost:8000/api/growdash/agent")
	v.SetDefault("controlplane.timeout", "10s")
	v.SetDefault("controlplane.max_retries", 3)
	v.SetDefault("controlplane.retry_window", "15s")
}

// validate validates the configuration
func validate(config *Config) error {
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Server.Enabled && config.Server.Port == "" {
		return fmt.Errorf("server.port is required when the local API is enabled")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Serial.ExchangeTimeout <= 0 {
		return fmt.Errorf("serial.exchange_timeout must be positive")
	}
	if config.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if config.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be positive")
	}
	if config.Registry.CleanupAge <= 0 {
		return fmt.Errorf("registry.cleanup_age must be positive")
	}
	if config.Fleet.ScanInterval <= 0 {
		return fmt.Errorf("fleet.scan_interval must be positive")
	}
	if config.Fleet.StopGrace <= 0 {
		return fmt.Errorf("fleet.stop_grace must be positive")
	}
	if config.Worker.TelemetryInterval <= 0 || config.Worker.CommandPollInterval <= 0 || config.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}

	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// GetServerAddr returns the local API address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
