package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the tutornet configuration directory
// Uses ~/.config/tutornet/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "tutornet"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel          = "TUTORNET_LOG_LEVEL"
	EnvLogFormat         = "TUTORNET_LOG_FORMAT"
	EnvLogOutput         = "TUTORNET_LOG_OUTPUT"
	EnvBusCodec          = "TUTORNET_BUS_CODEC"
	EnvPayloadCodec      = "TUTORNET_PAYLOAD_CODEC"
	EnvReconnectInterval = "TUTORNET_RECONNECT_INTERVAL"
	EnvAckTimeout        = "TUTORNET_ACK_TIMEOUT"
	EnvHost              = "TUTORNET_HOST"
	EnvIPFilter          = "TUTORNET_IP_FILTER"
	EnvServerMode        = "TUTORNET_SERVER_MODE"
	EnvRedirectToGateway = "TUTORNET_REDIRECT_TUTOR_TO_GATEWAY"
	EnvHeartbeatInterval = "TUTORNET_HEARTBEAT_INTERVAL"
	EnvStalenessTimeout  = "TUTORNET_STALENESS_TIMEOUT"
	EnvMaxAllocations    = "TUTORNET_MAX_ALLOCATIONS"
	EnvHealthEnabled     = "TUTORNET_HEALTH_ENABLED"
	EnvHealthAddress     = "TUTORNET_HEALTH_ADDRESS"
	EnvMetricsEnabled    = "TUTORNET_METRICS_ENABLED"
	EnvMetricsAddress    = "TUTORNET_METRICS_ADDRESS"
	EnvShutdownTimeout   = "TUTORNET_SHUTDOWN_TIMEOUT"
)

const (
	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default bus settings
	DefaultBusKind           = "memory"
	DefaultClientIDPrefix    = "tutornet"
	DefaultReconnectInterval = 1 * time.Second
	DefaultPruneWindow       = 100 * time.Millisecond
	DefaultSendPriority      = 4
	DefaultBusCodec          = "binary"
	DefaultPayloadCodec      = "cbor"

	// Default network settings
	DefaultAckTimeout          = 1 * time.Second
	DefaultSlowDecodeThreshold = 500 * time.Millisecond
	DefaultHost                = "127.0.0.1"

	// Default discovery settings
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultStalenessTimeout  = 10 * time.Second
	DefaultCheckInterval     = 1 * time.Second

	// Default health and metrics endpoints
	DefaultHealthAddress  = "127.0.0.1:50061"
	DefaultMetricsAddress = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"

	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:           DefaultLogLevel,
		Format:          DefaultLogFormat,
		Output:          "stdout",
		RotationEnabled: true,
		MaxSize:         100, // MB
		MaxBackups:      3,
		MaxAge:          28, // days
		Compress:        true,
	}
}

// DefaultBusConfig returns the default bus configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Kind:              DefaultBusKind,
		ClientIDPrefix:    DefaultClientIDPrefix,
		ReconnectInterval: DefaultReconnectInterval,
		PruneWindow:       DefaultPruneWindow,
		SendPriority:      DefaultSendPriority,
		Codec:             DefaultBusCodec,
		PayloadCodec:      DefaultPayloadCodec,
	}
}

// DefaultNetworkConfig returns the default network session configuration
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Host:                DefaultHost,
		AckTimeout:          DefaultAckTimeout,
		SlowDecodeThreshold: DefaultSlowDecodeThreshold,
		IPFilter:            true,
		PruneInboxOnStartup: true,
	}
}

// DefaultDiscoveryConfig returns the default discovery configuration
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		StalenessTimeout:  DefaultStalenessTimeout,
		CheckInterval:     DefaultCheckInterval,
	}
}

// DefaultHealthConfig returns the default health endpoint configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: false,
		Address: DefaultHealthAddress,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Address: DefaultMetricsAddress,
		Path:    DefaultMetricsPath,
	}
}

// DefaultConfig returns a configuration with every section at its default
func DefaultConfig() *Config {
	return &Config{
		Logging:         DefaultLoggingConfig(),
		Bus:             DefaultBusConfig(),
		Network:         DefaultNetworkConfig(),
		Discovery:       DefaultDiscoveryConfig(),
		Health:          DefaultHealthConfig(),
		Metrics:         DefaultMetricsConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}
