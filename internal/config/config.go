package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/tutornet/pkg/types"
)

// Config represents the complete configuration for a tutornet process
type Config struct {
	Logging         LoggingConfig    `json:"logging" yaml:"logging"`
	Bus             BusConfig        `json:"bus" yaml:"bus"`
	Network         NetworkConfig    `json:"network" yaml:"network"`
	Discovery       DiscoveryConfig  `json:"discovery" yaml:"discovery"`
	Allocation      AllocationConfig `json:"allocation" yaml:"allocation"`
	Health          HealthConfig     `json:"health" yaml:"health"`
	Metrics         MetricsConfig    `json:"metrics" yaml:"metrics"`
	Nodes           []NodeConfig     `json:"nodes" yaml:"nodes"`
	ShutdownTimeout time.Duration    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format          string `json:"format" yaml:"format"` // json, text
	Output          string `json:"output" yaml:"output"` // stdout, stderr, file path
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled"`
	MaxSize         int    `json:"max_size" yaml:"max_size"` // MB
	MaxBackups      int    `json:"max_backups" yaml:"max_backups"`
	MaxAge          int    `json:"max_age" yaml:"max_age"` // days
	Compress        bool   `json:"compress" yaml:"compress"`
}

// BusConfig contains message bus and transport client configuration
type BusConfig struct {
	Kind              string        `json:"kind" yaml:"kind"` // memory
	ClientIDPrefix    string        `json:"client_id_prefix" yaml:"client_id_prefix"`
	ReconnectInterval time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	PruneWindow       time.Duration `json:"prune_window" yaml:"prune_window"`
	SendPriority      int           `json:"send_priority" yaml:"send_priority"`
	Codec             string        `json:"codec" yaml:"codec"`                 // json, binary
	PayloadCodec      string        `json:"payload_codec" yaml:"payload_codec"` // cbor, json
}

// NetworkConfig contains network session configuration
type NetworkConfig struct {
	Host                   string        `json:"host" yaml:"host"`
	AckTimeout             time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	SlowDecodeThreshold    time.Duration `json:"slow_decode_threshold" yaml:"slow_decode_threshold"`
	IPFilter               bool          `json:"ip_filter" yaml:"ip_filter"`
	ServerMode             bool          `json:"server_mode" yaml:"server_mode"`
	RedirectTutorToGateway bool          `json:"redirect_tutor_to_gateway" yaml:"redirect_tutor_to_gateway"`
	PruneInboxOnStartup    bool          `json:"prune_inbox_on_startup" yaml:"prune_inbox_on_startup"`
}

// DiscoveryConfig contains heartbeat and staleness configuration
type DiscoveryConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	StalenessTimeout  time.Duration `json:"staleness_timeout" yaml:"staleness_timeout"`
	CheckInterval     time.Duration `json:"check_interval" yaml:"check_interval"`
}

// AllocationConfig contains module allocation limits
type AllocationConfig struct {
	MaxAllocations int `json:"max_allocations" yaml:"max_allocations"` // 0 means unlimited
}

// HealthConfig contains the gRPC health endpoint configuration
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// MetricsConfig contains Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// NodeConfig describes one module node hosted by the process
type NodeConfig struct {
	Module   string `json:"module" yaml:"module"`
	Name     string `json:"name" yaml:"name"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// OverrideOptions carries command line overrides applied after the file and
// environment have been read
type OverrideOptions struct {
	LogLevel               string
	LogFormat              string
	LogOutput              string
	Codec                  string
	Host                   string
	AckTimeout             time.Duration
	ServerMode             *bool
	RedirectTutorToGateway *bool
	HealthAddress          string
	MetricsAddress         string
}

// applyDefaults fills every zero-valued field with its default
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = defaultLogging.MaxSize
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaultLogging.MaxBackups
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = defaultLogging.MaxAge
	}

	defaultBus := DefaultBusConfig()
	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = defaultBus.Kind
	}
	if cfg.Bus.ClientIDPrefix == "" {
		cfg.Bus.ClientIDPrefix = defaultBus.ClientIDPrefix
	}
	if cfg.Bus.ReconnectInterval == 0 {
		cfg.Bus.ReconnectInterval = defaultBus.ReconnectInterval
	}
	if cfg.Bus.PruneWindow == 0 {
		cfg.Bus.PruneWindow = defaultBus.PruneWindow
	}
	if cfg.Bus.SendPriority == 0 {
		cfg.Bus.SendPriority = defaultBus.SendPriority
	}
	if cfg.Bus.Codec == "" {
		cfg.Bus.Codec = defaultBus.Codec
	}
	if cfg.Bus.PayloadCodec == "" {
		cfg.Bus.PayloadCodec = defaultBus.PayloadCodec
	}

	defaultNetwork := DefaultNetworkConfig()
	if cfg.Network.Host == "" {
		cfg.Network.Host = defaultNetwork.Host
	}
	if cfg.Network.AckTimeout == 0 {
		cfg.Network.AckTimeout = defaultNetwork.AckTimeout
	}
	if cfg.Network.SlowDecodeThreshold == 0 {
		cfg.Network.SlowDecodeThreshold = defaultNetwork.SlowDecodeThreshold
	}

	defaultDiscovery := DefaultDiscoveryConfig()
	if cfg.Discovery.HeartbeatInterval == 0 {
		cfg.Discovery.HeartbeatInterval = defaultDiscovery.HeartbeatInterval
	}
	if cfg.Discovery.StalenessTimeout == 0 {
		cfg.Discovery.StalenessTimeout = defaultDiscovery.StalenessTimeout
	}
	if cfg.Discovery.CheckInterval == 0 {
		cfg.Discovery.CheckInterval = defaultDiscovery.CheckInterval
	}

	if cfg.Health.Address == "" {
		cfg.Health.Address = DefaultHealthAddress
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// parseBool accepts the same truthy spellings for every boolean variable
func parseBool(v string) bool {
	v = strings.ToLower(v)
	return v == "true" || v == "1" || v == "yes"
}

// envDuration reads a duration variable into dst. An unparsable value is an error.
func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid duration in "+name, err)
	}
	*dst = d
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	// Logging
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	// Bus
	if v := os.Getenv(EnvBusCodec); v != "" {
		cfg.Bus.Codec = v
	}
	if v := os.Getenv(EnvPayloadCodec); v != "" {
		cfg.Bus.PayloadCodec = v
	}
	if err := envDuration(EnvReconnectInterval, &cfg.Bus.ReconnectInterval); err != nil {
		return err
	}

	// Network
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Network.Host = v
	}
	if err := envDuration(EnvAckTimeout, &cfg.Network.AckTimeout); err != nil {
		return err
	}
	if v := os.Getenv(EnvIPFilter); v != "" {
		cfg.Network.IPFilter = parseBool(v)
	}
	if v := os.Getenv(EnvServerMode); v != "" {
		cfg.Network.ServerMode = parseBool(v)
	}
	if v := os.Getenv(EnvRedirectToGateway); v != "" {
		cfg.Network.RedirectTutorToGateway = parseBool(v)
	}

	// Discovery
	if err := envDuration(EnvHeartbeatInterval, &cfg.Discovery.HeartbeatInterval); err != nil {
		return err
	}
	if err := envDuration(EnvStalenessTimeout, &cfg.Discovery.StalenessTimeout); err != nil {
		return err
	}

	// Allocation
	if v := os.Getenv(EnvMaxAllocations); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid integer in "+EnvMaxAllocations, err)
		}
		cfg.Allocation.MaxAllocations = n
	}

	// Health and metrics
	if v := os.Getenv(EnvHealthEnabled); v != "" {
		cfg.Health.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvHealthAddress); v != "" {
		cfg.Health.Address = v
	}
	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	return envDuration(EnvShutdownTimeout, &cfg.ShutdownTimeout)
}

// Load creates a new Config from the default config file when one exists,
// falling back to defaults, then applies environment overrides
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPath loads the configuration from an explicit path, or through Load
// when the path is empty
func LoadPath(path string) (*Config, error) {
	if path == "" {
		return Load()
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "log level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument, "log format must be json or text")
	}

	if c.Bus.Kind != DefaultBusKind {
		return types.NewError(types.ErrCodeInvalidArgument, "unsupported bus kind: "+c.Bus.Kind)
	}
	if c.Bus.ReconnectInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus reconnect interval must be positive")
	}
	if c.Bus.PruneWindow < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus prune window cannot be negative")
	}
	if c.Bus.SendPriority < 0 || c.Bus.SendPriority > 9 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus send priority must be between 0 and 9")
	}
	if c.Bus.Codec != "json" && c.Bus.Codec != "binary" {
		return types.NewError(types.ErrCodeInvalidArgument, "bus codec must be json or binary")
	}
	if c.Bus.PayloadCodec != "cbor" && c.Bus.PayloadCodec != "json" {
		return types.NewError(types.ErrCodeInvalidArgument, "payload codec must be cbor or json")
	}

	if c.Network.Host == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "network host cannot be empty")
	}
	if strings.Contains(c.Network.Host, "_") {
		return types.NewError(types.ErrCodeInvalidArgument, "network host cannot contain the address delimiter")
	}
	if c.Network.AckTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ack timeout must be positive")
	}

	if c.Discovery.HeartbeatInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat interval must be positive")
	}
	if c.Discovery.StalenessTimeout <= c.Discovery.HeartbeatInterval {
		return types.NewError(types.ErrCodeInvalidArgument, "staleness timeout must exceed the heartbeat interval")
	}
	if c.Discovery.CheckInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "staleness check interval must be positive")
	}

	if c.Allocation.MaxAllocations < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max allocations cannot be negative")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "health address cannot be empty when enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty when enabled")
	}
	if c.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	for i, n := range c.Nodes {
		if _, err := types.ParseModuleType(n.Module); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, fmt.Sprintf("node %d", i), err)
		}
		if n.Name == "" {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("node %d: name cannot be empty", i))
		}
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Bus: %s, Network: %s, Discovery: %s, Allocation: %s, Health: %s, Metrics: %s, Nodes: %d, ShutdownTimeout: %s}",
		c.Logging.String(),
		c.Bus.String(),
		c.Network.String(),
		c.Discovery.String(),
		c.Allocation.String(),
		c.Health.String(),
		c.Metrics.String(),
		len(c.Nodes),
		c.ShutdownTimeout,
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This is used by the run command after loading from defaults, YAML file,
// and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.Codec != "" {
		c.Bus.Codec = opts.Codec
	}
	if opts.Host != "" {
		c.Network.Host = opts.Host
	}
	if opts.AckTimeout > 0 {
		c.Network.AckTimeout = opts.AckTimeout
	}
	if opts.ServerMode != nil {
		c.Network.ServerMode = *opts.ServerMode
	}
	if opts.RedirectTutorToGateway != nil {
		c.Network.RedirectTutorToGateway = *opts.RedirectTutorToGateway
	}
	if opts.HealthAddress != "" {
		c.Health.Enabled = true
		c.Health.Address = opts.HealthAddress
	}
	if opts.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = opts.MetricsAddress
	}
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c BusConfig) String() string {
	return fmt.Sprintf("BusConfig{Kind: %s, Codec: %s, PayloadCodec: %s, ReconnectInterval: %s}",
		c.Kind, c.Codec, c.PayloadCodec, c.ReconnectInterval)
}

func (c NetworkConfig) String() string {
	return fmt.Sprintf("NetworkConfig{Host: %s, AckTimeout: %s, IPFilter: %v, ServerMode: %v, Redirect: %v}",
		c.Host, c.AckTimeout, c.IPFilter, c.ServerMode, c.RedirectTutorToGateway)
}

func (c DiscoveryConfig) String() string {
	return fmt.Sprintf("DiscoveryConfig{Heartbeat: %s, Staleness: %s, Check: %s}",
		c.HeartbeatInterval, c.StalenessTimeout, c.CheckInterval)
}

func (c AllocationConfig) String() string {
	return fmt.Sprintf("AllocationConfig{MaxAllocations: %d}", c.MaxAllocations)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("HealthConfig{Enabled: %v, Address: %s}", c.Enabled, c.Address)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}",
		c.Enabled, c.Address, c.Path)
}
