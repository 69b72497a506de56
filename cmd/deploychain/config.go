package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log               LogConfig                `mapstructure:"log"`
	Store             StoreConfig              `mapstructure:"store"`
	Journal           JournalConfig            `mapstructure:"journal"`
	API               APIConfig                `mapstructure:"api"`
	Pipeline          string                   `mapstructure:"pipeline"` // Default definition file
	Network           string                   `mapstructure:"network"`  // Default network
	Networks          map[string]NetworkConfig `mapstructure:"networks"`
	ProvisionAttempts int                      `mapstructure:"provision_attempts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the config store. A "{network}" placeholder in Path is
// replaced with the network name.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "file" or "sqlite"
	Path   string `mapstructure:"path"`
}

// StorePath returns the store path for network.
func (c StoreConfig) StorePath(network string) string {
	return strings.ReplaceAll(c.Path, "{network}", network)
}

// JournalConfig holds the run journal database. An empty DSN disables the
// journal unless the store itself is SQLite.
type JournalConfig struct {
	DSN string `mapstructure:"dsn"`
}

// APIConfig holds status API server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Token           string        `mapstructure:"token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Backend names.
const (
	BackendEVM    = "evm"
	BackendDocker = "docker"
)

// NetworkConfig describes one deployment target.
type NetworkConfig struct {
	Backend string `mapstructure:"backend"`

	// EVM
	RPCURL        string        `mapstructure:"rpc_url"`
	ChainID       int64         `mapstructure:"chain_id"` // 0 asks the node
	PrivateKeyEnv string        `mapstructure:"private_key_env"`
	ArtifactsDir  string        `mapstructure:"artifacts_dir"`
	GasLimit      uint64        `mapstructure:"gas_limit"`
	GasPrice      string        `mapstructure:"gas_price"` // wei; empty uses dynamic fees
	Confirmations uint64        `mapstructure:"confirmations"`
	Timeout       time.Duration `mapstructure:"timeout"`

	// Docker
	DockerHost  string `mapstructure:"docker_host"`
	ComposeFile string `mapstructure:"compose_file"`
	Project     string `mapstructure:"project"`
	Caller      string `mapstructure:"caller"` // exec user
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "config/config.json")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.token", "")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("pipeline", "deploychain.yaml")
	v.SetDefault("network", "development")
	v.SetDefault("provision_attempts", 1)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DEPLOYCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, nc := range cfg.Networks {
		if nc.Project == "" {
			nc.Project = "deploychain"
		}
		if nc.Backend == BackendEVM && nc.PrivateKeyEnv == "" {
			nc.PrivateKeyEnv = "DEPLOYCHAIN_PRIVATE_KEY"
		}
		cfg.Networks[name] = nc
	}

	return &cfg, nil
}

// Validate checks settings every command relies on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q (want file or sqlite)", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.ProvisionAttempts < 1 {
		errs = append(errs, fmt.Errorf("provision_attempts must be at least 1, got %d", c.ProvisionAttempts))
	}

	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Networks[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("networks.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (n NetworkConfig) validate() error {
	switch n.Backend {
	case BackendEVM:
		if n.RPCURL == "" {
			return errors.New("rpc_url is required for the evm backend")
		}
		if n.ArtifactsDir == "" {
			return errors.New("artifacts_dir is required for the evm backend")
		}
		if _, err := n.GasPriceWei(); err != nil {
			return err
		}
	case BackendDocker:
		if n.ComposeFile == "" {
			return errors.New("compose_file is required for the docker backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want evm or docker)", n.Backend)
	}
	return nil
}

// GasPriceWei parses GasPrice. It returns nil when no price is set.
func (n NetworkConfig) GasPriceWei() (*big.Int, error) {
	if n.GasPrice == "" {
		return nil, nil
	}
	price, ok := new(big.Int).SetString(n.GasPrice, 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("gas_price must be a positive integer in wei, got %q", n.GasPrice)
	}
	return price, nil
}

// NetworkByName returns the settings of name. Viper lowercases map keys, so
// the lookup is case-insensitive.
func (c *Config) NetworkByName(name string) (NetworkConfig, error) {
	nc, ok := c.Networks[strings.ToLower(name)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %q is not configured", name)
	}
	return nc, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
