// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/oasisprotocol/govkeeper/log"
)

// Config contains the CLI configuration.
type Config struct {
	Network    *NetworkConfig    `koanf:"network"`
	Signer     *SignerConfig     `koanf:"signer"`
	Submission *SubmissionConfig `koanf:"submission"`
	Timelock   *TimelockConfig   `koanf:"timelock"`
	Journal    *JournalConfig    `koanf:"journal"`
	Keeper     *KeeperConfig     `koanf:"keeper"`
	Server     *ServerConfig     `koanf:"server"`
	Log        *LogConfig        `koanf:"log"`
	Metrics    *MetricsConfig    `koanf:"metrics"`
	Debug      *DebugConfig      `koanf:"debug"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Network == nil {
		return fmt.Errorf("network: not configured")
	}
	if err := cfg.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if cfg.Signer != nil {
		if err := cfg.Signer.Validate(); err != nil {
			return fmt.Errorf("signer: %w", err)
		}
	}
	if cfg.Submission != nil {
		if err := cfg.Submission.Validate(); err != nil {
			return fmt.Errorf("submission: %w", err)
		}
	}
	if cfg.Timelock != nil {
		if err := cfg.Timelock.Validate(); err != nil {
			return fmt.Errorf("timelock: %w", err)
		}
	}
	if cfg.Journal != nil {
		if err := cfg.Journal.Validate(); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	if cfg.Keeper != nil {
		if cfg.Timelock == nil || cfg.Journal == nil {
			return fmt.Errorf("keeper: requires both timelock and journal to be configured")
		}
		if err := cfg.Keeper.Validate(); err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	if cfg.Debug != nil {
		if err := cfg.Debug.Validate(); err != nil {
			return fmt.Errorf("debug: %w", err)
		}
	}

	return nil
}

// NetworkConfig has some controls about which chain we submit to and how to connect.
type NetworkConfig struct {
	// ChainName is the name of a built-in chain preset (e.g. bsc_testnet). Set
	// this to use one of the default chains.
	ChainName ChainName `koanf:"chain_name"`
	// CustomChain describes a chain other than the default chains, e.g. a
	// local devnet.
	CustomChain *ChainConfig `koanf:"custom_chain"`

	// RPC, if set, overrides the RPC endpoint of the selected chain.
	RPC string `koanf:"rpc"`

	// RequestTimeout bounds every individual read against the node
	// (fee market, estimation, registry reads). Defaults to 30s.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Validate validates the network configuration.
func (cfg *NetworkConfig) Validate() error {
	if cfg.ChainName == "" && cfg.CustomChain == nil {
		return fmt.Errorf("chain not configured, specify either chain_name or custom_chain")
	} else if cfg.ChainName != "" && cfg.CustomChain != nil {
		return fmt.Errorf("chain_name and custom_chain specified, can only use one")
	}
	if cfg.ChainName != "" {
		if _, ok := DefaultChains[cfg.ChainName]; !ok {
			return fmt.Errorf("unknown chain_name '%s'", cfg.ChainName)
		}
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	return cfg.Chain().Validate()
}

// Chain resolves the effective chain configuration.
func (cfg *NetworkConfig) Chain() *ChainConfig {
	var chain ChainConfig
	if cfg.ChainName != "" {
		chain = *DefaultChains[cfg.ChainName]
	} else {
		chain = *cfg.CustomChain
	}
	if cfg.RPC != "" {
		chain.RPC = cfg.RPC
	}
	return &chain
}

// SignerConfig holds the credential used by the bundled network client.
type SignerConfig struct {
	// PrivateKey is the hex-encoded secp256k1 key. Prefer supplying it
	// through the SIGNER__PRIVATE_KEY environment variable.
	PrivateKey string `koanf:"private_key"`
}

// Validate validates the signer configuration.
func (cfg *SignerConfig) Validate() error {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("private_key must be 32 hex-encoded bytes")
	}
	return nil
}

// SubmissionConfig tunes the resilient submission layer. Zero values
// select the defaults documented on each field.
type SubmissionConfig struct {
	// MaxAttempts is the number of submission attempts before giving up. Default 3.
	MaxAttempts int `koanf:"max_attempts"`
	// PerAttemptTimeout bounds the wait for confirmation of one attempt. Default 30s.
	PerAttemptTimeout time.Duration `koanf:"per_attempt_timeout"`
	// BackoffUnit is multiplied by the attempt number to get the sleep
	// before the next attempt. Default 2s.
	BackoffUnit time.Duration `koanf:"backoff_unit"`
	// PollInterval is how often the receipt is polled while awaiting confirmation. Default 1s.
	PollInterval time.Duration `koanf:"poll_interval"`
	// GasBufferRatio is the fraction added on top of the raw gas estimate.
	// Default 0.20 when unset; an explicit 0 disables the buffer.
	GasBufferRatio *float64 `koanf:"gas_buffer_ratio"`
	// FallbackGasLimit is used when gas estimation fails. Default 100000.
	FallbackGasLimit uint64 `koanf:"fallback_gas_limit"`
}

// Validate validates the submission configuration.
func (cfg *SubmissionConfig) Validate() error {
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if cfg.PerAttemptTimeout < 0 || cfg.BackoffUnit < 0 || cfg.PollInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if r := cfg.GasBufferRatio; r != nil && (*r < 0 || *r > 10) {
		return fmt.Errorf("gas_buffer_ratio %v out of range [0, 10]", *r)
	}
	return nil
}

// TimelockConfig points at the TimelockController governing the target contracts.
type TimelockConfig struct {
	Address string `koanf:"address"`
}

// Validate validates the timelock configuration.
func (cfg *TimelockConfig) Validate() error {
	if !ethCommon.IsHexAddress(cfg.Address) {
		return fmt.Errorf("malformed timelock address '%s'", cfg.Address)
	}
	return nil
}

// JournalBackend is an operation journal backend.
type JournalBackend uint

const (
	// BackendPogreb is the embedded, file-based journal backend.
	BackendPogreb JournalBackend = iota
	// BackendPostgres is the PostgreSQL journal backend.
	BackendPostgres
)

// String returns the string representation of a JournalBackend.
func (jb *JournalBackend) String() string {
	switch *jb {
	case BackendPogreb:
		return "pogreb"
	case BackendPostgres:
		return "postgres"
	default:
		panic("config: unsupported journal backend")
	}
}

// Set sets the JournalBackend to the value specified by the provided string.
func (jb *JournalBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "pogreb":
		*jb = BackendPogreb
	case "postgres":
		*jb = BackendPostgres
	default:
		return fmt.Errorf("config: invalid journal backend: '%s'", s)
	}

	return nil
}

// Type returns the list of supported JournalBackends.
func (jb *JournalBackend) Type() string {
	return "[pogreb,postgres]"
}

// JournalConfig contains the operation journal configuration.
type JournalConfig struct {
	// Backend is the journal backend to select.
	Backend string `koanf:"backend"`

	// Path is the directory of the pogreb database.
	Path string `koanf:"path"`

	// Endpoint is the PostgreSQL connection string.
	Endpoint string `koanf:"endpoint"`

	// Migrate applies the embedded schema migrations on startup (postgres only).
	Migrate bool `koanf:"migrate"`
}

// Validate validates the journal configuration.
func (cfg *JournalConfig) Validate() error {
	var jb JournalBackend
	if err := jb.Set(cfg.Backend); err != nil {
		return err
	}
	switch jb {
	case BackendPogreb:
		if cfg.Path == "" {
			return fmt.Errorf("invalid journal path '%s'", cfg.Path)
		}
	case BackendPostgres:
		if cfg.Endpoint == "" {
			return fmt.Errorf("malformed journal endpoint '%s'", cfg.Endpoint)
		}
	}
	return nil
}

// KeeperConfig is the configuration for the automated executor.
type KeeperConfig struct {
	// Interval is the time between two sweeps over the open journal entries.
	Interval time.Duration `koanf:"interval"`

	// MaxParallel bounds how many distinct operations are handled at once. Default 4.
	MaxParallel int `koanf:"max_parallel"`

	// MaxStatusRetries bounds the retries of a failing status read. Default 5.
	MaxStatusRetries uint64 `koanf:"max_status_retries"`
}

// Validate validates the keeper configuration.
func (cfg *KeeperConfig) Validate() error {
	if cfg.Interval < time.Second {
		return fmt.Errorf("keeper interval must be at least 1 second")
	}
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	return nil
}

// ServerConfig contains the API server configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// DebugConfig contains debugging aids.
type DebugConfig struct {
	// PprofEndpoint, if set, serves net/http/pprof on this address.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the debug configuration.
func (cfg *DebugConfig) Validate() error {
	if cfg.PprofEndpoint == "" {
		return fmt.Errorf("malformed pprof endpoint '%s'", cfg.PprofEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
