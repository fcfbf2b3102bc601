package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"gopkg.in/yaml.v3"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
)

// Config holds all configuration for the ping/pong bot
type Config struct {
	// RPCURL is the HTTP(S) or WS JSON-RPC endpoint of the node
	RPCURL string `yaml:"rpc_url" env:"RPC_URL"`

	// PrivateKey is the hex-encoded secp256k1 key that signs Pong transactions
	PrivateKey string `yaml:"private_key" env:"PRIVATE_KEY"`

	// ContractAddress is the PingPong contract emitting Ping and receiving pong
	ContractAddress string `yaml:"contract_address" env:"CONTRACT_ADDRESS"`

	// StartBlock is the immutable floor for scanning (required)
	StartBlock *uint64 `yaml:"start_block" env:"START_BLOCK"`

	// Confirmations is the trailing safety margin left unscanned; zero is valid
	Confirmations uint64 `yaml:"confirmations" env:"CONFIRMATIONS"`

	// BatchSize is the maximum number of blocks per log query
	BatchSize uint64 `yaml:"batch_size" env:"BATCH_SIZE"`

	// SleepMs is the idle interval between ticks
	SleepMs int `yaml:"sleep_ms" env:"SLEEP_MS"`

	// PollIntervalMs is the interval between polls while a Pong is pending
	PollIntervalMs int `yaml:"poll_interval_ms" env:"POLL_INTERVAL_MS"`

	// DataDir holds state.json and the outcome journal
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// StuckBlocks is the staleness window before a pending Pong is replaced
	StuckBlocks uint64 `yaml:"stuck_blocks" env:"STUCK_BLOCKS"`

	// PriorityFeeGwei is the baseline tip as a decimal gwei string
	PriorityFeeGwei string `yaml:"priority_fee_gwei" env:"PRIORITY_FEE_GWEI"`

	// MaxReplacementsPerTx is the abandon threshold
	MaxReplacementsPerTx int `yaml:"max_replacements_per_tx" env:"MAX_REPLACEMENTS_PER_TX"`

	// RecentSetSize is the dedup window capacity
	RecentSetSize int `yaml:"recent_set_size" env:"RECENT_SET_SIZE"`

	RPC     RPCConfig     `yaml:"rpc"`
	Log     LogConfig     `yaml:"log"`
	Ops     OpsConfig     `yaml:"ops"`
	Journal JournalConfig `yaml:"journal"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// RPCConfig holds RPC client tuning
type RPCConfig struct {
	Timeout          time.Duration `yaml:"timeout" env:"RPC_TIMEOUT"`
	RateLimit        float64       `yaml:"rate_limit" env:"RPC_RATE_LIMIT"`
	RateBurst        int           `yaml:"rate_burst" env:"RPC_RATE_BURST"`
	GasLimitFallback uint64        `yaml:"gas_limit_fallback" env:"GAS_LIMIT_FALLBACK"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// OpsConfig holds the ops HTTP server configuration
type OpsConfig struct {
	Enabled *bool  `yaml:"enabled" env:"OPS_ENABLED"`
	Address string `yaml:"address" env:"OPS_ADDRESS"`
}

// JournalConfig holds outcome journal configuration
type JournalConfig struct {
	Enabled *bool `yaml:"enabled" env:"JOURNAL_ENABLED"`
}

// AlertsConfig selects where terminal outcomes are published
type AlertsConfig struct {
	// Backend is one of "log", "redis", "kafka"
	Backend string            `yaml:"backend" env:"ALERTS_BACKEND"`
	Redis   AlertsRedisConfig `yaml:"redis"`
	Kafka   AlertsKafkaConfig `yaml:"kafka"`
}

// AlertsRedisConfig holds Redis Pub/Sub settings
type AlertsRedisConfig struct {
	Addr        string        `yaml:"addr" env:"ALERTS_REDIS_ADDR"`
	Password    string        `yaml:"password,omitempty" env:"ALERTS_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"ALERTS_REDIS_DB"`
	Channel     string        `yaml:"channel" env:"ALERTS_REDIS_CHANNEL"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"ALERTS_REDIS_DIAL_TIMEOUT"`
}

// AlertsKafkaConfig holds Kafka producer settings
type AlertsKafkaConfig struct {
	Brokers       []string `yaml:"brokers" env:"ALERTS_KAFKA_BROKERS" envSeparator:","`
	Topic         string   `yaml:"topic" env:"ALERTS_KAFKA_TOPIC"`
	ClientID      string   `yaml:"client_id" env:"ALERTS_KAFKA_CLIENT_ID"`
	SASLMechanism string   `yaml:"sasl_mechanism" env:"ALERTS_KAFKA_SASL_MECHANISM"`
	SASLUsername  string   `yaml:"sasl_username,omitempty" env:"ALERTS_KAFKA_SASL_USERNAME"`
	SASLPassword  string   `yaml:"sasl_password,omitempty" env:"ALERTS_KAFKA_SASL_PASSWORD"`
	TLS           bool     `yaml:"tls" env:"ALERTS_KAFKA_TLS"`
	// RequiredAcks: 0, 1, -1 (all)
	RequiredAcks int `yaml:"required_acks" env:"ALERTS_KAFKA_REQUIRED_ACKS"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{
		Confirmations:        constants.DefaultConfirmations,
		MaxReplacementsPerTx: constants.DefaultMaxReplacementsPerTx,
		RPC: RPCConfig{
			RateLimit: constants.DefaultRPCRateLimit,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field that has a non-zero default.
// Confirmations, MaxReplacementsPerTx and RPC.RateLimit are set only by
// NewConfig because zero is a legitimate value for each: no confirmation
// depth, abandon on the first stuck check, no RPC throttling.
func (c *Config) SetDefaults() {
	if c.ContractAddress == "" {
		c.ContractAddress = constants.DefaultContractAddress
	}
	if c.BatchSize == 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.SleepMs == 0 {
		c.SleepMs = constants.DefaultSleepMs
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = constants.DefaultPollIntervalMs
	}
	if c.DataDir == "" {
		c.DataDir = constants.DefaultDataDir
	}
	if c.StuckBlocks == 0 {
		c.StuckBlocks = constants.DefaultStuckBlocks
	}
	if c.PriorityFeeGwei == "" {
		c.PriorityFeeGwei = constants.DefaultPriorityFeeGwei
	}
	if c.RecentSetSize == 0 {
		c.RecentSetSize = constants.DefaultRecentSetSize
	}

	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = constants.DefaultRPCRateBurst
	}
	if c.RPC.GasLimitFallback == 0 {
		c.RPC.GasLimitFallback = constants.DefaultGasLimitFallback
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Ops defaults
	if c.Ops.Enabled == nil {
		enabled := true
		c.Ops.Enabled = &enabled
	}
	if c.Ops.Address == "" {
		c.Ops.Address = constants.DefaultOpsAddress
	}

	// Journal defaults
	if c.Journal.Enabled == nil {
		enabled := true
		c.Journal.Enabled = &enabled
	}

	// Alerts defaults
	if c.Alerts.Backend == "" {
		c.Alerts.Backend = constants.DefaultAlertsBackend
	}
	if c.Alerts.Redis.Channel == "" {
		c.Alerts.Redis.Channel = constants.DefaultAlertsRedisChannel
	}
	if c.Alerts.Redis.DialTimeout == 0 {
		c.Alerts.Redis.DialTimeout = 5 * time.Second
	}
	if c.Alerts.Kafka.Topic == "" {
		c.Alerts.Kafka.Topic = constants.DefaultAlertsKafkaTopic
	}
	if c.Alerts.Kafka.ClientID == "" {
		c.Alerts.Kafka.ClientID = "pingpong-bot"
	}
	if c.Alerts.Kafka.RequiredAcks == 0 {
		c.Alerts.Kafka.RequiredAcks = -1 // All replicas
	}
}

// LoadFromEnv loads configuration from environment variables.
// Only variables that are set override the current values.
func (c *Config) LoadFromEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.ContractAddress = strings.ToLower(c.ContractAddress)
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x")); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", c.ContractAddress)
	}
	if c.StartBlock == nil {
		return fmt.Errorf("start block is required")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.SleepMs <= 0 {
		return fmt.Errorf("sleep interval must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.StuckBlocks == 0 {
		return fmt.Errorf("stuck blocks threshold must be positive")
	}
	if c.MaxReplacementsPerTx < 0 {
		return fmt.Errorf("max replacements per tx cannot be negative")
	}
	if c.RecentSetSize <= 0 {
		return fmt.Errorf("recent set size must be positive")
	}
	if _, err := c.PriorityFeeWei(); err != nil {
		return err
	}

	// Validate RPC configuration
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate alerts configuration
	switch c.Alerts.Backend {
	case "log":
	case "redis":
		if c.Alerts.Redis.Addr == "" {
			return fmt.Errorf("redis alerts enabled but no address configured")
		}
	case "kafka":
		if len(c.Alerts.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka alerts enabled but no brokers configured")
		}
		if c.Alerts.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka alerts are enabled")
		}
	default:
		return fmt.Errorf("invalid alerts backend %q, must be one of: log, redis, kafka", c.Alerts.Backend)
	}

	return nil
}

// PriorityFeeWei converts PriorityFeeGwei to wei without floating point
func (c *Config) PriorityFeeWei() (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(c.PriorityFeeGwei))
	if !ok {
		return nil, fmt.Errorf("invalid priority fee %q", c.PriorityFeeGwei)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("priority fee cannot be negative")
	}
	r.Mul(r, new(big.Rat).SetInt64(params.GWei))
	if !r.IsInt() {
		return nil, fmt.Errorf("priority fee %q has more than 9 decimals", c.PriorityFeeGwei)
	}
	return new(big.Int).Set(r.Num()), nil
}

// StartHeight returns the configured scan floor
func (c *Config) StartHeight() uint64 {
	if c.StartBlock == nil {
		return 0
	}
	return *c.StartBlock
}

// Contract returns the contract address
func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// SleepInterval returns the idle tick interval
func (c *Config) SleepInterval() time.Duration {
	return time.Duration(c.SleepMs) * time.Millisecond
}

// PollInterval returns the pending transaction poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StatePath returns the location of the engine state file
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, constants.StateFileName)
}

// JournalPath returns the location of the outcome journal
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, constants.JournalDirName)
}

// OpsEnabled reports whether the ops HTTP server should run
func (c *Config) OpsEnabled() bool {
	return c.Ops.Enabled != nil && *c.Ops.Enabled
}

// JournalEnabled reports whether outcomes are journaled
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled != nil && *c.Journal.Enabled
}

// MaskedPrivateKey returns a form of the private key safe for logs
func (c *Config) MaskedPrivateKey() string {
	return Mask(c.PrivateKey, 4)
}

// Mask keeps the first and last visible characters of a secret
func Mask(value string, visible int) string {
	if value == "" {
		return ""
	}
	if len(value) <= visible*2 {
		return value[:1] + "…"
	}
	return value[:visible] + "..." + value[len(value)-visible:]
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Apply overrides (command-line flags)
// 5. Validate
func Load(configFile string, overrides ...func(*Config)) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	for _, override := range overrides {
		override(cfg)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
