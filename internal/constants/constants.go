package constants

import "time"

// Engine Constants
const (
	// DefaultContractAddress is the PingPong contract watched when none is configured
	DefaultContractAddress = "0xa7f42ff7433cb268dd7d59be62b00c30ded28d3d"

	// DefaultConfirmations is the number of trailing blocks left unscanned
	DefaultConfirmations = 3

	// DefaultBatchSize is the maximum number of blocks per log query
	DefaultBatchSize = 2000

	// DefaultSleepMs is the idle interval between ticks in milliseconds
	DefaultSleepMs = 5000

	// DefaultPollIntervalMs is the interval between polls of a pending transaction
	DefaultPollIntervalMs = 2000

	// DefaultDataDir is the default directory for the state file and journal
	DefaultDataDir = "./data"

	// DefaultStuckBlocks is the number of blocks without a receipt before a transaction is replaced
	DefaultStuckBlocks = 12

	// DefaultPriorityFeeGwei is the baseline tip offered to block producers
	DefaultPriorityFeeGwei = "2.0"

	// DefaultMaxReplacementsPerTx is the number of fee bumps before a Pong is abandoned
	DefaultMaxReplacementsPerTx = 6

	// DefaultRecentSetSize is the capacity of the dedup window
	DefaultRecentSetSize = 5000

	// BeforeFirstLog is the cursor log index meaning "no log of this block handled"
	BeforeFirstLog = -1
)

// Fee Constants
const (
	// ReplacementBumpPercent is the minimum fee increase the txpool accepts for a replacement
	ReplacementBumpPercent = 12

	// BaseFeeMultiplier scales the latest base fee when computing the fee cap
	BaseFeeMultiplier = 2

	// DefaultBaseFeeGwei is used when the latest block carries no base fee
	DefaultBaseFeeGwei = 1
)

// Scanner Constants
const (
	// DefaultScanMaxAttempts is the number of log query attempts per scan
	DefaultScanMaxAttempts = 10

	// DefaultScanBaseDelay is the first backoff delay of a failing log query
	DefaultScanBaseDelay = 1 * time.Second

	// DefaultScanMaxDelay caps the backoff delay
	DefaultScanMaxDelay = 15 * time.Second

	// DefaultScanJitter is the upper bound of the random delay added to each backoff
	DefaultScanJitter = 500 * time.Millisecond
)

// RPC Constants
const (
	// DefaultRPCTimeout is the default timeout for a single RPC call
	DefaultRPCTimeout = 30 * time.Second

	// DefaultRPCRateLimit is the default sustained RPC request rate (requests per second)
	DefaultRPCRateLimit = 20

	// DefaultRPCRateBurst is the default RPC burst size
	DefaultRPCRateBurst = 40

	// DefaultGasLimitFallback is used when gas estimation for pong fails
	DefaultGasLimitFallback = 100000

	// GasLimitHeadroomPercent is added on top of the estimated gas
	GasLimitHeadroomPercent = 20
)

// Ops Server Constants
const (
	// DefaultOpsAddress is the default listen address of the ops HTTP server
	DefaultOpsAddress = ":9090"

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB

	// DefaultOutcomesLimit is the default number of outcomes returned by the ops API
	DefaultOutcomesLimit = 50

	// MaxOutcomesLimit is the maximum number of outcomes returned by the ops API
	MaxOutcomesLimit = 1000
)

// Alert Constants
const (
	// DefaultAlertsBackend is the default alert publisher backend
	DefaultAlertsBackend = "log"

	// DefaultAlertsRedisChannel is the default Redis channel for outcome alerts
	DefaultAlertsRedisChannel = "pingpong:outcomes"

	// DefaultAlertsKafkaTopic is the default Kafka topic for outcome alerts
	DefaultAlertsKafkaTopic = "pingpong-outcomes"

	// DefaultAlertPublishTimeout bounds a single alert publish
	DefaultAlertPublishTimeout = 5 * time.Second
)

// Journal Constants
const (
	// DefaultJournalCacheSize is the default cache size in MB for the outcome journal
	DefaultJournalCacheSize = 8 // MB

	// DefaultJournalMaxOpenFiles is the default maximum number of open files for the journal
	DefaultJournalMaxOpenFiles = 64
)

// StateFileName is the name of the engine state file inside the data directory
const StateFileName = "state.json"

// JournalDirName is the name of the outcome journal directory inside the data directory
const JournalDirName = "journal"
