package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Chains        []string
	HTTPAddr      string
	StoreDriver   string
	DBDSN         string
	DBPath        string
	RedisAddr     string
	CacheTTL      time.Duration
	ClickhouseDSN string
	OtelEndpoint  string

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string

	PointsRate                   decimal.Decimal
	PointsCron                   string
	BackupCron                   string
	BackupDir                    string
	RecalcWorkers                int
	RecalcMaxConsecutiveFailures int
	StoreRetryMax                uint64

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Ordering process.
	Chain           string
	RPCURL          string
	ContractAddress string
	Topic0          string
	StartBlock      uint64
	Confirmations   uint64
	BatchSize       uint64
	PollInterval    time.Duration
	MetricsAddr     string
}

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	chains, err := parseList(source, "CHAINS", "sepolia,base")
	if err != nil {
		return Config{}, err
	}
	chains = lowerUnique(chains)

	driver := strings.ToLower(lookupDefault(source, "STORE_DRIVER", DriverSQLite))
	if driver != DriverMySQL && driver != DriverSQLite {
		return Config{}, fmt.Errorf("invalid STORE_DRIVER: %s", driver)
	}
	dbDSN := lookupDefault(source, "DB_DSN", "root:@tcp(127.0.0.1:3306)/tokenpoints?multiStatements=true")
	dbPath := lookupDefault(source, "DB_PATH", "data/tokenpoints.db")

	redisAddr := "127.0.0.1:6379"
	if raw, ok := source.Lookup("REDIS_ADDR"); ok {
		redisAddr = strings.TrimSpace(raw)
	}
	cacheTTL, err := parseDurationEnv(source, "CACHE_TTL", time.Minute)
	if err != nil {
		return Config{}, err
	}

	clickhouseDSN, _ := source.Lookup("CLICKHOUSE_DSN")
	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")

	kafkaBrokers, err := parseList(source, "KAFKA_BROKERS", "localhost:9092")
	if err != nil {
		return Config{}, err
	}

	rate, err := decimal.NewFromString(lookupDefault(source, "POINTS_RATE", "0.05"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POINTS_RATE: %w", err)
	}
	if rate.IsNegative() {
		return Config{}, errors.New("POINTS_RATE must not be negative")
	}

	workers, err := parseUintEnv(source, "RECALC_WORKERS", 8)
	if err != nil {
		return Config{}, err
	}
	if workers == 0 {
		return Config{}, errors.New("RECALC_WORKERS must be positive")
	}
	maxFailures, err := parseUintEnv(source, "RECALC_MAX_CONSECUTIVE_FAILURES", 5)
	if err != nil {
		return Config{}, err
	}
	retryMax, err := parseUintEnv(source, "STORE_RETRY_MAX", 3)
	if err != nil {
		return Config{}, err
	}

	logMaxSize, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 5)
	if err != nil {
		return Config{}, err
	}

	startBlock, err := parseUintEnv(source, "START_BLOCK", 0)
	if err != nil {
		return Config{}, err
	}
	confirmations, err := parseUintEnv(source, "CONFIRMATIONS", 6)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := parseUintEnv(source, "BATCH_SIZE", 1000)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := parseDurationEnv(source, "POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}

	chain := strings.ToLower(lookupDefault(source, "CHAIN", chains[0]))
	rpcURL, _ := source.Lookup("RPC_URL")
	contractAddress, _ := source.Lookup("CONTRACT_ADDRESS")

	return Config{
		Chains:        chains,
		HTTPAddr:      lookupDefault(source, "HTTP_ADDR", ":8080"),
		StoreDriver:   driver,
		DBDSN:         dbDSN,
		DBPath:        dbPath,
		RedisAddr:     redisAddr,
		CacheTTL:      cacheTTL,
		ClickhouseDSN: strings.TrimSpace(clickhouseDSN),
		OtelEndpoint:  strings.TrimSpace(otelEndpoint),

		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: lookupDefault(source, "KAFKA_TOPIC_PREFIX", "tokenpoints-transfers"),
		KafkaGroupID:     lookupDefault(source, "KAFKA_GROUP_ID", "tokenpoints-ledger"),

		PointsRate:                   rate,
		PointsCron:                   lookupDefault(source, "POINTS_CRON", "0 5 * * * *"),
		BackupCron:                   strings.TrimSpace(lookupDefault(source, "BACKUP_CRON", "")),
		BackupDir:                    lookupDefault(source, "BACKUP_DIR", "data/backups"),
		RecalcWorkers:                int(workers),
		RecalcMaxConsecutiveFailures: int(maxFailures),
		StoreRetryMax:                retryMax,

		LogLevel:      lookupDefault(source, "LOG_LEVEL", "info"),
		LogFile:       lookupDefault(source, "LOG_FILE", ""),
		LogMaxSizeMB:  int(logMaxSize),
		LogMaxBackups: int(logMaxBackups),

		Chain:           chain,
		RPCURL:          strings.TrimSpace(rpcURL),
		ContractAddress: strings.ToLower(strings.TrimSpace(contractAddress)),
		Topic0:          strings.ToLower(lookupDefault(source, "TOPIC0", TransferTopic)),
		StartBlock:      startBlock,
		Confirmations:   confirmations,
		BatchSize:       batchSize,
		PollInterval:    pollInterval,
		MetricsAddr:     lookupDefault(source, "METRICS_ADDR", ""),
	}, nil
}

// HasChain reports whether chain is one of the configured chains.
func (c Config) HasChain(chain string) bool {
	for _, configured := range c.Chains {
		if configured == chain {
			return true
		}
	}
	return false
}

func lookupDefault(source EnvSource, key, defaultValue string) string {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	return strings.TrimSpace(raw)
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return duration, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}

func lowerUnique(values []string) []string {
	out := values[:0]
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(value)
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
