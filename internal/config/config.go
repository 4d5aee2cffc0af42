// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"settlement-service/internal/chains"
	"settlement-service/internal/domain"

	"go.uber.org/zap"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Ethereum   EthereumConfig
	Settlement SettlementConfig
	Security   SecurityConfig
	Tokens     []chains.TokenSpec
}

type ServerConfig struct {
	HTTPPort        int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver        string // "postgres" or "memory"
	URL           string
	MaxConns      int32
	MinConns      int32
	RunMigrations bool
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type EthereumConfig struct {
	RPCURL         string
	ChainID        int64 // expected chain id, 0 accepts whatever the node reports
	RequestsPerSec float64
	Burst          int
	MaxFeeGwei     int64
	GasLimitNative uint64
	GasLimitAsset  uint64
}

type SettlementConfig struct {
	CustodialAddress string
	ScanDepth        uint64
	FinalityTimeout  time.Duration
	PollInterval     time.Duration

	DepositExpiry          time.Duration
	DepositRetryBase       time.Duration
	DepositRetryMax        time.Duration
	DepositMonitorInterval time.Duration

	WithdrawalInterval    time.Duration
	WithdrawalConcurrency int

	ReviewInterval time.Duration
	StuckAfter     time.Duration
}

type SecurityConfig struct {
	MasterKey          string
	EncryptedSignerKey string
	SignerKey          string // plaintext, local development only
}

func Load(logger *zap.Logger) (*Config, error) {
	// ============================================================================
	// Storage
	// ============================================================================
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" && os.Getenv("DB_HOST") != "" {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_HOST"),
			getEnv("DB_PORT", "5432"),
			os.Getenv("DB_NAME"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	// ============================================================================
	// Tokens
	// ============================================================================
	tokens, err := parseTokens(getEnv("SETTLEMENT_TOKENS", defaultTokens()))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        int(getEnvAsInt64("HTTP_PORT", 8080)),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:        getEnv("STORE_DRIVER", "postgres"),
			URL:           dbURL,
			MaxConns:      int32(getEnvAsInt64("DB_MAX_CONNS", 20)),
			MinConns:      int32(getEnvAsInt64("DB_MIN_CONNS", 2)),
			RunMigrations: getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       int(getEnvAsInt64("REDIS_DB", 0)),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_TOPIC", "settlement.events"),
		},
		Ethereum: EthereumConfig{
			RPCURL:         os.Getenv("ETHEREUM_RPC_URL"),
			ChainID:        getEnvAsInt64("ETHEREUM_CHAIN_ID", 0),
			RequestsPerSec: float64(getEnvAsInt64("ETHEREUM_RPS", 20)),
			Burst:          int(getEnvAsInt64("ETHEREUM_BURST", 40)),
			MaxFeeGwei:     getEnvAsInt64("ETHEREUM_MAX_GAS_PRICE", 100),
			GasLimitNative: uint64(getEnvAsInt64("ETHEREUM_GAS_LIMIT_NATIVE", 21000)),
			GasLimitAsset:  uint64(getEnvAsInt64("ETHEREUM_GAS_LIMIT_ASSET", 65000)),
		},
		Settlement: SettlementConfig{
			CustodialAddress:       os.Getenv("CUSTODIAL_ADDRESS"),
			ScanDepth:              uint64(getEnvAsInt64("DEPOSIT_SCAN_DEPTH", 100)),
			FinalityTimeout:        getEnvAsDuration("FINALITY_TIMEOUT", 60*time.Second),
			PollInterval:           getEnvAsDuration("FINALITY_POLL_INTERVAL", 2*time.Second),
			DepositExpiry:          getEnvAsDuration("DEPOSIT_EXPIRY", 24*time.Hour),
			DepositRetryBase:       getEnvAsDuration("DEPOSIT_RETRY_BASE", 30*time.Second),
			DepositRetryMax:        getEnvAsDuration("DEPOSIT_RETRY_MAX", 30*time.Minute),
			DepositMonitorInterval: getEnvAsDuration("DEPOSIT_MONITOR_INTERVAL", 30*time.Second),
			WithdrawalInterval:     getEnvAsDuration("WITHDRAWAL_POLL_INTERVAL", 15*time.Second),
			WithdrawalConcurrency:  int(getEnvAsInt64("WITHDRAWAL_CONCURRENCY", 4)),
			ReviewInterval:         getEnvAsDuration("REVIEW_REPORT_INTERVAL", time.Minute),
			StuckAfter:             getEnvAsDuration("STUCK_AFTER", 10*time.Minute),
		},
		Security: SecurityConfig{
			MasterKey:          os.Getenv("CRYPTO_MASTER_KEY"),
			EncryptedSignerKey: os.Getenv("SIGNER_KEY_ENCRYPTED"),
			SignerKey:          os.Getenv("SIGNER_PRIVATE_KEY"),
		},
		Tokens: tokens,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Security.SignerKey != "" {
		logger.Warn("Using plaintext signer key from environment")
	}
	logger.Info("Configuration loaded",
		zap.String("store", cfg.Database.Driver),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("tokens", len(cfg.Tokens)),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return cfg, nil
}

// Validate rejects configurations the service cannot settle with
func (c *Config) Validate() error {
	var errs []error
	if c.Ethereum.RPCURL == "" {
		errs = append(errs, errors.New("ETHEREUM_RPC_URL is required"))
	}
	if c.Settlement.CustodialAddress == "" {
		errs = append(errs, errors.New("CUSTODIAL_ADDRESS is required"))
	}
	if c.Security.SignerKey == "" && (c.Security.EncryptedSignerKey == "" || c.Security.MasterKey == "") {
		errs = append(errs, errors.New("signer key is required: set SIGNER_KEY_ENCRYPTED and CRYPTO_MASTER_KEY"))
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL or DB_HOST is required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Database.Driver))
	}
	if c.Settlement.StuckAfter <= c.Settlement.FinalityTimeout {
		errs = append(errs, errors.New("STUCK_AFTER must exceed FINALITY_TIMEOUT"))
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, errors.New("at least one token must be configured"))
	}
	return errors.Join(errs...)
}

// ============================================================================
// Tokens
// ============================================================================

// defaultTokens is the native coin plus the asset when its contract is known
func defaultTokens() string {
	tokens := "HEZ:native::12:0.1:1"
	if contract := os.Getenv("PEZ_CONTRACT_ADDRESS"); contract != "" {
		tokens += ",PEZ:asset:" + contract + ":12:1:10"
	}
	return tokens
}

// parseTokens reads SYMBOL:kind:contract:decimals:fee:minimum entries
// separated by commas.
func parseTokens(raw string) ([]chains.TokenSpec, error) {
	var specs []chains.TokenSpec
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 6 {
			return nil, fmt.Errorf("invalid token entry %q: want SYMBOL:kind:contract:decimals:fee:minimum", entry)
		}
		decimals, err := strconv.Atoi(parts[3])
		if err != nil || decimals < 0 || decimals > 36 {
			return nil, fmt.Errorf("invalid token entry %q: bad decimals", entry)
		}
		specs = append(specs, chains.TokenSpec{
			Symbol:        parts[0],
			Kind:          domain.TokenKind(strings.ToLower(parts[1])),
			Contract:      parts[2],
			Decimals:      decimals,
			WithdrawFee:   parts[4],
			MinWithdrawal: parts[5],
		})
	}
	return specs, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
