package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/gridex-energy/gridex/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	OffersCreated        string
	OffersCancelled      string
	OffersFilled         string
	OffersCompleted      string
	OffersNegotiation    string
	SettlementUnresolved string
	SettlementResolved   string
	MeterReadings        string
	DeadLetter           string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type ChainConfig struct {
	RPCURL          string
	PrivateKeys     []string
	TransferTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type ReconcileConfig struct {
	Interval time.Duration
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Kafka     KafkaConfig
	Chain     ChainConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Reconcile ReconcileConfig
	JWTSecret string
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("GRIDEX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("GRIDEX_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "market-service")
	v.SetDefault("kafka.topics.offers_created", "offers.created")
	v.SetDefault("kafka.topics.offers_cancelled", "offers.cancelled")
	v.SetDefault("kafka.topics.offers_filled", "offers.filled")
	v.SetDefault("kafka.topics.offers_completed", "offers.completed")
	v.SetDefault("kafka.topics.offers_negotiation", "offers.negotiation")
	v.SetDefault("kafka.topics.settlement_unresolved", "settlement.unresolved")
	v.SetDefault("kafka.topics.settlement_resolved", "settlement.resolved")
	v.SetDefault("kafka.topics.meter_readings", "meter.readings")
	v.SetDefault("kafka.topics.dead_letter", "market.dead_letter")
	v.SetDefault("chain.rpc_url", "http://localhost:8545")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "gridex_market"),
			User:     envString("POSTGRES_USER", "gridex"),
			Password: envString("POSTGRES_PASSWORD", "gridex"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				OffersCreated:        v.GetString("kafka.topics.offers_created"),
				OffersCancelled:      v.GetString("kafka.topics.offers_cancelled"),
				OffersFilled:         v.GetString("kafka.topics.offers_filled"),
				OffersCompleted:      v.GetString("kafka.topics.offers_completed"),
				OffersNegotiation:    v.GetString("kafka.topics.offers_negotiation"),
				SettlementUnresolved: v.GetString("kafka.topics.settlement_unresolved"),
				SettlementResolved:   v.GetString("kafka.topics.settlement_resolved"),
				MeterReadings:        envString("KAFKA_METER_TOPIC", v.GetString("kafka.topics.meter_readings")),
				DeadLetter:           envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Chain: ChainConfig{
			RPCURL:          envString("CHAIN_RPC_URL", v.GetString("chain.rpc_url")),
			PrivateKeys:     envCSV("CHAIN_PRIVATE_KEYS", v.GetStringSlice("chain.private_keys")),
			TransferTimeout: envDuration("CHAIN_TRANSFER_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Limit:  envInt("RATE_LIMIT", 30),
			Window: envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Reconcile: ReconcileConfig{
			Interval: envDuration("RECONCILE_INTERVAL", 30*time.Second),
		},
		JWTSecret: envString("GRIDEX_JWT_SECRET", ""),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain rpc url required")
	}
	if cfg.Chain.TransferTimeout <= 0 {
		return nil, fmt.Errorf("CHAIN_TRANSFER_TIMEOUT must be positive")
	}
	if cfg.Reconcile.Interval <= 0 {
		return nil, fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("GRIDEX_JWT_SECRET required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
