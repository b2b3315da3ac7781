package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/alimx07/blog_service/cachedRepo"
	"github.com/alimx07/blog_service/models"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// LoadConfig layers .env, the optional YAML file and the process environment,
// then fills defaults. A missing file is only an error when required is set.
func LoadConfig(path string, required bool) (models.Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.Config{}, fmt.Errorf("load .env: %w", err)
	}

	var config models.Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return models.Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return models.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&config); err != nil {
		return models.Config{}, err
	}
	applyDefaults(&config)
	if err := Validate(config); err != nil {
		return models.Config{}, err
	}
	return config, nil
}

type envReader struct {
	errs []error
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) dur(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) flag(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func applyEnv(config *models.Config) error {
	env := &envReader{}

	// Primary DB
	env.str(&config.DBHost, "DB_HOST")
	env.str(&config.DBPort, "DB_PORT")
	env.str(&config.DBUser, "DB_USER")
	env.str(&config.DBPassword, "DB_PASSWORD")
	env.str(&config.DBName, "DB_NAME")

	// Replica DB
	env.str(&config.DBReplicaHost, "DB_REPLICA_HOST")
	env.str(&config.DBReplicaPort, "DB_REPLICA_PORT")
	env.str(&config.DBReplicaUser, "DB_REPLICA_USER")
	env.str(&config.DBReplicaPassword, "DB_REPLICA_PASSWORD")
	env.str(&config.DBReplicaName, "DB_REPLICA_NAME")

	env.str(&config.ServerHost, "SERVER_HOST")
	env.str(&config.ServerPort, "SERVER_PORT")
	env.str(&config.ServerHttpPort, "SERVER_HTTP_PORT")
	env.str(&config.HostName, "HOST_NAME")
	env.str(&config.EtcdEndpoints, "ETCD_ENDPOINTS")

	env.str(&config.JWTPublicKey, "JWT_PUBLIC_KEY")
	env.str(&config.JWTIssuer, "JWT_ISSUER")
	env.str(&config.JWTAudience, "JWT_AUDIENCE")
	env.str(&config.LogLevel, "LOG_LEVEL")

	env.str(&config.Cache.Addr, "CACHE_ADDR")
	env.str(&config.Cache.Password, "CACHE_PASSWORD")
	env.dur(&config.Cache.TTL, "CACHE_TTL")
	env.str(&config.Cache.LedgerKey, "CACHE_LEDGER_KEY")
	env.integer(&config.Cache.LedgerCapacity, "CACHE_LEDGER_CAPACITY")
	env.dur(&config.Cache.OpTimeout, "CACHE_OP_TIMEOUT")

	env.str(&config.Kafka.BootStrapServers, "BOOTSTRAP_SERVERS")
	env.str(&config.Kafka.Topic, "KAFKA_TOPIC")
	env.integer(&config.Kafka.Partitions, "KAFKA_PARTITIONS")
	env.integer(&config.Kafka.ReplicationFactor, "KAFKA_REPLICATION_FACTOR")
	env.str(&config.Kafka.GroupID, "KAFKA_GROUP_ID")
	env.str(&config.Kafka.OffsetReset, "KAFKA_OFFSET_RESET")
	env.dur(&config.Kafka.PollTimeout, "KAFKA_POLL_TIMEOUT")
	env.dur(&config.Kafka.Pause, "KAFKA_PAUSE")
	env.dur(&config.Kafka.DeliveryTimeout, "KAFKA_DELIVERY_TIMEOUT")
	env.dur(&config.Kafka.PersistTimeout, "KAFKA_PERSIST_TIMEOUT")
	env.flag(&config.Kafka.ConsumerEnabled, "KAFKA_CONSUMER_ENABLED")

	if len(env.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(env.errs...))
	}
	return nil
}

func orDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

func applyDefaults(config *models.Config) {
	orDefault(&config.DBPort, "5432")
	orDefault(&config.DBReplicaPort, config.DBPort)
	orDefault(&config.DBReplicaUser, config.DBUser)
	orDefault(&config.DBReplicaPassword, config.DBPassword)
	orDefault(&config.DBReplicaName, config.DBName)

	orDefault(&config.ServerHost, "0.0.0.0")
	orDefault(&config.ServerPort, "50051")
	orDefault(&config.ServerHttpPort, "8080")
	if config.HostName == "" {
		config.HostName, _ = os.Hostname()
	}
	orDefault(&config.JWTIssuer, "users_service")
	orDefault(&config.JWTAudience, "api_gateway")
	orDefault(&config.LogLevel, "info")

	orDefault(&config.Cache.TTL, cachedRepo.DefaultTTL)
	orDefault(&config.Cache.LedgerKey, "posts:lru")
	orDefault(&config.Cache.LedgerCapacity, 1000)
	orDefault(&config.Cache.OpTimeout, 500*time.Millisecond)

	orDefault(&config.Kafka.Topic, "posts")
	orDefault(&config.Kafka.Partitions, 2)
	orDefault(&config.Kafka.ReplicationFactor, 2)
	orDefault(&config.Kafka.GroupID, "posts-group")
	orDefault(&config.Kafka.OffsetReset, "earliest")
	orDefault(&config.Kafka.PollTimeout, time.Second)
	orDefault(&config.Kafka.Pause, 500*time.Millisecond)
	orDefault(&config.Kafka.DeliveryTimeout, 10*time.Second)
	orDefault(&config.Kafka.PersistTimeout, 10*time.Second)
}

// Validate rejects settings the service cannot run with.
func Validate(config models.Config) error {
	var errs []error
	if config.Cache.LedgerCapacity < 1 {
		errs = append(errs, fmt.Errorf("cache.ledger_capacity must be at least 1, got %d", config.Cache.LedgerCapacity))
	}
	if config.Cache.TTL < time.Second {
		errs = append(errs, fmt.Errorf("cache.ttl must be at least 1s, got %s", config.Cache.TTL))
	}
	if config.Kafka.Partitions < 1 {
		errs = append(errs, fmt.Errorf("kafka.partitions must be at least 1, got %d", config.Kafka.Partitions))
	}
	if config.Kafka.ReplicationFactor < 1 {
		errs = append(errs, fmt.Errorf("kafka.replication_factor must be at least 1, got %d", config.Kafka.ReplicationFactor))
	}
	switch config.Kafka.OffsetReset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("kafka.offset_reset must be earliest or latest, got %q", config.Kafka.OffsetReset))
	}
	if config.Kafka.Pause < 0 {
		errs = append(errs, fmt.Errorf("kafka.pause must not be negative, got %s", config.Kafka.Pause))
	}
	if config.Kafka.PersistTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("kafka.persist_timeout must be at least 100ms, got %s", config.Kafka.PersistTimeout))
	}
	if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build(zap.Fields(zap.String("service", "blog_service")))
}
