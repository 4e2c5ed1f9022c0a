package config

import (
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the backend key.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds typed configuration for the tasks service.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	Backend     string
	RedisAddr   string
	PostgresDSN string

	KafkaBrokers string
	EventsTopic  string
	ReportsTopic string
	ReportsGroup string

	SweepInterval time.Duration
	Retention     time.Duration
	PurgeAfter    time.Duration
	PurgeSchedule string

	CreateRateLimit  int
	CreateRateWindow time.Duration

	ObjectStorageURL string
	OTelEndpoint     string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		Backend:          v.GetString("backend"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		EventsTopic:      v.GetString("events_topic"),
		ReportsTopic:     v.GetString("reports_topic"),
		ReportsGroup:     v.GetString("reports_group"),
		SweepInterval:    v.GetDuration("sweep_interval"),
		Retention:        v.GetDuration("retention"),
		PurgeAfter:       v.GetDuration("purge_after"),
		PurgeSchedule:    v.GetString("purge_schedule"),
		CreateRateLimit:  v.GetInt("create_rate_limit"),
		CreateRateWindow: v.GetDuration("create_rate_window"),
		ObjectStorageURL: v.GetString("object_storage_url"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
	}
}
