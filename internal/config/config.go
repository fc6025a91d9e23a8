package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
	Consumption ConsumptionConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                   string
	IngestExchange        string
	IngestQueue           string
	IngestRoutingKey      string
	EventsExchange        string
	StatusRoutingKey      string
	ConsumptionRoutingKey string
	DLQQueue              string
	PrefetchCount         int
}

// ValidationConfig holds scraped-reading validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds ingest-time plausibility settings for cumulative
// meter readings
type AnomalyConfig struct {
	MaxPlausibleJump float64
	MinDataPoints    int
}

// ConsumptionConfig holds the tuning constants of the daily reconciliation
// engine. These encode domain tuning inherited from operating the monitor and
// may need revision without code changes, hence configurable.
type ConsumptionConfig struct {
	Unit                     string
	GapMinReadings           int
	GapPenalty               float64
	DefaultConfidence        float64
	SuspiciousCeiling        float64
	BackfillDays             int
	ReconcileIntervalMinutes int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gridwatch-worker"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                   getEnv("RABBITMQ_URL", ""),
			IngestExchange:        getEnv("RABBITMQ_INGEST_EXCHANGE", "gridwatch.ingest.exchange"),
			IngestQueue:           getEnv("RABBITMQ_INGEST_QUEUE", "gridwatch.ingest.queue"),
			IngestRoutingKey:      getEnv("RABBITMQ_INGEST_ROUTING_KEY", "portal.reading.raw"),
			EventsExchange:        getEnv("RABBITMQ_EVENTS_EXCHANGE", "gridwatch.events.exchange"),
			StatusRoutingKey:      getEnv("RABBITMQ_STATUS_ROUTING_KEY", "grid.status.changed"),
			ConsumptionRoutingKey: getEnv("RABBITMQ_CONSUMPTION_ROUTING_KEY", "consumption.daily.updated"),
			DLQQueue:              getEnv("RABBITMQ_DLQ_QUEUE", "gridwatch.ingest.dlq"),
			PrefetchCount:         getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 1440),
		},
		Anomaly: AnomalyConfig{
			MaxPlausibleJump: getEnvAsFloat("ANOMALY_MAX_PLAUSIBLE_JUMP", 50.0),
			MinDataPoints:    getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 2),
		},
		Consumption: ConsumptionConfig{
			Unit:                     getEnv("CONSUMPTION_UNIT", "units"),
			GapMinReadings:           getEnvAsInt("CONSUMPTION_GAP_MIN_READINGS", 12),
			GapPenalty:               getEnvAsFloat("CONSUMPTION_GAP_PENALTY", 0.7),
			DefaultConfidence:        getEnvAsFloat("CONSUMPTION_DEFAULT_CONFIDENCE", 0.8),
			SuspiciousCeiling:        getEnvAsFloat("CONSUMPTION_SUSPICIOUS_CEILING", 100.0),
			BackfillDays:             getEnvAsInt("CONSUMPTION_BACKFILL_DAYS", 7),
			ReconcileIntervalMinutes: getEnvAsInt("CONSUMPTION_RECONCILE_INTERVAL_MINUTES", 15),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
