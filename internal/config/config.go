// Package config loads RouteSpark's runtime configuration from the
// environment (and an optional .env file), with a documented default
// for every recognized option.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the full set of recognized tunables.
type Config struct {
	DataDir  string
	LogLevel string
	Pretty   bool

	MinScheduleOrdersForML int
	MinCorrectedOrdersForML int
	StrictScheduleValidation bool
	AllowStoreContextOnAmbiguousSchedule bool
	StoreContextMinTotalOrders int
	StoreContextMinPerSchedule int
	StoreContextMinSchedules int

	BandCalibrationEnabled  bool
	BandIntervalName        string
	BandScaleMin            float64
	BandScaleMax            float64
	BandCenterOffsetMaxAbs  float64
	BandCalibrationCadenceDays int

	ExportWorkerConcurrency      int
	ExportPollSeconds            int
	ExportHeartbeatSeconds       int
	ExportWorkerTimeoutSeconds   int
	ArtifactTTLDays              int
	ExportDailyLimitPerRoute     int
	RouteExportQueueLimit        int
	MaxConcurrentProcessing      int

	PurgeEnabled              bool
	PurgeRetentionDaysDefault int
	RouteBatchLimit           int
	PurgePollSeconds          int
	PurgeHeartbeatSeconds     int
	PurgeWorkerTimeoutSeconds int

	RetrainIntervalHours int

	WholeCaseRoundThreshold float64
	ForecastPayloadTTLHours int
	TransferPoolingEnabled  bool

	S3Bucket          string
	S3Region          string
	S3Endpoint        string

	RouteTimezoneDefault string
}

// Load reads configuration from environment variables, loading a .env
// file first when one is present. godotenv.Load returning an error (no
// .env file found) is not itself a failure: environment variables alone
// are a complete configuration source.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("ROUTESPARK_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:  dataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),

		MinScheduleOrdersForML:               getEnvAsInt("MIN_SCHEDULE_ORDERS_FOR_ML", 7),
		MinCorrectedOrdersForML:               getEnvAsInt("MIN_CORRECTED_ORDERS_FOR_ML", 3),
		StrictScheduleValidation:              getEnvAsBool("STRICT_SCHEDULE_VALIDATION", true),
		AllowStoreContextOnAmbiguousSchedule:  getEnvAsBool("ALLOW_STORE_CONTEXT_ON_AMBIGUOUS_SCHEDULE", true),
		StoreContextMinTotalOrders:            getEnvAsInt("STORE_CONTEXT_MIN_TOTAL_ORDERS", 24),
		StoreContextMinPerSchedule:            getEnvAsInt("STORE_CONTEXT_MIN_PER_SCHEDULE", 6),
		StoreContextMinSchedules:              getEnvAsInt("STORE_CONTEXT_MIN_SCHEDULES", 2),

		BandCalibrationEnabled:     getEnvAsBool("BAND_CALIBRATION_ENABLED", true),
		BandIntervalName:           getEnv("BAND_INTERVAL_NAME", "p10_p90"),
		BandScaleMin:               getEnvAsFloat("BAND_SCALE_MIN", 0.5),
		BandScaleMax:               getEnvAsFloat("BAND_SCALE_MAX", 2.0),
		BandCenterOffsetMaxAbs:     getEnvAsFloat("BAND_CENTER_OFFSET_MAX_ABS", 10.0),
		BandCalibrationCadenceDays: getEnvAsInt("BAND_CALIBRATION_CADENCE_DAYS", 7),

		ExportWorkerConcurrency:    getEnvAsInt("EXPORT_WORKER_CONCURRENCY", 3),
		ExportPollSeconds:          getEnvAsInt("EXPORT_POLL_SECONDS", 5),
		ExportHeartbeatSeconds:     getEnvAsInt("EXPORT_HEARTBEAT_SECONDS", 30),
		ExportWorkerTimeoutSeconds: getEnvAsInt("EXPORT_WORKER_TIMEOUT_SECONDS", 2700),
		ArtifactTTLDays:            getEnvAsInt("ARTIFACT_TTL_DAYS", 14),
		ExportDailyLimitPerRoute:   getEnvAsInt("EXPORT_DAILY_LIMIT_PER_ROUTE", 3),
		RouteExportQueueLimit:      getEnvAsInt("ROUTE_EXPORT_QUEUE_LIMIT", 3),
		MaxConcurrentProcessing:    getEnvAsInt("MAX_CONCURRENCY", 3),

		PurgeEnabled:              getEnvAsBool("PURGE_ENABLED", false),
		PurgeRetentionDaysDefault: getEnvAsInt("PURGE_RETENTION_DAYS_DEFAULT", 90),
		RouteBatchLimit:           getEnvAsInt("ROUTE_BATCH_LIMIT", 50),
		PurgePollSeconds:          getEnvAsInt("PURGE_POLL_SECONDS", 30),
		PurgeHeartbeatSeconds:     getEnvAsInt("PURGE_HEARTBEAT_SECONDS", 30),
		PurgeWorkerTimeoutSeconds: getEnvAsInt("PURGE_WORKER_TIMEOUT_SECONDS", 2700),

		RetrainIntervalHours: getEnvAsInt("RETRAIN_INTERVAL_HOURS", 24),

		WholeCaseRoundThreshold: getEnvAsFloat("WHOLE_CASE_ROUND_THRESHOLD", 0.6),
		ForecastPayloadTTLHours: getEnvAsInt("FORECAST_PAYLOAD_TTL_HOURS", 168),
		TransferPoolingEnabled:  getEnvAsBool("TRANSFER_POOLING_ENABLED", false),

		S3Bucket:   getEnv("ROUTESPARK_S3_BUCKET", ""),
		S3Region:   getEnv("ROUTESPARK_S3_REGION", "us-east-1"),
		S3Endpoint: getEnv("ROUTESPARK_S3_ENDPOINT", ""),

		RouteTimezoneDefault: getEnv("ROUTE_TIMEZONE_DEFAULT", "America/New_York"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces configuration-level invariants (bounded band-scale
// range, at minimum).
func (c *Config) Validate() error {
	if c.BandScaleMin > c.BandScaleMax {
		return fmt.Errorf("config: BAND_SCALE_MIN (%v) exceeds BAND_SCALE_MAX (%v)", c.BandScaleMin, c.BandScaleMax)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
