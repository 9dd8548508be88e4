/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration. Values come from an optional
// YAML file overlaid by LISTENROOM_* environment variables; env wins.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPBind    string `yaml:"http_bind"`
	HTTPPort    int    `yaml:"http_port"`

	DBBackend DatabaseBackend `yaml:"db_backend"`
	DBDSN     string          `yaml:"db_dsn"`

	// Sync event transport. Empty NATSURL selects the in-memory bus.
	NATSURL string `yaml:"nats_url"`

	// Redis read cache for playlist rows; empty disables caching.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	JWTSigningKey string `yaml:"jwt_signing_key"`

	// Client-local position store (resume-where-you-left-off).
	PositionStorePath string `yaml:"position_store_path"`

	// Uploaded audio storage.
	MediaRoot         string `yaml:"media_root"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3Region          string `yaml:"s3_region"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3PublicBaseURL   string `yaml:"s3_public_base_url"`
	S3UsePathStyle    bool   `yaml:"s3_use_path_style"`

	MetricsBind string `yaml:"metrics_bind"`

	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	// Reconciler tuning.
	DesyncWindow         time.Duration `yaml:"desync_window"`
	PositionSaveInterval time.Duration `yaml:"position_save_interval"`
}

// Load reads the optional config file named by LISTENROOM_CONFIG, applies
// environment overrides and defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("LISTENROOM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Environment = getEnv("LISTENROOM_ENV", defaultStr(cfg.Environment, "development"))
	cfg.HTTPBind = getEnv("LISTENROOM_HTTP_BIND", defaultStr(cfg.HTTPBind, "0.0.0.0"))
	cfg.HTTPPort = getEnvInt("LISTENROOM_HTTP_PORT", defaultInt(cfg.HTTPPort, 8080))

	cfg.DBBackend = DatabaseBackend(getEnv("LISTENROOM_DB_BACKEND", defaultStr(string(cfg.DBBackend), string(DatabaseSQLite))))
	cfg.DBDSN = getEnv("LISTENROOM_DB_DSN", defaultStr(cfg.DBDSN, "listenroom.db"))

	cfg.NATSURL = getEnv("LISTENROOM_NATS_URL", cfg.NATSURL)

	cfg.RedisAddr = getEnv("LISTENROOM_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("LISTENROOM_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("LISTENROOM_REDIS_DB", cfg.RedisDB)

	cfg.JWTSigningKey = getEnv("LISTENROOM_JWT_SIGNING_KEY", cfg.JWTSigningKey)

	cfg.PositionStorePath = getEnv("LISTENROOM_POSITION_STORE_PATH", defaultStr(cfg.PositionStorePath, "positions.db"))

	cfg.MediaRoot = getEnv("LISTENROOM_MEDIA_ROOT", defaultStr(cfg.MediaRoot, "./media"))
	cfg.S3AccessKeyID = getEnv("LISTENROOM_S3_ACCESS_KEY_ID", cfg.S3AccessKeyID)
	cfg.S3SecretAccessKey = getEnv("LISTENROOM_S3_SECRET_ACCESS_KEY", cfg.S3SecretAccessKey)
	cfg.S3Region = getEnv("LISTENROOM_S3_REGION", defaultStr(cfg.S3Region, "us-east-1"))
	cfg.S3Bucket = getEnv("LISTENROOM_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Endpoint = getEnv("LISTENROOM_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3PublicBaseURL = getEnv("LISTENROOM_S3_PUBLIC_BASE_URL", cfg.S3PublicBaseURL)
	cfg.S3UsePathStyle = getEnvBool("LISTENROOM_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	cfg.MetricsBind = getEnv("LISTENROOM_METRICS_BIND", defaultStr(cfg.MetricsBind, "127.0.0.1:9000"))

	cfg.TracingEnabled = getEnvBool("LISTENROOM_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.OTLPEndpoint = getEnv("LISTENROOM_OTLP_ENDPOINT", defaultStr(cfg.OTLPEndpoint, "localhost:4317"))
	cfg.TracingSampleRate = getEnvFloat("LISTENROOM_TRACING_SAMPLE_RATE", defaultFloat(cfg.TracingSampleRate, 1.0))

	cfg.DesyncWindow = getEnvDuration("LISTENROOM_DESYNC_WINDOW", defaultDur(cfg.DesyncWindow, time.Second))
	cfg.PositionSaveInterval = getEnvDuration("LISTENROOM_POSITION_SAVE_INTERVAL", defaultDur(cfg.PositionSaveInterval, 2*time.Second))

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.JWTSigningKey == "" && strings.EqualFold(cfg.Environment, "production") {
		return nil, fmt.Errorf("LISTENROOM_JWT_SIGNING_KEY must be provided in production")
	}

	return cfg, nil
}

func defaultStr(current, def string) string {
	if current != "" {
		return current
	}
	return def
}

func defaultInt(current, def int) int {
	if current != 0 {
		return current
	}
	return def
}

func defaultFloat(current, def float64) float64 {
	if current != 0 {
		return current
	}
	return def
}

func defaultDur(current, def time.Duration) time.Duration {
	if current != 0 {
		return current
	}
	return def
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
