// Package config loads server settings from the environment, with an
// optional YAML file layered underneath for deployments that prefer one.
// Environment variables always win. Offline queue limits are a client
// concern, set through queue.Options by the embedding application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string

	// Redis backs the advisory lock table when set; empty falls back to
	// the in-process lock manager.
	RedisURL string

	TokenSecret string
	TokenMaxAge time.Duration

	LockTTL           time.Duration
	LockSweepInterval time.Duration

	PresenceTTL time.Duration

	SubmitRatePerSec int
	SubmitBurst      int

	MaxDocuments int
}

// fileConfig mirrors Config for the optional YAML overlay named by
// SYNCD_CONFIG. Zero values mean "not set".
type fileConfig struct {
	Addr             string `yaml:"addr"`
	RedisURL         string `yaml:"redisUrl"`
	TokenSecret      string `yaml:"tokenSecret"`
	TokenMaxAgeSec   int    `yaml:"tokenMaxAgeSeconds"`
	LockTTLSec       int    `yaml:"lockTtlSeconds"`
	LockSweepSec     int    `yaml:"lockSweepSeconds"`
	PresenceTTLSec   int    `yaml:"presenceTtlSeconds"`
	SubmitRatePerSec int    `yaml:"submitRatePerSec"`
	SubmitBurst      int    `yaml:"submitBurst"`
	MaxDocuments     int    `yaml:"maxDocuments"`
}

func Load() (Config, error) {
	var fc fileConfig
	if path := os.Getenv("SYNCD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	return Config{
		Addr:              getenv("SYNCD_ADDR", or(fc.Addr, ":8790")),
		RedisURL:          getenv("REDIS_URL", fc.RedisURL),
		TokenSecret:       getenv("SYNCD_TOKEN_SECRET", or(fc.TokenSecret, "syncd-dev-secret")),
		TokenMaxAge:       seconds(getenvInt("SYNCD_TOKEN_MAX_AGE_SECONDS", orInt(fc.TokenMaxAgeSec, 3600))),
		LockTTL:           seconds(getenvInt("SYNCD_LOCK_TTL_SECONDS", orInt(fc.LockTTLSec, 30))),
		LockSweepInterval: seconds(getenvInt("SYNCD_LOCK_SWEEP_SECONDS", orInt(fc.LockSweepSec, 10))),
		PresenceTTL:       seconds(getenvInt("SYNCD_PRESENCE_TTL_SECONDS", orInt(fc.PresenceTTLSec, 60))),
		SubmitRatePerSec:  getenvInt("SYNCD_SUBMIT_RATE_PER_SEC", orInt(fc.SubmitRatePerSec, 20)),
		SubmitBurst:       getenvInt("SYNCD_SUBMIT_BURST", orInt(fc.SubmitBurst, 40)),
		MaxDocuments:      getenvInt("SYNCD_MAX_DOCUMENTS", orInt(fc.MaxDocuments, 256)),
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
