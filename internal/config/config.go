// Package config содержит логику чтения конфигурации сервиса карт.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultLedgerTopic = "eventcard.ledger"
	defaultLogLevel    = "info"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string   `env:"RUN_ADDRESS"`
	DatabaseURI    string   `env:"DATABASE_URI"`
	SessionSecret  string   `env:"SESSION_SECRET"`
	RedisAddress   string   `env:"REDIS_ADDRESS"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	LedgerTopic    string   `env:"LEDGER_TOPIC"`
	LogLevel       string   `env:"LOG_LEVEL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","` // пустой список отключает CORS
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var brokers, origins string

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.SessionSecret, "s", "", "operator session signing secret")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for distributed card locks")
	flag.StringVar(&brokers, "kafka", "", "comma separated kafka brokers for ledger events")
	flag.StringVar(&cfg.LedgerTopic, "topic", defaultLedgerTopic, "kafka topic for ledger events")
	flag.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level")
	flag.StringVar(&origins, "origins", "", "comma separated origins allowed to make cross-origin requests")

	flag.Parse()

	cfg.KafkaBrokers = splitList(brokers)
	cfg.AllowedOrigins = splitList(origins)

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.SessionSecret, fromEnv.SessionSecret)
	override(&cfg.RedisAddress, fromEnv.RedisAddress)
	override(&cfg.LedgerTopic, fromEnv.LedgerTopic)
	override(&cfg.LogLevel, fromEnv.LogLevel)
	if len(fromEnv.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = splitList(strings.Join(fromEnv.KafkaBrokers, ","))
	}
	if len(fromEnv.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = splitList(strings.Join(fromEnv.AllowedOrigins, ","))
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.LedgerTopic == "" {
		cfg.LedgerTopic = defaultLedgerTopic
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
