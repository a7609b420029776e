/*
Package config loads the engine configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. YAML file named by LEASE_ENGINE_CONFIG (account map, FX table, CORS)
  3. Environment variables, with a .env file loaded first when present
  4. Command-line flags in cmd/server (port, db)

YAML EXAMPLE:
  port: 8080
  database_path: ./data/lease.db
  log_level: info
  presentation_currency: USD
  accounts:
    lease_liability: "2100"
    rou_asset: "1600"
  fx_rates:
    - from: EUR
      to: USD
      rate: "1.0850"
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/lease-engine/generic"
)

// Config holds application configuration.
type Config struct {
	Port                 int               `yaml:"port"`
	DatabasePath         string            `yaml:"database_path"`
	LogLevel             string            `yaml:"log_level"`
	Environment          string            `yaml:"environment"`
	PresentationCurrency string            `yaml:"presentation_currency"`
	CORSOrigins          []string          `yaml:"cors_origins"`
	Accounts             map[string]string `yaml:"accounts"`
	FXRates              []FXRate          `yaml:"fx_rates"`
}

// FXRate is one entry of the static FX table.
type FXRate struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Rate string `yaml:"rate"`
}

func defaults() Config {
	return Config{
		Port:         8080,
		DatabasePath: "lease.db",
		LogLevel:     "info",
		Environment:  "development",
		CORSOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load reads defaults, the optional YAML file and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("LEASE_ENGINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = getenvInt("PORT", cfg.Port)
	cfg.DatabasePath = getenv("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = strings.ToLower(getenv("LOG_LEVEL", cfg.LogLevel))
	cfg.Environment = getenv("ENVIRONMENT", cfg.Environment)
	cfg.PresentationCurrency = strings.ToUpper(getenv("PRESENTATION_CURRENCY", cfg.PresentationCurrency))
	if origins := splitCSV(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and the FX table.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database path required")
	}
	for i, r := range c.FXRates {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("config: fx_rates[%d]: from and to required", i)
		}
		if _, err := generic.ParseDecimal("rate", r.Rate); err != nil {
			return fmt.Errorf("config: fx_rates[%d]: %w", i, err)
		}
	}
	return nil
}

// AccountMap merges configured account codes over the defaults.
func (c Config) AccountMap() generic.AccountMap {
	m := generic.DefaultAccountMap()
	for role, code := range c.Accounts {
		m[generic.AccountRole(role)] = code
	}
	return m
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
