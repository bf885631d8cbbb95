// Package config loads the YAML configuration file and applies environment
// overrides for the values that differ per deployment.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	PubSub       PubSubConfig       `yaml:"pubsub"`
	Vault        VaultConfig        `yaml:"vault"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	KPI          KPIConfig          `yaml:"kpi"`
	Imports      ImportsConfig      `yaml:"imports"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type VaultConfig struct {
	// Hex-encoded 32-byte AEAD keys, primary first. Two entries during a
	// rotation cutover.
	Keys               []string `yaml:"keys"`
	RefreshSkewMinutes int      `yaml:"refresh_skew_minutes"`
}

type IntegrationsConfig struct {
	CRMBaseURL         string `yaml:"crm_base_url"`
	LedgerbooksBaseURL string `yaml:"ledgerbooks_base_url"`
	CardwiseBaseURL    string `yaml:"cardwise_base_url"`
}

type KPIConfig struct {
	Channels             []string `yaml:"channels"`
	NotifyWorkers        int      `yaml:"notify_workers"`
	CheckIntervalMinutes int      `yaml:"check_interval_minutes"`
}

type ImportsConfig struct {
	DefaultYear int `yaml:"default_year"`
}

// LoadConfig reads the YAML file at path. A missing file is not an error;
// env overrides alone can carry a deployment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "FIELDOPS_ENV")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.PubSub.TopicID, "PUBSUB_TOPIC_ID")
	setString(&c.Integrations.CRMBaseURL, "CRM_BASE_URL")
	setString(&c.Integrations.LedgerbooksBaseURL, "LEDGERBOOKS_BASE_URL")
	setString(&c.Integrations.CardwiseBaseURL, "CARDWISE_BASE_URL")
	if v := os.Getenv("VAULT_KEY"); v != "" {
		c.Vault.Keys = append([]string{v}, c.Vault.Keys...)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "fieldops:events"
	}
	if len(c.KPI.Channels) == 0 {
		c.KPI.Channels = []string{"email", "chat"}
	}
	if c.KPI.NotifyWorkers == 0 {
		c.KPI.NotifyWorkers = 4
	}
	if c.KPI.CheckIntervalMinutes == 0 {
		c.KPI.CheckIntervalMinutes = 5
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
