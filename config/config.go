// Package config loads reconciler settings from defaults, an optional YAML
// file and RECONCILER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/matching"
	"github.com/warp/estate-reconciler/notify"
	"github.com/warp/estate-reconciler/reconcile"
)

// EnvPrefix namespaces environment overrides, e.g. RECONCILER_SERVER_PORT.
const EnvPrefix = "RECONCILER"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Estate     EstateConfig     `mapstructure:"estate"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Duplicates DuplicatesConfig `mapstructure:"duplicates"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EstateConfig struct {
	AutoProcess bool `mapstructure:"auto_process"`
}

type MatchingConfig struct {
	HighThreshold   float64 `mapstructure:"high_threshold"`
	MediumThreshold float64 `mapstructure:"medium_threshold"`
	LowThreshold    float64 `mapstructure:"low_threshold"`
	TokenSimilarity float64 `mapstructure:"token_similarity"`
	EnablePhone     bool    `mapstructure:"enable_phone"`
	EnableHouse     bool    `mapstructure:"enable_house"`
}

type DuplicatesConfig struct {
	CheckReference   bool `mapstructure:"check_reference"`
	AmountWindowDays int  `mapstructure:"amount_window_days"`
}

type MailboxConfig struct {
	Name string `mapstructure:"name"`
	Dir  string `mapstructure:"dir"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	m := matching.DefaultConfig()
	d := reconcile.DefaultDuplicatePolicy()
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: "./data/reconciler.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Estate:   EstateConfig{AutoProcess: true},
		Matching: MatchingConfig{
			HighThreshold:   m.HighThreshold,
			MediumThreshold: m.MediumThreshold,
			LowThreshold:    m.LowThreshold,
			TokenSimilarity: m.TokenSimilarity,
			EnablePhone:     m.EnablePhone,
			EnableHouse:     m.EnableHouse,
		},
		Duplicates: DuplicatesConfig{CheckReference: d.CheckReference, AmountWindowDays: d.AmountWindowDays},
		Mailbox:    MailboxConfig{Name: "alerts"},
		Scheduler:  SchedulerConfig{Enabled: false, Interval: 15 * time.Minute},
		Notify:     NotifyConfig{Kafka: KafkaConfig{Topic: "estate.payments"}},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("estate.auto_process", d.Estate.AutoProcess)
	v.SetDefault("matching.high_threshold", d.Matching.HighThreshold)
	v.SetDefault("matching.medium_threshold", d.Matching.MediumThreshold)
	v.SetDefault("matching.low_threshold", d.Matching.LowThreshold)
	v.SetDefault("matching.token_similarity", d.Matching.TokenSimilarity)
	v.SetDefault("matching.enable_phone", d.Matching.EnablePhone)
	v.SetDefault("matching.enable_house", d.Matching.EnableHouse)
	v.SetDefault("duplicates.check_reference", d.Duplicates.CheckReference)
	v.SetDefault("duplicates.amount_window_days", d.Duplicates.AmountWindowDays)
	v.SetDefault("mailbox.name", d.Mailbox.Name)
	v.SetDefault("mailbox.dir", d.Mailbox.Dir)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("notify.kafka.brokers", d.Notify.Kafka.Brokers)
	v.SetDefault("notify.kafka.topic", d.Notify.Kafka.Topic)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if err := c.MatcherConfig().Validate(); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if c.Scheduler.Enabled {
		if c.Mailbox.Dir == "" {
			return errors.New("scheduler.enabled requires mailbox.dir")
		}
		if c.Scheduler.Interval <= 0 {
			return errors.New("scheduler.interval must be positive")
		}
	}
	return nil
}

// MatcherConfig maps the matching section onto the matcher's settings.
func (c *Config) MatcherConfig() matching.Config {
	return matching.Config{
		HighThreshold:   c.Matching.HighThreshold,
		MediumThreshold: c.Matching.MediumThreshold,
		LowThreshold:    c.Matching.LowThreshold,
		TokenSimilarity: c.Matching.TokenSimilarity,
		EnablePhone:     c.Matching.EnablePhone,
		EnableHouse:     c.Matching.EnableHouse,
	}
}

func (c *Config) DuplicatePolicy() reconcile.DuplicatePolicy {
	return reconcile.DuplicatePolicy{
		CheckReference:   c.Duplicates.CheckReference,
		AmountWindowDays: c.Duplicates.AmountWindowDays,
	}
}

func (c *Config) EstateConfig() reconcile.EstateConfig {
	return reconcile.EstateConfig{AutoProcessEnabled: c.Estate.AutoProcess}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}

// KafkaEnabled reports whether events should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.Notify.Kafka.Brokers) > 0
}

func (c *Config) KafkaConfig() notify.KafkaConfig {
	return notify.KafkaConfig{Brokers: c.Notify.Kafka.Brokers, Topic: c.Notify.Kafka.Topic}
}
