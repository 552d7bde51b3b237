package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "Europe/Moscow"

	sourceAPIKeyEnv    = "SOURCE_API_KEY"
	mediaAPIKeyEnv     = "MEDIA_API_KEY"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChannelEnv = "TELEGRAM_CHANNEL_ID"
)

// Duration lets YAML carry values like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all settings for the pipeline.
type Config struct {
	Timezone    string            `yaml:"timezone"`
	DataDir     string            `yaml:"dataDir"`
	Collection  CollectionConfig  `yaml:"collection"`
	Publication PublicationConfig `yaml:"publication"`
	Source      SourceConfig      `yaml:"source"`
	Media       MediaConfig       `yaml:"media"`
	Telegram    TelegramConfig    `yaml:"telegram"`

	location *time.Location `yaml:"-"`
}

// CollectionConfig drives the once-a-day collection stage.
type CollectionConfig struct {
	Time           string   `yaml:"time"`  // HH:MM, in Timezone
	BatchSize      int      `yaml:"batchSize"`
	Slots          []string `yaml:"slots"` // HH:MM per priority, 1-based
	MinContentLen  int      `yaml:"minContentLen"`
	MaxContentLen  int      `yaml:"maxContentLen"`
	Prompt         string   `yaml:"prompt"`
	KeepBatchFiles int      `yaml:"keepBatchFiles"`
	GenerateImages bool     `yaml:"generateImages"`
	MediaWorkers   int      `yaml:"mediaWorkers"`
}

// PublicationConfig drives the timed release loop.
type PublicationConfig struct {
	TickEvery       Duration `yaml:"tickEvery"`
	MaxAttempts     int           `yaml:"maxAttempts"` // total delivery attempts across ticks
	DedupWindowDays int           `yaml:"dedupWindowDays"`
}

// SourceConfig describes the generative content source.
type SourceConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"apiKey"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   Duration      `yaml:"timeout"`
}

// MediaConfig describes the image generation service.
type MediaConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"apiKey"`
	Size     string        `yaml:"size"`
	Timeout  Duration      `yaml:"timeout"`
}

// TelegramConfig wires the delivery channel.
type TelegramConfig struct {
	BotToken  string        `yaml:"botToken"`
	ChannelID string        `yaml:"channelId"`
	Timeout   Duration      `yaml:"timeout"`
}

// Location resolves the configured timezone.
func (c Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// Load reads the YAML file at path (if non-empty) over the defaults and
// applies environment overrides for secrets.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(sourceAPIKeyEnv); v != "" {
		c.Source.APIKey = v
	}
	if v := os.Getenv(mediaAPIKeyEnv); v != "" {
		c.Media.APIKey = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChannelEnv); v != "" {
		c.Telegram.ChannelID = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	c.location = loc
	return nil
}

func (c *Config) validate() error {
	if _, err := time.Parse("15:04", c.Collection.Time); err != nil {
		return fmt.Errorf("collection time %q is not HH:MM", c.Collection.Time)
	}
	if c.Collection.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if len(c.Collection.Slots) == 0 {
		return fmt.Errorf("at least one publication slot is required")
	}
	for _, slot := range c.Collection.Slots {
		if _, err := time.Parse("15:04", slot); err != nil {
			return fmt.Errorf("publication slot %q is not HH:MM", slot)
		}
	}
	if c.Publication.MaxAttempts < 1 {
		return fmt.Errorf("publication maxAttempts must be at least 1")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Timezone: defaultTimezone,
		DataDir:  "data",
		Collection: CollectionConfig{
			Time:      "08:30",
			BatchSize: 7,
			Slots: []string{
				"09:05", "11:05", "13:05", "15:10", "17:05", "19:00", "21:05",
			},
			MinContentLen:  200,
			MaxContentLen:  3500,
			Prompt:         "Collect today's most important legislative news.",
			KeepBatchFiles: 30,
			GenerateImages: true,
			MediaWorkers:   3,
		},
		Publication: PublicationConfig{
			TickEvery:       Duration(30 * time.Second),
			MaxAttempts:     3,
			DedupWindowDays: 7,
		},
		Source: SourceConfig{
			Endpoint:  "https://api.perplexity.ai/chat/completions",
			Model:     "sonar-deep-research",
			MaxTokens: 8192,
			Timeout:   Duration(120 * time.Second),
		},
		Media: MediaConfig{
			Endpoint: "https://api.openai.com/v1/images/generations",
			Model:    "gpt-image-1",
			Size:     "1536x1024",
			Timeout:  Duration(90 * time.Second),
		},
		Telegram: TelegramConfig{
			Timeout: Duration(60 * time.Second),
		},
	}
}
