package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "PUBKY"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultDatabasePath      = "pubky-cache.db"
	defaultLogLevel          = "info"
	defaultNexusBaseURL      = "https://nexus.pubky.app"
	defaultNexusRate         = 10
	defaultNexusTimeout      = 15 * time.Second
	defaultPollingInterval   = 5 * time.Second
	defaultPollOnStart       = true
	defaultRespectVisibility = true
	defaultStreamsLRUSize    = 64
	defaultHomeStream        = "timeline:all:all"
	minimumPollingInterval   = 500 * time.Millisecond
)

// AppConfig captures runtime configuration for the cache service.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	NexusBaseURL      string
	NexusRate         int
	NexusTimeout      time.Duration
	PollingInterval   time.Duration
	PollOnStart       bool
	RespectVisibility bool
	StreamsLRUSize    int
	HomeStream        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("nexus.base_url", defaultNexusBaseURL)
	configViper.SetDefault("nexus.requests_per_second", defaultNexusRate)
	configViper.SetDefault("nexus.timeout", defaultNexusTimeout)
	configViper.SetDefault("polling.interval", defaultPollingInterval)
	configViper.SetDefault("polling.poll_on_start", defaultPollOnStart)
	configViper.SetDefault("polling.respect_visibility", defaultRespectVisibility)
	configViper.SetDefault("streams.lru_size", defaultStreamsLRUSize)
	configViper.SetDefault("streams.home_stream", defaultHomeStream)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		NexusBaseURL:      strings.TrimRight(configViper.GetString("nexus.base_url"), "/"),
		NexusRate:         configViper.GetInt("nexus.requests_per_second"),
		NexusTimeout:      configViper.GetDuration("nexus.timeout"),
		PollingInterval:   configViper.GetDuration("polling.interval"),
		PollOnStart:       configViper.GetBool("polling.poll_on_start"),
		RespectVisibility: configViper.GetBool("polling.respect_visibility"),
		StreamsLRUSize:    configViper.GetInt("streams.lru_size"),
		HomeStream:        configViper.GetString("streams.home_stream"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts comma separated entries as well; viper splits env values only on
// whitespace.
func splitList(values []string) []string {
	entries := make([]string, 0, len(values))
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.NexusBaseURL) == "" {
		return fmt.Errorf("nexus.base_url is required")
	}
	if c.NexusRate <= 0 {
		return fmt.Errorf("nexus.requests_per_second must be positive, got %d", c.NexusRate)
	}
	if c.PollingInterval < minimumPollingInterval {
		return fmt.Errorf("polling.interval must be at least %s, got %s", minimumPollingInterval, c.PollingInterval)
	}
	if c.StreamsLRUSize <= 0 {
		return fmt.Errorf("streams.lru_size must be positive, got %d", c.StreamsLRUSize)
	}
	return nil
}
