package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		URL                string `yaml:"url"`
		PostsTable         string `yaml:"posts_table"`
		SubmissionsTable   string `yaml:"submissions_table"`
		NotificationsTable string `yaml:"notifications_table"`
	} `yaml:"database"`

	Storage struct {
		Dir           string  `yaml:"dir"`
		PublicBaseURL string  `yaml:"public_base_url"`
		RateLimit     float64 `yaml:"rate_limit"`
	} `yaml:"storage"`

	Pipeline struct {
		BaseDelay      time.Duration `yaml:"base_delay"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	} `yaml:"pipeline"`

	Notify struct {
		Channels []string    `yaml:"channels"`
		Email    EmailConfig `yaml:"email"`
	} `yaml:"notify"`

	Server struct {
		Addr           string `yaml:"addr"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/pressroom/config.yaml"),
			"/etc/pressroom/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Database.PostsTable == "" {
		config.Database.PostsTable = "posts"
	}
	if config.Database.SubmissionsTable == "" {
		config.Database.SubmissionsTable = "submissions"
	}
	if config.Database.NotificationsTable == "" {
		config.Database.NotificationsTable = "notifications"
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = "data/objects"
	}
	if config.Storage.PublicBaseURL == "" {
		config.Storage.PublicBaseURL = "/files"
	}
	if config.Storage.RateLimit == 0 {
		config.Storage.RateLimit = 5
	}

	if config.Pipeline.BaseDelay == 0 {
		config.Pipeline.BaseDelay = time.Second
	}
	if config.Pipeline.PollInterval == 0 {
		config.Pipeline.PollInterval = 5 * time.Second
	}
	if config.Pipeline.AttemptTimeout == 0 {
		config.Pipeline.AttemptTimeout = time.Minute
	}

	if len(config.Notify.Channels) == 0 {
		config.Notify.Channels = []string{"in-app"}
	}
	if config.Notify.Email.Port == 0 {
		config.Notify.Email.Port = 587
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.MaxUploadBytes == 0 {
		config.Server.MaxUploadBytes = 32 << 20
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
}

func mergeWithEnv(config *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if dir := os.Getenv("PRESSROOM_STORAGE_DIR"); dir != "" {
		config.Storage.Dir = dir
	}
	if addr := os.Getenv("PRESSROOM_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if level := os.Getenv("PRESSROOM_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if pw := os.Getenv("SMTP_PASSWORD"); pw != "" {
		config.Notify.Email.Password = pw
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Notify.Email.Port = p
		}
	}
}
