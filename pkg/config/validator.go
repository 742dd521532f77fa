package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var knownChannels = map[string]bool{"in-app": true, "email": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Database config
	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	// Validate Storage config
	if strings.TrimSpace(c.Storage.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.dir",
			Message: "storage directory is required",
		})
	}

	// Objects are keyed below the base URL; serving them from the site root
	// would shadow every other route.
	if strings.TrimRight(strings.TrimSpace(c.Storage.PublicBaseURL), "/") == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.public_base_url",
			Message: "public_base_url must not be empty or the root path",
		})
	}

	if c.Storage.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "storage.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	// Validate Pipeline config
	if c.Pipeline.BaseDelay <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.base_delay",
			Message: "base_delay must be positive",
		})
	}

	if c.Pipeline.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.poll_interval",
			Message: "poll_interval must be positive",
		})
	}

	if c.Pipeline.AttemptTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.attempt_timeout",
			Message: "attempt_timeout must be positive",
		})
	}

	// Validate Notify config
	for _, ch := range c.Notify.Channels {
		if !knownChannels[ch] {
			errors = append(errors, ValidationError{
				Field:   "notify.channels",
				Message: fmt.Sprintf("unknown channel: %s", ch),
			})
		}
		if ch == "email" && (c.Notify.Email.Host == "" || c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
			errors = append(errors, ValidationError{
				Field:   "notify.email",
				Message: "email channel requires host, from and to",
			})
		}
	}

	// Validate Server config
	if c.Server.MaxUploadBytes < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.max_upload_bytes",
			Message: "max_upload_bytes must be positive",
		})
	}

	// Validate Log config
	switch c.Log.Format {
	case "json", "console":
	default:
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid log format: %s", c.Log.Format),
		})
	}

	return errors
}
