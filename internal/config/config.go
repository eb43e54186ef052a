// Package config loads the chat client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the chat client.
type Config struct {
	Username         string        `env:"CHAT_USERNAME" validate:"required"`
	Origin           string        `env:"CHAT_ORIGIN,default=http://localhost" validate:"required,url"`
	DevGateway       string        `env:"CHAT_DEV_GATEWAY,default=192.168.49.2" validate:"required"`
	ReconnectDelay   time.Duration `env:"CHAT_RECONNECT_DELAY,default=3s" validate:"gt=0"`
	HandshakeTimeout time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel         string        `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads an optional .env file (variables already set win), then decodes the
// environment into a Config. The result is not validated so flags can still
// override it; call Validate afterwards.
func Load(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
