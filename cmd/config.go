package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fujionclinical/smartlaunch/applaunch/smartonfhir"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

type Config struct {
	// Public holds the configuration for the public interface.
	Public InterfaceConfig `koanf:"public"`
	// SmartOnFHIR holds the configuration for the SMART on FHIR app launch.
	SmartOnFHIR smartonfhir.Config `koanf:"smartonfhir"`
	// SessionLifetime bounds how long an in-flight launch session is kept.
	SessionLifetime time.Duration `koanf:"sessionlifetime"`
	LogLevel        zerolog.Level `koanf:"loglevel"`
	// StrictMode withholds error details from HTTP responses.
	StrictMode bool `koanf:"strictmode"`
}

func (c Config) Validate() error {
	if c.Public.URL == "" {
		return errors.New("public base URL is not configured")
	}
	if _, err := url.Parse(c.Public.URL); err != nil {
		return errors.New("invalid public base URL")
	}
	if c.SessionLifetime <= 0 {
		return errors.New("session lifetime must be positive")
	}
	if err := c.SmartOnFHIR.Validate(); err != nil {
		return fmt.Errorf("invalid SMART on FHIR configuration: %w", err)
	}
	return nil
}

// InterfaceConfig holds the configuration for an HTTP interface.
type InterfaceConfig struct {
	// Address holds the address to listen on.
	Address string `koanf:"address"`
	// URL holds the base URL of the interface.
	// Set it in case the service is behind a reverse proxy that maps it to a different URL than root (/).
	URL string `koanf:"url"`
}

func (i InterfaceConfig) ParseURL() *url.URL {
	u, _ := url.Parse(i.URL)
	return u
}

// LoadConfig loads the configuration from the environment.
func LoadConfig() (*Config, error) {
	result := DefaultConfig()
	if err := loadConfigInto(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func loadConfigInto(target any) error {
	k := koanf.New(".")
	err := k.Load(env.Provider("SMART_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SMART_")), "_", ".", -1)
	}), nil)
	if err != nil {
		return err
	}
	return k.Unmarshal("", target)
}

// DefaultConfig returns sensible, but not complete, default configuration values.
func DefaultConfig() Config {
	return Config{
		LogLevel:   zerolog.InfoLevel,
		StrictMode: true,
		Public: InterfaceConfig{
			Address: ":8080",
		},
		SessionLifetime: 15 * time.Minute,
		SmartOnFHIR:     smartonfhir.DefaultConfig(),
	}
}
