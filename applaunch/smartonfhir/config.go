package smartonfhir

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Enabled bool `koanf:"enabled"`
	// ClientID is the OAuth2 client identifier registered with the EHR.
	ClientID string `koanf:"clientid"`
	// ClientSecret turns the launch into a confidential-client flow: the
	// token exchange then authenticates with HTTP Basic credentials instead
	// of passing the client ID in the request body.
	ClientSecret string `koanf:"clientsecret"`
	// Scope is the space-separated scope set requested from the
	// authorization server.
	Scope string `koanf:"scope"`
	// RiskCalculatorURL is the base URL of the downstream risk-calculation
	// service. When set, the assembled profile is delivered to it through an
	// embedded frame instead of being rendered directly.
	RiskCalculatorURL string `koanf:"riskcalculatorurl"`
}

func DefaultConfig() Config {
	return Config{
		Scope: "launch patient/*.read openid user/*.read profile",
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ClientID == "" {
		return errors.New("smartonfhir.clientid is required")
	}
	if c.Scope == "" {
		return errors.New("smartonfhir.scope is required")
	}
	if c.RiskCalculatorURL != "" && !strings.HasPrefix(c.RiskCalculatorURL, "https://") && !strings.HasPrefix(c.RiskCalculatorURL, "http://") {
		return fmt.Errorf("smartonfhir.riskcalculatorurl must start with http:// or https://")
	}
	return nil
}
