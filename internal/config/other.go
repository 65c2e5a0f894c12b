package config

import "fmt"

type ServerConfig struct {
	Host        string
	Port        int
	RateLimits  RateLimits
	AllowOrigin []string
	// AppReturnURL is where the confirmation page sends the user after the
	// integration has been connected.
	AppReturnURL string
}

type RateLimits struct {
	Enabled bool
	Rate    float64
	Burst   int
}

type SentryConfig struct {
	Enabled     bool
	Dsn         RedactedString
	Environment string
	SampleRate  float64
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

type PosthogConfig struct {
	Enabled     bool
	ApiKey      RedactedString
	Host        string
	Environment string
}

type MonitoringConfig struct {
	Sentry     SentryConfig
	Prometheus PrometheusConfig
	Posthog    PosthogConfig
}

// SweeperConfig controls the scheduled proactive refresh of credentials that
// are about to expire.
type SweeperConfig struct {
	Enabled         bool
	IntervalMinutes int
	WindowMinutes   int
}

func (c SweeperConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("invalid value for the sweeper interval (%d)", c.IntervalMinutes)
	}
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("invalid value for the sweeper window (%d)", c.WindowMinutes)
	}
	return nil
}

type TokenEncryptionConfig struct {
	Enabled   bool
	SecretKey RedactedString
}

func (c TokenEncryptionConfig) Validate() error {
	if c.Enabled && len(c.SecretKey) != 32 {
		return fmt.Errorf(
			"token encryption key has to be 32 bytes long, the provided one is %d long",
			len(c.SecretKey),
		)
	}
	return nil
}
