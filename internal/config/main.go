package config

// Config is the full configuration of the gateway. The Planning Center client
// credentials live here and are injected into the components that need them at
// construction time - they are never read from the environment mid-request.
type Config struct {
	Server          ServerConfig
	PlanningCenter  PlanningCenterConfig
	Redis           RedisConfig
	Auth            AuthConfig
	Sweeper         SweeperConfig
	TokenEncryption TokenEncryptionConfig
	Monitoring      MonitoringConfig
	DebugMode       bool
}

const TenantIDCtxKey = "_pco_gateway_tenant_id"

func (c *Config) Validate() error {
	if err := c.PlanningCenter.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.TokenEncryption.Validate(); err != nil {
		return err
	}
	return c.Sweeper.Validate()
}
