package config

import "fmt"

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Policy.RunnerTimeoutSeconds <= 0 {
		return fmt.Errorf("policy.runner_timeout_seconds must be > 0, got %d", c.Policy.RunnerTimeoutSeconds)
	}
	if c.Policy.ServerTimeoutSeconds < 0 {
		return fmt.Errorf("policy.server_timeout_seconds must be >= 0 (0 = disabled), got %d", c.Policy.ServerTimeoutSeconds)
	}
	if c.Policy.ShutdownDelayForConnectionCloseSeconds < 0 {
		return fmt.Errorf("policy.shutdown_delay_for_connection_close_seconds must be >= 0, got %d", c.Policy.ShutdownDelayForConnectionCloseSeconds)
	}
	if c.Policy.ShutdownDelayForOutstandingRunnersSeconds < 0 {
		return fmt.Errorf("policy.shutdown_delay_for_outstanding_runners_seconds must be >= 0, got %d", c.Policy.ShutdownDelayForOutstandingRunnersSeconds)
	}
	if c.Policy.FailureLimit < 0 {
		return fmt.Errorf("policy.failure_limit must be >= 0 (0 = unlimited), got %d", c.Policy.FailureLimit)
	}
	return nil
}
