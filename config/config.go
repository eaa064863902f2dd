// Package config loads dispatchd's runtime configuration.
package config

import "time"

// Config is the full runtime configuration for a dispatch server.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Policy PolicyConfig `mapstructure:"policy"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`     // serve_port
	Revision string `mapstructure:"revision"` // must match every runner's reported revision
}

// PolicyConfig configures dispatch timeouts and retry behavior.
type PolicyConfig struct {
	RunnerTimeoutSeconds                      int  `mapstructure:"runner_timeout_seconds"`
	ServerTimeoutSeconds                      int  `mapstructure:"server_timeout_seconds"`
	ShutdownDelayForConnectionCloseSeconds    int  `mapstructure:"shutdown_delay_for_connection_close_seconds"`
	ShutdownDelayForOutstandingRunnersSeconds int  `mapstructure:"shutdown_delay_for_outstanding_runners_seconds"`
	DisableRequeueing                         bool `mapstructure:"disable_requeueing"`
	FailureLimit                              int  `mapstructure:"failure_limit"` // 0 disables the limit
}

// RunnerTimeout is the configured runner timeout as a time.Duration.
func (p PolicyConfig) RunnerTimeout() time.Duration {
	return time.Duration(p.RunnerTimeoutSeconds) * time.Second
}

// ServerTimeout is the configured server-wide inactivity timeout.
func (p PolicyConfig) ServerTimeout() time.Duration {
	return time.Duration(p.ServerTimeoutSeconds) * time.Second
}

// ShutdownDelayForConnectionClose is the grace period given to runners to
// observe a finalized queue and close their HTTP connections.
func (p PolicyConfig) ShutdownDelayForConnectionClose() time.Duration {
	return time.Duration(p.ShutdownDelayForConnectionCloseSeconds) * time.Second
}

// ShutdownDelayForOutstandingRunners is the grace period used when, at the
// start of shutdown, some runner has posted a result but not yet asked for
// its next test.
func (p PolicyConfig) ShutdownDelayForOutstandingRunners() time.Duration {
	return time.Duration(p.ShutdownDelayForOutstandingRunnersSeconds) * time.Second
}
