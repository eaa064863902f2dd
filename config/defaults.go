package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9753)
	v.SetDefault("server.revision", "")

	v.SetDefault("policy.runner_timeout_seconds", 300)
	v.SetDefault("policy.server_timeout_seconds", 0) // 0 = no server-wide inactivity timeout
	v.SetDefault("policy.shutdown_delay_for_connection_close_seconds", 5)
	v.SetDefault("policy.shutdown_delay_for_outstanding_runners_seconds", 30)
	v.SetDefault("policy.disable_requeueing", false)
	v.SetDefault("policy.failure_limit", 0) // 0 = unlimited
}
