package config

import "time"

// Built-in deployment defaults. Job YAML values override these via mergo.
const (
	DefaultDeployTimeout       = 60 * time.Second
	DefaultHealthCheckInterval = 1 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthCheckRetries  = 10
	DefaultMaxRestarts         = 3
	DefaultMinPort             = 1024
	DefaultMaxPort             = 65535
	DefaultRemoteBinary        = "fleet"
	DefaultSSHPort             = 22
)

// DefaultDeploymentOptions returns the built-in deployment options.
func DefaultDeploymentOptions() DeploymentOptions {
	return DeploymentOptions{
		Strategy: StrategyStaged,
		Timeout:  Duration(DefaultDeployTimeout),
		HealthCheck: HealthCheckOptions{
			Interval: Duration(DefaultHealthCheckInterval),
			Timeout:  Duration(DefaultHealthCheckTimeout),
			Retries:  DefaultHealthCheckRetries,
		},
		Restart: RestartPolicy{
			Enabled:     false,
			MaxRestarts: DefaultMaxRestarts,
		},
		SSH: SSHOptions{
			RemoteBinary: DefaultRemoteBinary,
		},
		Network: NetworkOptions{
			MinPort: DefaultMinPort,
			MaxPort: DefaultMaxPort,
		},
	}
}
