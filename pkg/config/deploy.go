package config

import "time"

// NodeConfig tunes node connectivity and health checks.
type NodeConfig struct {
	HealthTimeout   time.Duration
	StaleAfter      time.Duration
	OpTimeout       time.Duration
	MonitorInterval time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	RetryAttempts   int
}

// LoadNodeConfig constructs a NodeConfig from environment variables.
func LoadNodeConfig() NodeConfig {
	return NodeConfig{
		HealthTimeout:   GetDuration("NODE_HEALTH_TIMEOUT_SECONDS", 5*time.Second),
		StaleAfter:      GetDuration("NODE_STALE_AFTER_SECONDS", time.Minute),
		OpTimeout:       GetDuration("NODE_OP_TIMEOUT_SECONDS", time.Minute),
		MonitorInterval: GetDuration("NODE_MONITOR_INTERVAL_SECONDS", 0),
		BreakerFailures: GetInt("NODE_BREAKER_FAILURES", 5),
		BreakerCooldown: GetDuration("NODE_BREAKER_COOLDOWN_SECONDS", 30*time.Second),
		RetryAttempts:   GetInt("NODE_RETRY_ATTEMPTS", 3),
	}
}

// DeployConfig holds deployment pipeline settings.
type DeployConfig struct {
	Workdir    string
	Timeout    time.Duration
	GitTimeout time.Duration
	GitBinary  string
}

// LoadDeployConfig constructs a DeployConfig from environment variables.
func LoadDeployConfig() DeployConfig {
	return DeployConfig{
		Workdir:    GetString("DEPLOY_WORKDIR", "/tmp/dockmgr"),
		Timeout:    GetDuration("DEPLOY_TIMEOUT_SECONDS", 30*time.Minute),
		GitTimeout: GetDuration("GIT_TIMEOUT_SECONDS", 2*time.Minute),
		GitBinary:  GetString("GIT_BINARY", "git"),
	}
}
