package concurrency

import (
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the concurrency tunables for the query service.
type Config struct {
	// MaxConcurrentRetrievals bounds retrieval dispatches across all
	// in-flight runs.
	MaxConcurrentRetrievals int

	// RunnerWorkers is the size of the query-message worker pool.
	RunnerWorkers int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: environment
// variables, then environment-aware defaults.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxRetrievals := getEnvInt("DELPHI_MAX_CONCURRENT_RETRIEVALS", 0); maxRetrievals > 0 {
		config.MaxConcurrentRetrievals = maxRetrievals
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrentRetrievals = defaultMaxRetrievals(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrentRetrievals < 1 {
		config.MaxConcurrentRetrievals = 1
	}

	if workers := getEnvInt("DELPHI_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = defaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects whether the process runs inside a Kubernetes pod.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxRetrievals is deliberately conservative under Kubernetes where
// CPU quotas make oversubscription expensive. Retrieval dispatches are
// I/O-bound, so bare metal gets a larger multiplier.
func defaultMaxRetrievals(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
