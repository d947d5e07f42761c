package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvironment returns the active environment name from ENVIRONMENT,
// defaulting to "development".
func GetEnvironment() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// applyEnvironmentOverrides overlays environment variables onto cfg. Two
// namespaces are consulted in addition to the bare variable name:
// DEVELOPMENT_* and PRODUCTION_*, whichever matches cfg.Environment — this
// lets a single .env carry both sets of tunables without collision.
func applyEnvironmentOverrides(cfg *Config) {
	var prefix string
	if cfg.IsProduction() {
		prefix = "PRODUCTION_"
	} else {
		prefix = "DEVELOPMENT_"
	}

	lookup := func(name string) (string, bool) {
		if v, ok := os.LookupEnv(prefix + name); ok {
			return v, true
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		return "", false
	}

	str(lookup, "ENVIRONMENT", &cfg.Environment)
	str(lookup, "HOST", &cfg.Host)
	intVar(lookup, "PORT", &cfg.Port)

	boolVar(lookup, "SSL_ENABLED", &cfg.SSLEnabled)
	str(lookup, "SSL_CERT_PATH", &cfg.SSLCertPath)
	str(lookup, "SSL_KEY_PATH", &cfg.SSLKeyPath)

	boolVar(lookup, "STREAMING_ENABLED", &cfg.StreamingEnabled)

	str(lookup, "INFERENCE_TRANSPORT", &cfg.InferenceTransport)
	str(lookup, "INFERENCE_SOCKET_PATH", &cfg.InferenceSocketPath)
	if v, ok := lookup("INFERENCE_ENDPOINTS"); ok && v != "" {
		cfg.InferenceEndpoints = splitCSV(v)
	}
	durationSeconds(lookup, "INFERENCE_CONNECT_TIMEOUT_SECONDS", &cfg.InferenceConnectTimeout)
	durationSeconds(lookup, "INFERENCE_READ_TIMEOUT_SECONDS", &cfg.InferenceReadTimeout)
	durationSeconds(lookup, "INFERENCE_WRITE_TIMEOUT_SECONDS", &cfg.InferenceWriteTimeout)
	durationSeconds(lookup, "REQUEST_BUDGET_SECONDS", &cfg.RequestBudget)

	str(lookup, "MTLS_CLIENT_CERT_PATH", &cfg.MTLSClientCertPath)
	str(lookup, "MTLS_CLIENT_KEY_PATH", &cfg.MTLSClientKeyPath)
	str(lookup, "MTLS_CA_CERT_PATH", &cfg.MTLSCACertPath)
	boolVar(lookup, "MTLS_VERIFY_HOSTNAME", &cfg.MTLSVerifyHostname)

	durationSeconds(lookup, "REQUEST_TTL_SECONDS", &cfg.RequestTTL)
	durationSeconds(lookup, "CLOCK_SKEW_SECONDS", &cfg.ClockSkew)
	durationSeconds(lookup, "REPLAY_RETENTION_SECONDS", &cfg.ReplayRetention)
	str(lookup, "ROUTER_HPKE_PRIVATE_KEY_PATH", &cfg.RouterPrivateKeyPath)
	str(lookup, "ROUTER_HPKE_PUBLIC_KEY_PATH", &cfg.RouterPublicKeyPath)
	durationHours(lookup, "HPKE_KEY_ROTATION_HOURS", &cfg.KeyRotationInterval)
	boolVar(lookup, "MLOCK_SECRETS", &cfg.MlockSecrets)
	intVar(lookup, "MAX_TOKENS_UPPER_BOUND", &cfg.MaxTokensUpperBound)

	durationSeconds(lookup, "HEALTH_CHECK_INTERVAL_SECONDS", &cfg.HealthCheckInterval)
	intVar(lookup, "HEALTH_HEALTHY_THRESHOLD", &cfg.HealthyThreshold)
	intVar(lookup, "HEALTH_UNHEALTHY_THRESHOLD", &cfg.UnhealthyThreshold)
	durationSeconds(lookup, "HEALTH_PROBE_TIMEOUT_SECONDS", &cfg.HealthProbeTimeout)

	intVar(lookup, "RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	intVar(lookup, "RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	boolVar(lookup, "CIRCUIT_BREAKER_ENABLED", &cfg.CircuitBreakerEnabled)
	intVar(lookup, "CIRCUIT_BREAKER_THRESHOLD", &cfg.CircuitBreakerThreshold)
	durationSeconds(lookup, "CIRCUIT_RESET_SECONDS", &cfg.CircuitResetInterval)

	str(lookup, "LOG_LEVEL", &cfg.LogLevel)
	boolVar(lookup, "METRICS_ENABLED", &cfg.MetricsEnabled)
	boolVar(lookup, "ENABLE_PLAINTEXT_INFERENCE_ENDPOINT", &cfg.EnablePlaintextInferenceEndpoint)
}

type lookupFunc func(name string) (string, bool)

func str(lookup lookupFunc, name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func boolVar(lookup lookupFunc, name string, dst *bool) {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVar(lookup lookupFunc, name string, dst *int) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durationSeconds(lookup lookupFunc, name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(n * float64(time.Second))
		}
	}
}

func durationHours(lookup lookupFunc, name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(n * float64(time.Hour))
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
