// Package config loads router configuration from YAML files and
// environment variables, in that order of increasing priority.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved router configuration.
type Config struct {
	Environment string `yaml:"environment" json:"environment"`
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`

	SSLEnabled  bool   `yaml:"ssl_enabled" json:"ssl_enabled"`
	SSLCertPath string `yaml:"ssl_cert_path" json:"ssl_cert_path"`
	SSLKeyPath  string `yaml:"ssl_key_path" json:"ssl_key_path"`

	StreamingEnabled bool `yaml:"streaming_enabled" json:"streaming_enabled"`

	// Inference upstream transport.
	InferenceTransport         string        `yaml:"inference_transport" json:"inference_transport"` // socket | http | https
	InferenceSocketPath        string        `yaml:"inference_socket_path" json:"inference_socket_path"`
	InferenceEndpoints         []string      `yaml:"inference_endpoints" json:"inference_endpoints"`
	InferenceConnectTimeout    time.Duration `yaml:"inference_connect_timeout" json:"inference_connect_timeout"`
	InferenceReadTimeout       time.Duration `yaml:"inference_read_timeout" json:"inference_read_timeout"`
	InferenceWriteTimeout      time.Duration `yaml:"inference_write_timeout" json:"inference_write_timeout"`
	RequestBudget              time.Duration `yaml:"request_budget" json:"request_budget"`

	// mTLS, required in production when transport is https.
	MTLSClientCertPath  string `yaml:"mtls_client_cert_path" json:"mtls_client_cert_path"`
	MTLSClientKeyPath   string `yaml:"mtls_client_key_path" json:"mtls_client_key_path"`
	MTLSCACertPath      string `yaml:"mtls_ca_cert_path" json:"mtls_ca_cert_path"`
	MTLSVerifyHostname  bool   `yaml:"mtls_verify_hostname" json:"mtls_verify_hostname"`

	// Envelope / replay.
	RequestTTL             time.Duration `yaml:"request_ttl" json:"request_ttl"`
	ClockSkew              time.Duration `yaml:"clock_skew" json:"clock_skew"`
	ReplayRetention        time.Duration `yaml:"replay_retention" json:"replay_retention"`
	RouterPrivateKeyPath   string        `yaml:"router_private_key_path" json:"router_private_key_path"`
	RouterPublicKeyPath    string        `yaml:"router_public_key_path" json:"router_public_key_path"`
	KeyRotationInterval    time.Duration `yaml:"key_rotation_interval" json:"key_rotation_interval"`
	MlockSecrets           bool          `yaml:"mlock_secrets" json:"mlock_secrets"`
	MaxTokensUpperBound    int           `yaml:"max_tokens_upper_bound" json:"max_tokens_upper_bound"`
	TemperatureClampMax    float64       `yaml:"temperature_clamp_max" json:"temperature_clamp_max"`
	TopPClampMax           float64       `yaml:"top_p_clamp_max" json:"top_p_clamp_max"`

	// Health monitor.
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HealthyThreshold     int           `yaml:"healthy_threshold" json:"healthy_threshold"`
	UnhealthyThreshold   int           `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	HealthProbeTimeout   time.Duration `yaml:"health_probe_timeout" json:"health_probe_timeout"`

	// Rate limiter.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Circuit breaker.
	CircuitBreakerEnabled   bool          `yaml:"circuit_breaker_enabled" json:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitResetInterval    time.Duration `yaml:"circuit_reset_interval" json:"circuit_reset_interval"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled" json:"metrics_enabled"`

	// EnablePlaintextInferenceEndpoint turns on POST /inference, a
	// non-HPKE streaming endpoint useful for local testing.
	EnablePlaintextInferenceEndpoint bool `yaml:"enable_plaintext_inference_endpoint" json:"enable_plaintext_inference_endpoint"`
}

// Default returns a Config populated with the router's built-in defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		Host:        "0.0.0.0",
		Port:        8443,

		StreamingEnabled: true,

		InferenceTransport:      "socket",
		InferenceSocketPath:     "/tmp/llama.sock",
		InferenceEndpoints:      []string{"http://127.0.0.1:8080"},
		InferenceConnectTimeout: 5 * time.Second,
		InferenceReadTimeout:    30 * time.Second,
		InferenceWriteTimeout:   5 * time.Second,
		RequestBudget:           60 * time.Second,

		MTLSVerifyHostname: true,

		RequestTTL:           60 * time.Second,
		ClockSkew:            10 * time.Second,
		ReplayRetention:      time.Hour,
		RouterPrivateKeyPath: "keys/router_private.pem",
		RouterPublicKeyPath:  "keys/router_public.pem",
		KeyRotationInterval:  24 * time.Hour,
		MlockSecrets:         false,
		MaxTokensUpperBound:  4096,
		TemperatureClampMax:  1.5,
		TopPClampMax:         0.95,

		HealthCheckInterval: 30 * time.Second,
		HealthyThreshold:    2,
		UnhealthyThreshold:  3,
		HealthProbeTimeout:  3 * time.Second,

		RateLimitPerMinute: 60,
		RateLimitBurst:     10,

		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitResetInterval:    30 * time.Second,

		LogLevel: "info",

		MetricsEnabled: true,

		EnablePlaintextInferenceEndpoint: false,
	}
}

// ListenAddr returns the host:port pair the router binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the environment is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ShouldUseMTLS reports whether the inference transport requires a client certificate.
func (c *Config) ShouldUseMTLS() bool {
	return c.IsProduction() && strings.EqualFold(c.InferenceTransport, "https")
}

// LoadFromFile reads a YAML config file and overlays it onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns an error describing the first configuration problem found.
func (c *Config) Validate() error {
	switch c.InferenceTransport {
	case "socket", "http", "https":
	default:
		return fmt.Errorf("invalid INFERENCE_TRANSPORT %q: must be socket, http, or https", c.InferenceTransport)
	}

	if c.InferenceTransport == "socket" && c.InferenceSocketPath == "" {
		return fmt.Errorf("INFERENCE_SOCKET_PATH must be set when INFERENCE_TRANSPORT=socket")
	}

	if c.InferenceTransport != "socket" && len(c.InferenceEndpoints) == 0 {
		return fmt.Errorf("INFERENCE_ENDPOINTS must list at least one upstream when INFERENCE_TRANSPORT=%s", c.InferenceTransport)
	}

	if c.ReplayRetention <= c.RequestTTL {
		return fmt.Errorf("REPLAY_RETENTION_SECONDS (%s) must be strictly greater than REQUEST_TTL_SECONDS (%s)", c.ReplayRetention, c.RequestTTL)
	}

	if c.ShouldUseMTLS() {
		if c.MTLSClientCertPath == "" || c.MTLSClientKeyPath == "" {
			return fmt.Errorf("MTLS_CLIENT_CERT_PATH and MTLS_CLIENT_KEY_PATH are required in production with an https inference transport")
		}
	}

	if c.RouterPrivateKeyPath == "" || c.RouterPublicKeyPath == "" {
		return fmt.Errorf("ROUTER_HPKE_PRIVATE_KEY_PATH and ROUTER_HPKE_PUBLIC_KEY_PATH must both be set")
	}

	return nil
}
