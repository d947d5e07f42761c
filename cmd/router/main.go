// Command router runs the HPKE-decrypting inference reverse proxy: it
// terminates encrypted client chat requests, streams tokens from a local
// inference backend, and re-encrypts each token back to the client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/llm-router/breaker"
	"github.com/sage-x-project/llm-router/envelope"
	"github.com/sage-x-project/llm-router/health"
	"github.com/sage-x-project/llm-router/internal/config"
	"github.com/sage-x-project/llm-router/internal/logger"
	"github.com/sage-x-project/llm-router/ratelimit"
	"github.com/sage-x-project/llm-router/router"
	"github.com/sage-x-project/llm-router/streamer"
)

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "Privacy-preserving LLM router",
	Long: `router decrypts HPKE-sealed chat requests from untrusted clients,
streams tokens from a local inference backend, and re-encrypts each token
back to the client's device key before returning it over SSE.`,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, rotateKeysCmd, healthcheckCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router HTTP server",
	RunE:  runServe,
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Force an immediate router HPKE key rotation and exit",
	RunE:  runRotateKeys,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the configured inference endpoints once and print their status",
	RunE:  runHealthcheck,
}

func setupLogger(cfg *config.Config) logger.Logger {
	log := logger.NewDefaultLogger()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetDefaultLogger(log)
	return log
}

// buildRouter is the composition root: every collaborator named by the
// router's design is constructed here explicitly and wired into one
// router.Router, rather than reached through package-level state.
func buildRouter(cfg *config.Config, log logger.Logger) (*router.Router, *envelope.Service, *health.Monitor, error) {
	envSvc, err := envelope.NewService(envelope.Config{
		RequestTTL:          cfg.RequestTTL,
		ClockSkew:           cfg.ClockSkew,
		ReplayRetention:     cfg.ReplayRetention,
		PrivateKeyPath:      cfg.RouterPrivateKeyPath,
		PublicKeyPath:       cfg.RouterPublicKeyPath,
		KeyRotationInterval: cfg.KeyRotationInterval,
		MlockSecrets:        cfg.MlockSecrets,
		MaxTokensUpperBound: cfg.MaxTokensUpperBound,
		TemperatureClampMax: cfg.TemperatureClampMax,
		TopPClampMax:        cfg.TopPClampMax,
	}, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct envelope service: %w", err)
	}

	var monitor *health.Monitor
	if cfg.InferenceTransport != "socket" {
		monitor = health.NewMonitor(cfg.InferenceEndpoints, cfg.HealthCheckInterval, cfg.HealthProbeTimeout,
			cfg.HealthyThreshold, cfg.UnhealthyThreshold, log)
	}

	streamCfg := streamer.Config{
		Transport:           inferenceTransport(cfg.InferenceTransport),
		SocketPath:          cfg.InferenceSocketPath,
		Endpoints:           cfg.InferenceEndpoints,
		ConnectTimeout:      cfg.InferenceConnectTimeout,
		ReadTimeout:         cfg.InferenceReadTimeout,
		WriteTimeout:        cfg.InferenceWriteTimeout,
		RequestBudget:       cfg.RequestBudget,
		MTLSClientCertPath:  cfg.MTLSClientCertPath,
		MTLSClientKeyPath:   cfg.MTLSClientKeyPath,
		MTLSCACertPath:      cfg.MTLSCACertPath,
		MTLSVerifyHostname:  cfg.MTLSVerifyHostname,
	}
	streamClient, err := streamer.New(streamCfg, monitor, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct streamer client: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinuteLimit: cfg.RateLimitPerMinute,
		BurstLimit:     cfg.RateLimitBurst,
	})

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		ResetInterval:    cfg.CircuitResetInterval,
	})
	if !cfg.CircuitBreakerEnabled {
		// An effectively unreachable threshold disables tripping without
		// adding a second code path through the handler's admission check.
		cb = breaker.New(breaker.Config{FailureThreshold: 1 << 30, ResetInterval: cfg.CircuitResetInterval})
	}

	rt := router.New(envSvc, streamClient, monitor, limiter, cb, log, cfg.EnablePlaintextInferenceEndpoint)
	return rt, envSvc, monitor, nil
}

func inferenceTransport(name string) streamer.Transport {
	switch name {
	case "https":
		return streamer.TransportHTTPS
	case "http":
		return streamer.TransportHTTP
	default:
		return streamer.TransportUnix
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad()
	log := setupLogger(cfg)

	rt, envSvc, monitor, err := buildRouter(cfg, log)
	if err != nil {
		return err
	}

	envSvc.StartRotationTimer()
	defer envSvc.StopRotationTimer()

	if monitor != nil {
		monitor.Start()
		defer monitor.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("router listening", logger.String("addr", cfg.ListenAddr()), logger.String("environment", cfg.Environment))
		if cfg.SSLEnabled {
			serveErr <- srv.ListenAndServeTLS(cfg.SSLCertPath, cfg.SSLKeyPath)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("router stopped")
	return nil
}

func runRotateKeys(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad()
	log := setupLogger(cfg)

	envSvc, err := envelope.NewService(envelope.Config{
		RequestTTL:          cfg.RequestTTL,
		ClockSkew:           cfg.ClockSkew,
		ReplayRetention:     cfg.ReplayRetention,
		PrivateKeyPath:      cfg.RouterPrivateKeyPath,
		PublicKeyPath:       cfg.RouterPublicKeyPath,
		KeyRotationInterval: cfg.KeyRotationInterval,
		MlockSecrets:        cfg.MlockSecrets,
		MaxTokensUpperBound: cfg.MaxTokensUpperBound,
		TemperatureClampMax: cfg.TemperatureClampMax,
		TopPClampMax:        cfg.TopPClampMax,
	}, log)
	if err != nil {
		return fmt.Errorf("construct envelope service: %w", err)
	}

	if err := envSvc.RotateKeys(); err != nil {
		return fmt.Errorf("rotate keys: %w", err)
	}
	fmt.Println("router key pair rotated")
	return nil
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad()
	log := setupLogger(cfg)

	if cfg.InferenceTransport == "socket" {
		fmt.Printf("transport=socket path=%s (no HTTP health probe)\n", cfg.InferenceSocketPath)
		return nil
	}

	monitor := health.NewMonitor(cfg.InferenceEndpoints, cfg.HealthCheckInterval, cfg.HealthProbeTimeout,
		cfg.HealthyThreshold, cfg.UnhealthyThreshold, log)
	monitor.Start()
	time.Sleep(cfg.HealthProbeTimeout + 500*time.Millisecond)
	monitor.Stop()

	anyHealthy := monitor.AnyHealthy()
	for _, n := range monitor.Snapshot() {
		fmt.Printf("%-40s %-10s last_error=%v\n", n.Endpoint, n.Status, n.LastError)
	}
	if !anyHealthy {
		return fmt.Errorf("no healthy inference endpoints")
	}
	return nil
}
