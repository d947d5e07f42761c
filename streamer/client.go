// Package streamer implements the inference streaming client: transport
// selection (unix socket, HTTP, or mutual-TLS HTTPS), the delta-chunk SSE
// parser, and the three independent timeouts (connect, read, request
// budget) bounding one stream_inference call.
package streamer

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sage-x-project/llm-router/envelope"
	"github.com/sage-x-project/llm-router/health"
	"github.com/sage-x-project/llm-router/internal/logger"
)

// Transport selects how the client reaches the inference backend.
type Transport string

const (
	TransportUnix  Transport = "unix"
	TransportHTTP  Transport = "http"
	TransportHTTPS Transport = "https"
)

// ErrUpstreamFailed wraps any connect/read/protocol error from the upstream.
var ErrUpstreamFailed = fmt.Errorf("streamer: upstream failed")

// ErrBudgetExceeded is raised when a stream exceeds its total wall-clock budget.
var ErrBudgetExceeded = fmt.Errorf("streamer: request budget exceeded")

// Config configures one Client.
type Config struct {
	Transport      Transport
	SocketPath     string
	Endpoints      []string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestBudget  time.Duration

	MTLSClientCertPath string
	MTLSClientKeyPath  string
	MTLSCACertPath     string
	MTLSVerifyHostname bool
}

// Client streams chat completions from the configured upstream.
type Client struct {
	cfg     Config
	http    *http.Client
	monitor *health.Monitor
	log     logger.Logger

	stats Stats
}

// New constructs a Client. For TransportUnix it verifies the socket path
// exists up front, per spec: an absent socket marks the client unavailable
// at startup rather than failing lazily on first request.
func New(cfg Config, monitor *health.Monitor, log logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	transport := &http.Transport{}

	switch cfg.Transport {
	case TransportUnix:
		if _, err := os.Stat(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("streamer: unix socket %s not found: %w", cfg.SocketPath, err)
		}
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", cfg.SocketPath)
		}
	case TransportHTTPS:
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("streamer: build mTLS config: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	case TransportHTTP:
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	default:
		return nil, fmt.Errorf("streamer: unknown transport %q", cfg.Transport)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		monitor: monitor,
		log:     log,
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{}

	if cfg.MTLSClientCertPath != "" && cfg.MTLSClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.MTLSClientCertPath, cfg.MTLSClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.MTLSCACertPath != "" {
		pem, err := os.ReadFile(cfg.MTLSCACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.MTLSCACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	if !cfg.MTLSVerifyHostname {
		tlsCfg.InsecureSkipVerify = true
	}

	return tlsCfg, nil
}

func (c *Client) targetURL(endpoint string) string {
	if c.cfg.Transport == TransportUnix {
		return "http://localhost/v1/chat/completions"
	}
	return strings.TrimRight(endpoint, "/") + "/v1/chat/completions"
}

func (c *Client) endpoint() string {
	if c.monitor != nil {
		if ep := c.monitor.GetHealthyEndpoint(); ep != "" {
			return ep
		}
	}
	if len(c.cfg.Endpoints) > 0 {
		return c.cfg.Endpoints[0]
	}
	return ""
}

type outboundRequest struct {
	Messages    []envelope.ChatMessage `json:"messages"`
	Temperature float64                `json:"temperature"`
	TopP        float64                `json:"top_p"`
	MaxTokens   int                    `json:"max_tokens"`
	Stream      bool                   `json:"stream"`
}

// OnToken is invoked once per token produced by the upstream, in order.
type OnToken func(token string) error

// Stream opens a streaming chat-completions request against the upstream
// and invokes onToken for each delta content piece, in arrival order. It
// returns nil on a clean upstream-signaled completion, ErrBudgetExceeded if
// the total wall-clock budget elapses first, or a wrapped ErrUpstreamFailed
// on any connect/read/protocol error. ctx cancellation (e.g. client
// disconnect) aborts the upstream call immediately.
func (c *Client) Stream(ctx context.Context, payload envelope.DecryptedChatPayload, requestID string, onToken OnToken) error {
	c.stats.streamStarted()
	start := time.Now()
	endpointUsed := c.endpoint()

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestBudget)
	defer cancel()

	tokens, err := c.doStream(budgetCtx, payload, requestID, endpointUsed, onToken)

	elapsed := time.Since(start)
	c.stats.streamEnded(elapsed, err)

	if c.monitor != nil && endpointUsed != "" {
		c.monitor.RecordOutcome(endpointUsed, err)
	}

	if err != nil {
		if budgetCtx.Err() != nil && ctx.Err() == nil {
			return ErrBudgetExceeded
		}
		return err
	}

	c.log.Debug("inference stream completed",
		logger.String("request_id", requestID),
		logger.Int("tokens", tokens),
		logger.Duration("elapsed", elapsed),
	)
	return nil
}

func (c *Client) doStream(ctx context.Context, payload envelope.DecryptedChatPayload, requestID, endpoint string, onToken OnToken) (int, error) {
	// ReadTimeout cancels the call when the upstream sends nothing for that
	// long; every line received re-arms it.
	ctx, cancelIdle := context.WithCancelCause(ctx)
	defer cancelIdle(nil)
	var idle *time.Timer
	if c.cfg.ReadTimeout > 0 {
		idle = time.AfterFunc(c.cfg.ReadTimeout, func() {
			cancelIdle(fmt.Errorf("%w: read timeout after %s", ErrUpstreamFailed, c.cfg.ReadTimeout))
		})
		defer idle.Stop()
	}

	body := outboundRequest{
		Messages:    payload.Messages,
		Temperature: payload.Temperature,
		TopP:        payload.TopP,
		MaxTokens:   payload.MaxTokens,
		Stream:      true,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", ErrUpstreamFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.targetURL(endpoint), newJSONReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrUpstreamFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: upstream status %d", ErrUpstreamFailed, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tokenCount := 0
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(c.cfg.ReadTimeout)
		}
		if ctx.Err() != nil {
			return tokenCount, context.Cause(ctx)
		}

		line := scanner.Text()
		token, terminal, ok := parseSSELine(line)
		if terminal {
			c.log.Debug("inference stream terminated by upstream", logger.String("request_id", requestID), logger.Int("tokens", tokenCount))
			return tokenCount, nil
		}
		if !ok || token == "" {
			continue
		}

		tokenCount++
		c.stats.recordToken()
		if err := onToken(token); err != nil {
			return tokenCount, err
		}
	}

	if err := scanner.Err(); err != nil {
		return tokenCount, fmt.Errorf("%w: reading stream: %v", ErrUpstreamFailed, err)
	}

	return tokenCount, nil
}

func newJSONReader(b []byte) *strings.Reader {
	return strings.NewReader(string(b))
}
