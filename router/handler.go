// Package router wires the rate limiter, circuit breaker, envelope
// service, and inference streamer into the request handler and owns the
// SSE response stream.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/llm-router/breaker"
	"github.com/sage-x-project/llm-router/envelope"
	"github.com/sage-x-project/llm-router/health"
	"github.com/sage-x-project/llm-router/internal/logger"
	"github.com/sage-x-project/llm-router/internal/metrics"
	"github.com/sage-x-project/llm-router/ratelimit"
	"github.com/sage-x-project/llm-router/streamer"
)

const keepAliveInterval = 15 * time.Second

// Router is the explicit composition root named by the design notes'
// build_router(config) resolution: every collaborator is constructed
// elsewhere and injected here, rather than reached through package-level
// globals.
type Router struct {
	envelope *envelope.Service
	stream   *streamer.Client
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	checker  *health.HealthChecker
	log      logger.Logger

	enablePlaintextInference bool
}

// New builds a Router from its fully-constructed collaborators. It also
// registers the inference upstream with a generic HealthChecker, so
// /health reports through the same aggregation path any future dependency
// (a cache, a secondary backend) would register through.
func New(env *envelope.Service, stream *streamer.Client, monitor *health.Monitor, limiter *ratelimit.Limiter, cb *breaker.Breaker, log logger.Logger, enablePlaintextInference bool) *Router {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)
	if monitor != nil {
		checker.RegisterCheck("inference_upstream", health.ServiceHealthCheck("inference_upstream", func(_ context.Context, _ string) error {
			if !monitor.AnyHealthy() {
				return errors.New("no healthy inference endpoints")
			}
			return nil
		}))
	}

	return &Router{
		envelope:                 env,
		stream:                   stream,
		monitor:                  monitor,
		limiter:                  limiter,
		breaker:                  cb,
		checker:                  checker,
		log:                      log,
		enablePlaintextInference: enablePlaintextInference,
	}
}

// Handler assembles the full HTTP surface on a fresh ServeMux.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", rt.handleChat)
	mux.HandleFunc("/api/pubkey", rt.handlePubkey)
	mux.HandleFunc("/health", rt.handleHealth)
	mux.Handle("/metrics", metrics.JSONHandler(metrics.Global()))
	mux.Handle("/metrics/prometheus", metrics.Handler())
	if rt.enablePlaintextInference {
		mux.HandleFunc("/inference", rt.handlePlaintextInference)
	}
	return mux
}

func (rt *Router) handlePubkey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := rt.envelope.PublicKeys()
	writeJSON(w, http.StatusOK, map[string]any{
		"current_pubkey": base64.StdEncoding.EncodeToString(info.CurrentPublicKey),
		"next_pubkey":    base64.StdEncoding.EncodeToString(info.NextPublicKey),
		"key_id":         info.KeyID,
		"expires_at":     info.ExpiresAt,
		"algorithm":      info.Algorithm,
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	system := rt.checker.GetSystemHealth(r.Context())

	status := http.StatusOK
	if system.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	var endpoints []health.NodeHealth
	if rt.monitor != nil {
		endpoints = rt.monitor.Snapshot()
	}

	writeJSON(w, status, map[string]any{
		"status":             system.Status,
		"checks":             system.Checks,
		"endpoints":          endpoints,
		"breaker":            rt.breaker.Stats(),
		"replay_ledger_size": rt.envelope.LedgerSize(),
		"timestamp":          time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func validateEnvelope(env envelope.EncryptedEnvelope) error {
	if len(env.EncapsulatedKey) == 0 || len(env.Ciphertext) == 0 || env.Timestamp == "" ||
		env.RequestID == "" || len(env.DevicePublicKey) == 0 {
		return errors.New("missing required envelope field")
	}
	return nil
}

func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env envelope.EncryptedEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := validateEnvelope(env); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	deviceKey := base64.StdEncoding.EncodeToString(env.DevicePublicKey)
	if !rt.limiter.Allow(r.RemoteAddr, deviceKey) {
		metrics.Global().RecordRequest("rate_limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if !rt.breaker.CanMakeRequest() {
		metrics.Global().RecordRequest("breaker_open")
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	payload, err := rt.envelope.DecryptRequest(env)
	if err != nil {
		metrics.Global().RecordRequest("decrypt_failed")
		rt.log.Debug("request rejected", logger.String("request_id", env.RequestID), logger.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	metrics.Global().RecordRequest("ok")
	rt.runStream(w, r, payload, env.RequestID, env.DevicePublicKey)
}

// runStream opens the SSE response and pumps the inference stream into it.
// Two goroutines run under one errgroup: the stream pump (upstream token →
// encrypt → write, per token) and a keep-alive ticker; both share gctx so either's
// exit or the client's disconnect stops the other promptly.
func (rt *Router) runStream(w http.ResponseWriter, r *http.Request, payload envelope.DecryptedChatPayload, requestID string, devicePub []byte) {
	sw, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	metrics.Global().StreamStarted()
	start := time.Now()
	var sequence uint64
	var tokensEmitted int

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return rt.stream.Stream(gctx, payload, requestID, func(token string) error {
			seq := atomic.AddUint64(&sequence, 1) - 1
			chunk, err := rt.envelope.EncryptChunk([]byte(token), devicePub, seq, requestID)
			if err != nil {
				return err
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			tokensEmitted++
			return sw.WriteEvent("chunk", string(data))
		})
	})

	g.Go(func() error {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := sw.ping(); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	metrics.Global().StreamEnded(time.Since(start), tokensEmitted)

	switch {
	case err == nil:
		rt.emitTerminalEvent(sw, devicePub, requestID, sequence)
		rt.breaker.RecordSuccess()

	case r.Context().Err() != nil:
		// Client disconnected: no error event, per the error taxonomy's
		// "stream terminated silently" row.
		rt.breaker.RecordSuccess()

	case errors.Is(err, streamer.ErrBudgetExceeded):
		_ = sw.WriteEvent("error", "Request timeout")
		rt.breaker.RecordFailure()

	default:
		metrics.Global().RecordUpstreamError()
		rt.log.Warn("stream failed", logger.String("request_id", requestID), logger.Error(err))
		_ = sw.WriteEvent("error", "Internal server error")
		rt.breaker.RecordFailure()
	}
}

func (rt *Router) emitTerminalEvent(sw *sseWriter, devicePub []byte, requestID string, sequence uint64) {
	chunk, err := rt.envelope.EncryptChunk(nil, devicePub, sequence, requestID)
	if err != nil {
		rt.log.Warn("failed to seal terminal chunk", logger.Error(err))
		return
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_ = sw.WriteEvent("end", string(data))
}
