package router

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sage-x-project/llm-router/envelope"
	"github.com/sage-x-project/llm-router/internal/logger"
	"github.com/sage-x-project/llm-router/internal/metrics"
)

// plaintextRequest is the body accepted by the supplemental /inference
// endpoint: the same chat-completion shape as a decrypted envelope, sent
// without HPKE. It exists for local development and trusted
// service-to-service calls where the client cannot hold a device key pair;
// it shares the rate limiter, breaker, and streamer with /api/chat but
// skips the decrypt step and streams plaintext tokens back unencrypted.
type plaintextRequest struct {
	Messages    []envelope.ChatMessage `json:"messages"`
	Temperature float64                `json:"temperature"`
	TopP        float64                `json:"top_p"`
	MaxTokens   int                    `json:"max_tokens"`
}

func (rt *Router) handlePlaintextInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req plaintextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "malformed request body", http.StatusUnprocessableEntity)
		return
	}

	if !rt.limiter.Allow(r.RemoteAddr, "") {
		metrics.Global().RecordRequest("rate_limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if !rt.breaker.CanMakeRequest() {
		metrics.Global().RecordRequest("breaker_open")
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	payload := envelope.DecryptedChatPayload{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	// The encrypted /api/chat path carries a client-supplied request ID for
	// replay detection; plaintext requests have none, so mint one here
	// purely for log correlation across the streamer and breaker calls.
	requestID := uuid.NewString()

	metrics.Global().RecordRequest("ok")
	err := rt.stream.Stream(r.Context(), payload, requestID, func(token string) error {
		return sw.WriteEvent("chunk", token)
	})

	if err != nil {
		rt.log.Warn("plaintext inference stream failed", logger.String("request_id", requestID), logger.Error(err))
		_ = sw.WriteEvent("error", "Internal server error")
		rt.breaker.RecordFailure()
		return
	}

	_ = sw.WriteEvent("end", "")
	rt.breaker.RecordSuccess()
}
