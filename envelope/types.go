// Package envelope implements the hybrid-public-key-encryption boundary
// between untrusted clients and the router: decrypting inbound chat
// requests, re-encrypting each streamed token to the client's device key,
// and rotating the router's own long-lived key pair.
package envelope

import "errors"

// Algorithm is the human-readable HPKE suite identifier returned on the
// public-keys endpoint, so clients can confirm they speak the same suite.
const Algorithm = "HPKE-Base-X25519-HKDF-SHA256-ChaCha20Poly1305"

// Sentinel errors surfaced to callers. Per the error-handling design,
// DecryptRequest never distinguishes its internal cause beyond these two
// values — everything else is logged, never returned.
var (
	// ErrReplayRejected covers both a reused request id and a timestamp
	// outside [now-TTL, now+skew].
	ErrReplayRejected = errors.New("envelope: replay rejected")
	// ErrDecryptFailed covers HPKE context failures, AEAD auth failures,
	// and payload schema errors — deliberately collapsed into one opaque
	// value so the boundary cannot be used as a decryption oracle.
	ErrDecryptFailed = errors.New("envelope: decrypt failed")
)

// EncryptedEnvelope is the wire shape of POST /api/chat's body.
type EncryptedEnvelope struct {
	EncapsulatedKey []byte `json:"encapsulated_key"`
	Ciphertext      []byte `json:"ciphertext"`
	AAD             []byte `json:"aad"`
	Timestamp       string `json:"timestamp"` // ISO-8601 UTC
	RequestID       string `json:"request_id"`
	DevicePublicKey []byte `json:"device_pubkey"`
}

// EncryptedChunk is the wire shape of one streamed SSE chunk's data field,
// and of the terminal `end` event's data field (with an empty plaintext).
type EncryptedChunk struct {
	EncapsulatedKey []byte `json:"encapsulated_key"`
	Ciphertext      []byte `json:"ciphertext"`
	AAD             []byte `json:"aad"`
	Sequence        uint64 `json:"sequence"`
}

// ChatMessage is one role/content pair in a decrypted chat payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DecryptedChatPayload is the plaintext recovered from an EncryptedEnvelope.
type DecryptedChatPayload struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	// Stream defaults to true; carried from the original implementation's
	// request model, which always streams but still threads the flag
	// through for forward compatibility with a non-streaming caller.
	Stream bool `json:"stream"`
}

// PublicKeysInfo is the observation returned by Service.PublicKeys.
type PublicKeysInfo struct {
	CurrentPublicKey []byte
	NextPublicKey    []byte
	KeyID            string
	ExpiresAt        string // ISO-8601 UTC
	Algorithm        string
}
