package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sage-x-project/llm-router/internal/logger"
	"github.com/sage-x-project/llm-router/internal/metrics"
)

// Config holds the subset of internal/config.Config that the envelope
// service needs, kept separate so this package does not import the config
// package (avoiding an import cycle and keeping envelope independently
// testable with ad-hoc values).
type Config struct {
	RequestTTL          time.Duration
	ClockSkew           time.Duration
	ReplayRetention     time.Duration
	PrivateKeyPath      string
	PublicKeyPath       string
	KeyRotationInterval time.Duration
	MlockSecrets        bool
	MaxTokensUpperBound int
	TemperatureClampMax float64
	TopPClampMax        float64
}

// wireChatPayload is the JSON shape recovered from a decrypted envelope.
// Stream is a pointer so an absent field can default to true, distinct
// from an explicit false.
type wireChatPayload struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      *bool         `json:"stream"`
}

// Service is the router's HPKE boundary: request decryption, chunk
// encryption, public key exposure, and key rotation. The current/next key
// pair is swapped under a write lock held only for the pointer swap itself
// (see RotateKeys); a request that has already read the current pointer
// keeps using that object for its whole lifetime, which is what gives
// in-flight requests a grace period across a rotation.
type Service struct {
	mu        sync.RWMutex
	current   *keyPair
	next      *keyPair
	keyID     string
	expiresAt time.Time

	cfg    Config
	ledger *replayLedger
	log    logger.Logger

	rotateStop chan struct{}
	rotateDone chan struct{}
}

// NewService constructs the envelope service, loading an existing key pair
// from disk or generating and persisting a fresh one. After construction,
// both current and next are always populated.
func NewService(cfg Config, log logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	s := &Service{
		cfg:    cfg,
		ledger: newReplayLedger(cfg.ReplayRetention),
		log:    log,
	}

	current, err := s.loadOrGenerate()
	if err != nil {
		return nil, fmt.Errorf("envelope: initialize current key pair: %w", err)
	}
	s.current = current

	next, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("envelope: generate next key pair: %w", err)
	}
	s.next = next

	s.keyID = current.id
	s.expiresAt = time.Now().UTC().Add(cfg.KeyRotationInterval)

	if cfg.MlockSecrets {
		if err := s.current.mlock(); err != nil {
			s.log.Warn("mlock current key pair failed", logger.Error(err))
		}
		if err := s.next.mlock(); err != nil {
			s.log.Warn("mlock next key pair failed", logger.Error(err))
		}
	}

	return s, nil
}

func (s *Service) loadOrGenerate() (*keyPair, error) {
	if fileExists(s.cfg.PrivateKeyPath) && fileExists(s.cfg.PublicKeyPath) {
		kp, err := loadKeyPairFromFiles(s.cfg.PrivateKeyPath, s.cfg.PublicKeyPath)
		if err == nil {
			return kp, nil
		}
		s.log.Warn("failed to load persisted router key pair, regenerating",
			logger.Error(err), logger.String("path", s.cfg.PrivateKeyPath))
	}

	kp, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.writeToFiles(s.cfg.PrivateKeyPath, s.cfg.PublicKeyPath); err != nil {
		return nil, fmt.Errorf("persist generated key pair: %w", err)
	}
	return kp, nil
}

func (s *Service) snapshotCurrent() *keyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// DecryptRequest implements the six-step decrypt sequence: replay/timestamp
// check, record, evict, HPKE open, payload parse, and parameter clamping.
// The identifier is recorded as soon as it passes the freshness check and
// before the HPKE open is attempted, so a second submission of the exact
// same envelope is rejected even if the first attempt ultimately failed to
// decrypt.
func (s *Service) DecryptRequest(env EncryptedEnvelope) (DecryptedChatPayload, error) {
	now := time.Now().UTC()

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		metrics.Global().RecordDecryptFailure(false)
		return DecryptedChatPayload{}, ErrDecryptFailed
	}

	if now.Sub(ts) > s.cfg.RequestTTL || ts.Sub(now) > s.cfg.ClockSkew || s.ledger.seen(env.RequestID) {
		metrics.Global().RecordDecryptFailure(true)
		return DecryptedChatPayload{}, ErrReplayRejected
	}

	if !s.ledger.record(env.RequestID, now) {
		metrics.Global().RecordDecryptFailure(true)
		return DecryptedChatPayload{}, ErrReplayRejected
	}

	kp := s.snapshotCurrent()
	plaintext, err := hpkeOpen(kp.private, env.EncapsulatedKey, env.Ciphertext, env.AAD)
	if err != nil {
		s.log.Debug("hpke open failed", logger.Error(err), logger.String("request_id", env.RequestID))
		metrics.Global().RecordDecryptFailure(false)
		return DecryptedChatPayload{}, ErrDecryptFailed
	}

	var wire wireChatPayload
	if err := json.Unmarshal(plaintext, &wire); err != nil || len(wire.Messages) == 0 {
		metrics.Global().RecordDecryptFailure(false)
		return DecryptedChatPayload{}, ErrDecryptFailed
	}

	payload := DecryptedChatPayload{
		Messages:    wire.Messages,
		Temperature: clamp(wire.Temperature, 0, s.cfg.TemperatureClampMax),
		TopP:        clamp(wire.TopP, 0, s.cfg.TopPClampMax),
		MaxTokens:   clampMaxTokens(wire.MaxTokens, s.cfg.MaxTokensUpperBound),
		Stream:      wire.Stream == nil || *wire.Stream,
	}

	return payload, nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampMaxTokens(v, upperBound int) int {
	if v <= 0 {
		return 1
	}
	if v > upperBound {
		return upperBound
	}
	return v
}

// EncryptChunk seals one token (or the empty terminal payload) to the
// client's per-session device public key. The associated data binds the
// sequence number and request id into the ciphertext so chunks cannot be
// reordered or replayed across streams.
func (s *Service) EncryptChunk(plaintext, recipientPub []byte, sequence uint64, requestID string) (EncryptedChunk, error) {
	aad := []byte(fmt.Sprintf("chunk|seq=%d|req=%s", sequence, requestID))

	enc, ct, err := hpkeSeal(recipientPub, plaintext, aad)
	if err != nil {
		return EncryptedChunk{}, fmt.Errorf("envelope: encrypt chunk: %w", err)
	}

	return EncryptedChunk{
		EncapsulatedKey: enc,
		Ciphertext:      ct,
		AAD:             aad,
		Sequence:        sequence,
	}, nil
}

// PublicKeys returns the router's currently advertised key material.
func (s *Service) PublicKeys() PublicKeysInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return PublicKeysInfo{
		CurrentPublicKey: s.current.public.Bytes(),
		NextPublicKey:    s.next.public.Bytes(),
		KeyID:            s.keyID,
		ExpiresAt:        s.expiresAt.Format(time.RFC3339),
		Algorithm:        Algorithm,
	}
}

// RotateKeys promotes next to current, generates a fresh next, and
// persists the new current pair to disk. The in-memory swap happens under
// a write lock held only long enough to move the two pointers, so
// concurrent DecryptRequest calls either see the fully-old or fully-new
// pair, never a mix, and any call already past the RLock keeps using the
// key pair it snapshotted.
func (s *Service) RotateKeys() error {
	newNext, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("envelope: generate replacement next key pair: %w", err)
	}
	if s.cfg.MlockSecrets {
		if err := newNext.mlock(); err != nil {
			s.log.Warn("mlock replacement next key pair failed", logger.Error(err))
		}
	}

	s.mu.Lock()
	retiring := s.current
	promoted := s.next
	s.current = promoted
	s.next = newNext
	s.keyID = promoted.id
	s.expiresAt = time.Now().UTC().Add(s.cfg.KeyRotationInterval)
	s.mu.Unlock()

	if err := promoted.writeToFiles(s.cfg.PrivateKeyPath, s.cfg.PublicKeyPath); err != nil {
		return fmt.Errorf("envelope: persist rotated key pair: %w", err)
	}

	retiring.munlock()
	metrics.KeyRotations.Inc()
	s.log.Info("rotated router key pair", logger.String("key_id", s.keyID))
	return nil
}

// StartRotationTimer runs RotateKeys on cfg.KeyRotationInterval until
// StopRotationTimer is called. It is a no-op if the interval is non-positive.
func (s *Service) StartRotationTimer() {
	if s.cfg.KeyRotationInterval <= 0 {
		return
	}
	s.rotateStop = make(chan struct{})
	s.rotateDone = make(chan struct{})

	go func() {
		defer close(s.rotateDone)
		ticker := time.NewTicker(s.cfg.KeyRotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RotateKeys(); err != nil {
					s.log.Warn("scheduled key rotation failed", logger.Error(err))
				}
			case <-s.rotateStop:
				return
			}
		}
	}()
}

// StopRotationTimer stops the background rotation goroutine started by
// StartRotationTimer, if any, and waits for it to exit.
func (s *Service) StopRotationTimer() {
	if s.rotateStop == nil {
		return
	}
	close(s.rotateStop)
	<-s.rotateDone
	s.rotateStop = nil
	s.rotateDone = nil
}

// LedgerSize exposes the replay ledger's current entry count for /health.
func (s *Service) LedgerSize() int {
	return s.ledger.size()
}
