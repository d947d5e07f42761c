package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	pemBlockPrivate = "X25519 PRIVATE KEY"
	pemBlockPublic  = "X25519 PUBLIC KEY"

	privateKeyMode os.FileMode = 0o600
	publicKeyMode  os.FileMode = 0o644
)

// keyPair holds one X25519 identity: the raw private scalar, its derived
// public key, a short content-derived id, and whether its private bytes
// are currently page-locked.
type keyPair struct {
	private *ecdh.PrivateKey
	public  *ecdh.PublicKey
	id      string
	locked  bool
}

// generateKeyPair creates a fresh ephemeral X25519 identity.
func generateKeyPair() (*keyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return newKeyPairFrom(priv), nil
}

func newKeyPairFrom(priv *ecdh.PrivateKey) *keyPair {
	pub := priv.PublicKey()
	sum := sha256.Sum256(pub.Bytes())
	return &keyPair{
		private: priv,
		public:  pub,
		id:      hex.EncodeToString(sum[:8]),
	}
}

// mlock page-locks the private key bytes when the platform supports it and
// MLOCK_SECRETS is enabled. It is best-effort: a failure is reported to the
// caller to log, but never prevents the router from starting.
func (kp *keyPair) mlock() error {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return nil
	}
	if err := unix.Mlock(kp.private.Bytes()); err != nil {
		return fmt.Errorf("mlock private key: %w", err)
	}
	kp.locked = true
	return nil
}

func (kp *keyPair) munlock() {
	if kp.locked {
		_ = unix.Munlock(kp.private.Bytes())
		kp.locked = false
	}
}

// writeToFiles persists the pair as PEM: the private key owner-read-only,
// the public key world-readable. Mirrors the "explicit chmod after write"
// idiom used for on-disk key material elsewhere in this codebase.
func (kp *keyPair) writeToFiles(privPath, pubPath string) error {
	privBlock := &pem.Block{Type: pemBlockPrivate, Bytes: kp.private.Bytes()}
	pubBlock := &pem.Block{Type: pemBlockPublic, Bytes: kp.public.Bytes()}

	if err := os.WriteFile(privPath, pem.EncodeToMemory(privBlock), privateKeyMode); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.Chmod(privPath, privateKeyMode); err != nil {
		return fmt.Errorf("chmod private key: %w", err)
	}

	if err := os.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), publicKeyMode); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.Chmod(pubPath, publicKeyMode); err != nil {
		return fmt.Errorf("chmod public key: %w", err)
	}
	return nil
}

// loadKeyPairFromFiles reads a previously persisted identity back from disk.
func loadKeyPairFromFiles(privPath, pubPath string) (*keyPair, error) {
	privData, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privBlock, _ := pem.Decode(privData)
	if privBlock == nil || privBlock.Type != pemBlockPrivate {
		return nil, fmt.Errorf("invalid private key PEM at %s", privPath)
	}

	priv, err := ecdh.X25519().NewPrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	kp := newKeyPairFrom(priv)

	// pubPath is informational only (derivable from priv); read it purely
	// to detect an on-disk mismatch from manual tampering.
	if pubData, err := os.ReadFile(pubPath); err == nil {
		if pubBlock, _ := pem.Decode(pubData); pubBlock != nil {
			pub, err := ecdh.X25519().NewPublicKey(pubBlock.Bytes)
			if err != nil {
				return nil, fmt.Errorf("invalid public key PEM at %s: %w", pubPath, err)
			}
			if !pub.Equal(kp.public) {
				return nil, fmt.Errorf("public key at %s does not match private key at %s", pubPath, privPath)
			}
		}
	}

	return kp, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
