package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

// suite is the HPKE algorithm triple required by the spec: an X25519 KEM,
// HKDF-SHA256 as KDF, and ChaCha20-Poly1305 as AEAD. Algorithm identifies
// this choice on the public-keys endpoint.
var suite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

var kemScheme = hpke.KEM_X25519_HKDF_SHA256.Scheme()

// hpkeSeal establishes a one-shot HPKE Base sender context to recipientPub
// and seals plaintext. aad is used both as the HPKE info transcript and as
// the AEAD associated data, binding the encapsulated key to the same
// sequence/request context the caller authenticates against.
func hpkeSeal(recipientPub, plaintext, aad []byte) (enc, ciphertext []byte, err error) {
	rp, err := kemScheme.UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: unmarshal recipient public key: %w", err)
	}

	sender, err := suite.NewSender(rp, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: new sender: %w", err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: sender setup: %w", err)
	}

	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: seal: %w", err)
	}

	return enc, ct, nil
}

// hpkeOpen reverses hpkeSeal using the router's private key and the sender's
// encapsulated key.
func hpkeOpen(priv *ecdh.PrivateKey, enc, ciphertext, aad []byte) ([]byte, error) {
	skR, err := kemScheme.UnmarshalBinaryPrivateKey(priv.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hpke: unmarshal private key: %w", err)
	}

	receiver, err := suite.NewReceiver(skR, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke: new receiver: %w", err)
	}

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("hpke: receiver setup: %w", err)
	}

	pt, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke: open: %w", err)
	}

	return pt, nil
}
