package qq

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"sync"
)

// The platform publishes a shared secret rather than a key pair. The Ed25519
// seed is the secret's UTF-8 bytes repeated until 32 bytes are available.

type keyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

var keyCache = struct {
	sync.RWMutex
	m map[string]keyPair
}{m: make(map[string]keyPair)}

func deriveSeed(secret string) []byte {
	seed := []byte(secret)
	for len(seed) < ed25519.SeedSize {
		seed = append(seed, seed...)
	}
	return seed[:ed25519.SeedSize]
}

// keysFor returns the cached key pair for secret. ok is false for an empty secret.
func keysFor(secret string) (keyPair, bool) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return keyPair{}, false
	}

	keyCache.RLock()
	kp, ok := keyCache.m[secret]
	keyCache.RUnlock()
	if ok {
		return kp, true
	}

	priv := ed25519.NewKeyFromSeed(deriveSeed(secret))
	kp = keyPair{public: priv.Public().(ed25519.PublicKey), private: priv}

	keyCache.Lock()
	keyCache.m[secret] = kp
	keyCache.Unlock()
	return kp, true
}

// VerifySignature checks a hex Ed25519 signature over timestamp‖body.
// Any malformed input fails closed.
func VerifySignature(secret, signatureHex, timestamp string, body []byte) bool {
	signatureHex = strings.TrimSpace(signatureHex)
	timestamp = strings.TrimSpace(timestamp)
	if signatureHex == "" || timestamp == "" {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	kp, ok := keysFor(secret)
	if !ok {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(kp.public, msg, sig)
}

// Sign returns the hex signature over timestamp‖payload, or "" when the
// secret is empty.
func Sign(secret, timestamp string, payload []byte) string {
	kp, ok := keysFor(secret)
	if !ok {
		return ""
	}
	msg := make([]byte, 0, len(timestamp)+len(payload))
	msg = append(msg, timestamp...)
	msg = append(msg, payload...)
	return hex.EncodeToString(ed25519.Sign(kp.private, msg))
}

// SignValidation answers the callback validation handshake.
func SignValidation(secret, eventTS, plainToken string) string {
	return Sign(secret, eventTS, []byte(plainToken))
}
