// Package crypto provides ed25519 attestation of served signal payloads.
// Callers that relay signals downstream can verify the payload was produced
// by this service and not altered in transit.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// Attestor signs signal payloads with an ed25519 private key.
type Attestor struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// LoadAttestor reads an ed25519 private key from path. The file may contain
// a PKCS#8 PEM block or a base64-encoded 32-byte seed / 64-byte private key.
func LoadAttestor(path string) (*Attestor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attestation key: %w", err)
	}
	priv, err := parsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse attestation key %s: %w", path, err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Attestor{priv: priv, pub: pub, keyID: keyIDFor(pub)}, nil
}

// NewAttestor wraps an in-memory private key. Used by tests and by callers
// that manage key material themselves.
func NewAttestor(priv ed25519.PrivateKey) *Attestor {
	pub := priv.Public().(ed25519.PublicKey)
	return &Attestor{priv: priv, pub: pub, keyID: keyIDFor(pub)}
}

// KeyID identifies the signing key so verifiers can select the right
// public key during rotation.
func (a *Attestor) KeyID() string { return a.keyID }

// PublicKeyBase64 returns the raw public key, base64-encoded, for publishing
// alongside served signals.
func (a *Attestor) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(a.pub)
}

// Attest signs payload and returns the signature in URL-safe base64.
func (a *Attestor) Attest(payload []byte) string {
	sig := ed25519.Sign(a.priv, payload)
	return base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks a signature produced by Attest against payload.
func Verify(pub ed25519.PublicKey, payload []byte, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// ParsePublicKey decodes a base64 raw ed25519 public key as produced by
// PublicKeyBase64.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(raw); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PEM block is not an ed25519 key")
		}
		return priv, nil
	}
	decoded, err := decodeLooseBase64(string(raw))
	if err != nil {
		return nil, err
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("key must be a %d-byte seed or %d-byte private key, got %d bytes",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
	}
}

func decodeLooseBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("value is not valid base64")
}

func keyIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(sum[:8])
}
