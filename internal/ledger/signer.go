package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signer holds the process-wide Ed25519 chain signing key. Constructed once
// at startup and injected; nothing mutates it afterwards, and tests inject
// their own keys.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSigner derives the signing key from a hex-encoded 32-byte seed.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newSigner(priv), nil
}

// GenerateSigner creates a fresh random key. Development and test use; a
// production deployment configures a stable seed so chains remain verifiable
// across restarts.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return newSigner(priv), nil
}

func newSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{
		priv:  priv,
		pub:   pub,
		keyID: hex.EncodeToString(sum[:8]),
	}
}

// KeyID identifies this key in records for future multi-key verification.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign signs a content hash and returns the base64 signature.
func (s *Signer) Sign(contentHash string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(contentHash)))
}

func encodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the base64 public key carried in export bundles.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verifier checks record signatures. It maps key IDs to public keys so a
// chain written under rotated keys stays verifiable record by record.
type Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewVerifier builds a verifier over the known public keys.
func NewVerifier(keys ...ed25519.PublicKey) *Verifier {
	v := &Verifier{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, pub := range keys {
		sum := sha256.Sum256(pub)
		v.keys[hex.EncodeToString(sum[:8])] = pub
	}
	return v
}

// Verify checks the signature over contentHash under the record's key ID.
func (v *Verifier) Verify(keyID, contentHash, signature string) bool {
	pub, ok := v.keys[keyID]
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(contentHash), sig)
}
