// Package cryptoutil wraps the Ed25519 and hashing primitives the
// authentication engine is built on. All signatures are detached, 64-byte,
// deterministic Ed25519 per RFC 8032.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrKeySize is returned when a key has the wrong length.
	ErrKeySize = errors.New("cryptoutil: invalid key size")
	// ErrSignatureSize is returned when a signature is not 64 bytes.
	ErrSignatureSize = errors.New("cryptoutil: invalid signature size")
)

// GenerateKeypair produces a fresh Ed25519 keypair from crypto/rand.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a detached 64-byte signature over message. Signing the same
// message with the same key yields byte-identical output.
func Sign(priv ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrKeySize
	}
	return ed25519.Sign(priv, message), nil
}

// Verify reports whether sig is a valid signature of message under pub.
// Inputs of the wrong length are a typed error rather than a silent false;
// a well-formed but wrong signature is (false, nil).
func Verify(pub ed25519.PublicKey, message, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, ErrKeySize
	}
	if len(sig) != ed25519.SignatureSize {
		return false, ErrSignatureSize
	}
	return ed25519.Verify(pub, message, sig), nil
}

// SHA256 returns the SHA-256 digest of b.
func SHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

// RandomHex returns the lowercase hex encoding of n random bytes. A 32-byte
// input yields the 64-character challenge format.
func RandomHex(n int) (string, error) {
	buf, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
