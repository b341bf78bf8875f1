package did

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/agentauth/agentauth-go/internal/multibase"
)

// Multicodec prefix marking an Ed25519 public key.
// See https://github.com/multiformats/multicodec/blob/master/table.csv
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

const didKeyPrefix = "did:key:"

// FromPublicKey encodes an Ed25519 public key as a did:key identifier:
// "did:key:z" + base58btc(0xED 0x01 || key).
func FromPublicKey(pub ed25519.PublicKey) string {
	buf := make([]byte, len(ed25519MulticodecPrefix)+len(pub))
	copy(buf, ed25519MulticodecPrefix)
	copy(buf[len(ed25519MulticodecPrefix):], pub)
	return didKeyPrefix + multibase.Encode(buf)
}

// resolveKey decodes a did:key identifier into its Ed25519 public key. The
// method is fully offline: the identifier is the key.
func resolveKey(identifier string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(identifier, string(multibase.Prefix)) {
		return nil, fmt.Errorf("%w: did:key identifier must start with 'z'", ErrResolutionFailed)
	}
	decoded, err := multibase.Decode(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	expected := len(ed25519MulticodecPrefix) + ed25519.PublicKeySize
	if len(decoded) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrResolutionFailed, expected, len(decoded))
	}
	if decoded[0] != ed25519MulticodecPrefix[0] || decoded[1] != ed25519MulticodecPrefix[1] {
		return nil, fmt.Errorf("%w: expected Ed25519 multicodec 0xed01, got 0x%02x%02x", ErrResolutionFailed, decoded[0], decoded[1])
	}
	return ed25519.PublicKey(decoded[len(ed25519MulticodecPrefix):]), nil
}
