// Package multibase implements the single multibase encoding used on the
// wire: base58btc with the "z" prefix. Signatures, proof values, and did:key
// identifiers all travel in this form.
package multibase

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Prefix is the multibase code for base58btc.
const Prefix = 'z'

// ErrInvalidCharacter is returned when the input contains a character outside
// the Bitcoin base58 alphabet (which excludes 0, O, I and l).
var ErrInvalidCharacter = errors.New("multibase: invalid base58 character")

// Encode returns "z" followed by the base58btc encoding of b. Empty input
// encodes to the bare prefix "z".
func Encode(b []byte) string {
	return string(Prefix) + base58.Encode(b)
}

// Decode decodes a base58btc string. A leading "z" prefix is accepted and
// stripped; the remainder must consist solely of base58 alphabet characters.
func Decode(s string) ([]byte, error) {
	if len(s) > 0 && s[0] == Prefix {
		s = s[1:]
	}
	if s == "" {
		return []byte{}, nil
	}
	out, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCharacter, err)
	}
	return out, nil
}
