// Package canonicaljson produces the deterministic byte serialization used
// throughout the core for hashing and signing: lexicographically sorted
// keys, no insignificant whitespace, UTF-8, no exponent notation, no
// duplicate keys. It is a thin wrapper over the teacher's own dependency,
// docker/go/canonical/json, rather than a hand-rolled encoder.
package canonicaljson

import (
	"crypto/sha256"
	"encoding/hex"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	b, err := cjson.MarshalCanonical(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical json marshal")
	}
	return b, nil
}

// MustMarshal is Marshal but panics on error; only safe for values whose
// shape is statically known to be canonicalizable (no channels, funcs, or
// cyclic structures).
func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal parses canonical (or any well-formed) JSON into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := cjson.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "canonical json unmarshal")
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashAndLength canonicalizes v and returns the length of its canonical
// bytes and the SHA-256 hex digest of those bytes, as used in every
// MetaEntry the role generation engine produces.
func HashAndLength(v interface{}) (length int64, sha256hex string, err error) {
	b, err := Marshal(v)
	if err != nil {
		return 0, "", err
	}
	return int64(len(b)), SHA256Hex(b), nil
}
