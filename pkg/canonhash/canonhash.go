// Package canonhash hashes values over their canonical JSON encoding.
// Struct fields encode in declaration order and map keys sorted, so equal
// states always hash equal.
package canonhash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

const Prefix = "sha256:"

var ErrMismatch = errors.New("content hash mismatch")

func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return SumBytes(b), b, nil
}

func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// Verify recomputes the hash of v and compares it with want in constant time.
func Verify(v any, want string) error {
	got, _, err := SumObject(v)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(want, Prefix) || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrMismatch
	}
	return nil
}
