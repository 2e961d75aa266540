package progress

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// ContentIdentifier derives a stable cross-device book identifier from the
// book file contents.
func ContentIdentifier(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash book: %w", err)
	}
	return "b2:" + hex.EncodeToString(h.Sum(nil)), nil
}
