// Package crypto holds the short content digests used to address runtimes
// and staged artifacts.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// DigestLen is the number of hex characters kept from a SHA256 sum.
const DigestLen = 16

// HashBytes returns the short SHA256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:DigestLen]
}

// HashReader returns the short SHA256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:DigestLen], nil
}

// HashFile returns the short SHA256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}
