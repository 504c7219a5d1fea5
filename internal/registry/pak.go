package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// pakPrefix marks generated credentials so they are recognisable in agent
// config and logs redaction rules.
const pakPrefix = "pak_"

// pakBytes is the entropy of a generated credential.
const pakBytes = 32

// GeneratePAK returns a new raw agent credential. The raw value is handed
// to the caller exactly once and never persisted; only its hash is stored.
func GeneratePAK() (string, error) {
	buf := make([]byte, pakBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return pakPrefix + hex.EncodeToString(buf), nil
}

// HashPAK returns the lowercase hex sha256 digest of a credential. This is
// the only form in which credentials are stored or looked up.
func HashPAK(pak string) string {
	sum := sha256.Sum256([]byte(pak))
	return hex.EncodeToString(sum[:])
}
