package ledger

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/veridiahq/aegis_backend/utils"
)

// GenesisHash is the fixed sentinel used as the previous hash of the first link
// in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash canonicalizes content (stable key ordering), concatenates it with
// previousHash and returns the SHA-256 digest as lowercase hex. Pure and
// deterministic: identical inputs always yield identical output, which is what
// later verification depends on.
func ComputeHash(content any, previousHash string) (string, error) {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	canonical, err := utils.CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
