package feed

import "crypto/sha256"

// Fingerprint hashes a raw payload so byte-identical refetches can be
// detected without parsing. Only ever compared for equality.
func Fingerprint(payload []byte) [sha256.Size]byte {
	return sha256.Sum256(payload)
}
