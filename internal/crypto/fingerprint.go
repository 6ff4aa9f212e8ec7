package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// SafetyNumber derives a short, human-verifiable fingerprint from the raw
// session key bytes: SHA-256 of the key reduced to four 5-digit groups.
// Both peers holding the identical key produce identical output, which is
// the user-facing proof that the handshake was not tampered with.
func SafetyNumber(sessionKey []byte) string {
	sum := sha256.Sum256(sessionKey)

	groups := make([]string, 4)
	for i := range groups {
		v := binary.BigEndian.Uint32(sum[i*4:]) % 100000
		groups[i] = fmt.Sprintf("%05d", v)
	}

	return strings.Join(groups, " ")
}
