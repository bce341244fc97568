package auth

import (
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// fingerprintBucketSeconds is the rotation period of the machine
// fingerprint. Rotating faster invites upstream distrust; never rotating
// invites blocking.
const fingerprintBucketSeconds = 24 * 60 * 60

// Fingerprint derives the per-account machine fingerprint sent upstream:
// a 128-bit BLAKE2b digest over the credential id and the current 24h time
// bucket, rendered as lowercase hex. It must be recomputed per request and
// never cached across buckets.
func Fingerprint(credentialID string, now time.Time) string {
	bucket := now.Unix() / fingerprintBucketSeconds
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(credentialID))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
