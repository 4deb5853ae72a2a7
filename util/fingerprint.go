package util

import "golang.org/x/crypto/blake2b"

// FingerprintIDs hashes an ordered list of IDs into a compact digest.
// The runner uses it to verify that a previously scanned batch prefix is
// unchanged before extending results incrementally. IDs are NUL-separated
// so ["ab","c"] and ["a","bc"] hash differently.
func FingerprintIDs(ids []string) []byte {
	h, _ := blake2b.New256(nil)
	var sep [1]byte
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write(sep[:])
	}
	return h.Sum(nil)
}
