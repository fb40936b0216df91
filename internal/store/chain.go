package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// genesisHash anchors the first record of a chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainHash computes a record's hash from its predecessor's hash and its
// own immutable fields. SHA3-256 over a fixed field order; any edit to a
// stored record or reordering of the chain changes every later hash.
func chainHash(prevHash string, r *Record) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		prevHash,
		r.ID,
		r.Type,
		r.Severity,
		r.Message,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain over records in append order
// (oldest first). Returns ErrChainBroken naming the first bad record.
func VerifyChain(records []*Record) error {
	prev := genesisHash
	for i, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("%w: record %d (%s) prev hash mismatch", ErrChainBroken, i, r.ID)
		}
		if got := chainHash(prev, r); got != r.Hash {
			return fmt.Errorf("%w: record %d (%s) hash mismatch", ErrChainBroken, i, r.ID)
		}
		prev = r.Hash
	}
	return nil
}
