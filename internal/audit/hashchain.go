package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opswarden/opswarden/internal/action"
)

// GenesisHash is the prev_hash of the first event in the log.
var GenesisHash = func() string {
	hash := sha256.Sum256([]byte("opswarden-audit-genesis"))
	return hex.EncodeToString(hash[:])
}()

// ComputeHash computes the SHA-256 hash for an audit event, chaining to the previous hash.
func ComputeHash(e *action.AuditEvent) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		e.ID,
		e.ProposalID,
		string(e.Type),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Detail),
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks events in append order and checks hash integrity.
// Returns (valid, brokenAtIndex). If valid is true, all hashes check out.
func VerifyChain(events []*action.AuditEvent) (bool, int) {
	for i, e := range events {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		if i == 0 {
			if e.PrevHash != GenesisHash {
				return false, 0
			}
			continue
		}
		if e.PrevHash != events[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
