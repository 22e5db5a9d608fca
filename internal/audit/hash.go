package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrChainBroken is returned by VerifyChain when an entry does not link to its predecessor.
var ErrChainBroken = errors.New("audit hash chain broken")

// computeHash returns the SHA-256 over the entry's immutable fields and the
// previous entry's hash.
func computeHash(log *AuditLog) string {
	txHash := ""
	if log.TransactionHash != nil {
		txHash = *log.TransactionHash
	}
	parts := []string{
		log.PreviousHash,
		log.ID,
		log.ActorID,
		log.TargetID,
		string(log.Action),
		log.EntityType,
		canonicalMetadata(log.Metadata),
		txHash,
		log.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that logs, ordered oldest first, form an unbroken chain.
func VerifyChain(logs []*AuditLog) error {
	prev := ""
	for i, log := range logs {
		if i > 0 && log.PreviousHash != prev {
			return fmt.Errorf("%w at entry %s: previous hash mismatch", ErrChainBroken, log.ID)
		}
		if computeHash(log) != log.Hash {
			return fmt.Errorf("%w at entry %s: content hash mismatch", ErrChainBroken, log.ID)
		}
		prev = log.Hash
	}
	return nil
}

// canonicalMetadata re-encodes metadata with sorted keys so that storage
// engines which reformat JSON (jsonb) hash identically.
func canonicalMetadata(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
