// Package observation records every committed state transition of the
// credit subsystem as an immutable, append-only log. Entries are ordered
// by commit order and hash-chained to their predecessor, so external
// consumers (dashboards, analytics) can replay and verify history.
package observation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Kind names the state transition an observation records.
type Kind string

const (
	KindRoleGranted           Kind = "ROLE_GRANTED"
	KindRoleRevoked           Kind = "ROLE_REVOKED"
	KindVehicleRegistered     Kind = "VEHICLE_REGISTERED"
	KindCalculationRecorded   Kind = "CALCULATION_RECORDED"
	KindCalculationVerified   Kind = "CALCULATION_VERIFIED"
	KindCalculationRejected   Kind = "CALCULATION_REJECTED"
	KindCreditsGenerated      Kind = "CREDITS_GENERATED"
	KindCreditsIssued         Kind = "CREDITS_ISSUED"
	KindVehicleTransfer       Kind = "CREDITS_TRANSFERRED_FROM_VEHICLE"
	KindAccountTransfer       Kind = "CREDITS_TRANSFERRED"
	KindCreditsUsed           Kind = "CREDITS_USED"
	KindParameterChanged      Kind = "PARAMETER_CHANGED"
	KindContractRegistered    Kind = "CONTRACT_REGISTERED"
	KindContractUpgraded      Kind = "CONTRACT_UPGRADED"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "genesis"

// Record is a single write-once observation.
type Record struct {
	Sequence    uint64            `json:"sequence"`
	Kind        Kind              `json:"kind"`
	Actor       string            `json:"actor"`
	Fields      map[string]string `json:"fields"`
	Timestamp   time.Time         `json:"timestamp"`
	ContentHash string            `json:"content_hash"`
	PrevHash    string            `json:"prev_hash"`
}

// Log is an append-only, commit-ordered observation sink.
type Log interface {
	// Append commits an observation, assigning the next sequence number.
	Append(ctx context.Context, kind Kind, actor string, fields map[string]string) (*Record, error)

	// Get retrieves an observation by sequence number (1-based).
	Get(ctx context.Context, seq uint64) (*Record, error)

	// List returns up to limit most recent observations, newest first.
	List(ctx context.Context, limit int) ([]*Record, error)

	// Len returns the number of committed observations.
	Len(ctx context.Context) (uint64, error)

	// Verify walks the hash chain and reports the first break, if any.
	Verify(ctx context.Context) error
}

// contentHash computes the canonical hash for an entry. The input is
// JCS-canonicalized so hash values are independent of map iteration and
// encoder quirks.
func contentHash(seq uint64, kind Kind, actor string, fields map[string]string, prevHash string) (string, error) {
	input := struct {
		Seq    uint64            `json:"seq"`
		Kind   Kind              `json:"kind"`
		Actor  string            `json:"actor"`
		Fields map[string]string `json:"fields"`
		Prev   string            `json:"prev"`
	}{seq, kind, actor, fields, prevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("observation: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("observation: canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// verifyChain re-hashes records in sequence order against the chain.
func verifyChain(records []*Record) error {
	prev := genesisHash
	for _, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("observation: chain broken at sequence %d: expected prev %s, got %s", r.Sequence, prev, r.PrevHash)
		}
		computed, err := contentHash(r.Sequence, r.Kind, r.Actor, r.Fields, r.PrevHash)
		if err != nil {
			return err
		}
		if computed != r.ContentHash {
			return fmt.Errorf("observation: hash mismatch at sequence %d", r.Sequence)
		}
		prev = r.ContentHash
	}
	return nil
}
