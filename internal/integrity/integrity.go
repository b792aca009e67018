// Package integrity provides tamper-evident hashing for job event logs: a
// per-job hash chain over events and a Merkle root sealed into the job row
// when it is archived. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ashita-ai/unso/internal/model"
)

const hashPrefix = "v1:"

// ComputeEventHash returns the chain hash of e given the hash of the event
// before it. Stored hash fields on e are ignored.
func ComputeEventHash(prevHash string, e model.JobEvent) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("integrity: marshal payload: %w", err)
	}
	coords := ""
	if e.Coordinates != nil {
		coords = strconv.FormatFloat(e.Coordinates.Lat, 'f', -1, 64) + "," +
			strconv.FormatFloat(e.Coordinates.Lon, 'f', -1, 64)
	}

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(prevHash)
	writeField(e.JobID.String())
	writeField(strconv.FormatInt(e.Seq, 10))
	writeField(string(e.Kind))
	writeField(string(e.Origin))
	writeField(e.ReportedBy)
	writeField(string(payload))
	writeField(coords)
	writeField(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Chain assigns sequence numbers, previous hashes, and hashes to drafts that
// follow an event with sequence lastSeq and hash lastHash.
func Chain(lastSeq int64, lastHash string, drafts []model.JobEvent) ([]model.JobEvent, error) {
	out := make([]model.JobEvent, len(drafts))
	prev := lastHash
	for i, e := range drafts {
		e.Seq = lastSeq + int64(i) + 1
		e.PrevHash = prev
		h, err := ComputeEventHash(prev, e)
		if err != nil {
			return nil, err
		}
		e.Hash = h
		out[i] = e
		prev = h
	}
	return out, nil
}

// VerifyChain recomputes every hash in a complete, ordered event log. It
// returns the index of the first event that does not verify, or -1.
func VerifyChain(events []model.JobEvent) int {
	prev := ""
	for i, e := range events {
		if e.Seq != int64(i)+1 || e.PrevHash != prev {
			return i
		}
		h, err := ComputeEventHash(prev, e)
		if err != nil || h != e.Hash {
			return i
		}
		prev = e.Hash
	}
	return -1
}

// EventRoot returns the Merkle root over the hashes of events, in log order.
func EventRoot(events []model.JobEvent) string {
	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = e.Hash
	}
	return BuildMerkleRoot(leaves)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// If leaves is empty, returns an empty string. If leaves has one element, the
// root is that element. Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
