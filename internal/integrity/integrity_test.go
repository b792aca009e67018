package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

func sampleLog(t *testing.T) []model.JobEvent {
	t.Helper()
	jobID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	drafts := []model.JobEvent{
		{JobID: jobID, Kind: model.EventJobAccepted, Origin: model.OriginAuthority, OccurredAt: at},
		{JobID: jobID, Kind: model.EventDeparted, Origin: model.OriginAgent, ReportedBy: "driver-1", OccurredAt: at.Add(time.Minute)},
		{
			JobID: jobID, Kind: model.EventIntegrityLoss, Origin: model.OriginAgent, ReportedBy: "driver-1",
			Payload:     model.Payload{Cause: string(model.CauseRollover), Estimate: 5, Deduction: 33},
			Coordinates: &model.Coordinates{Lat: 35.68, Lon: 139.76},
			OccurredAt:  at.Add(2 * time.Minute),
		},
	}
	events, err := Chain(0, "", drafts)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	return events
}

func TestChainAssignsSequenceAndLinks(t *testing.T) {
	events := sampleLog(t)
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d: seq %d", i, e.Seq)
		}
		if len(e.Hash) != len(hashPrefix)+64 {
			t.Fatalf("event %d: unexpected hash %q", i, e.Hash)
		}
		if i > 0 && e.PrevHash != events[i-1].Hash {
			t.Fatalf("event %d not linked to predecessor", i)
		}
	}
	if got := VerifyChain(events); got != -1 {
		t.Fatalf("expected valid chain, first bad index %d", got)
	}
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	events := sampleLog(t)
	h, err := ComputeEventHash(events[1].Hash, events[2])
	if err != nil {
		t.Fatal(err)
	}
	if h != events[2].Hash {
		t.Fatalf("recomputed hash differs: %q != %q", h, events[2].Hash)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	events := sampleLog(t)
	events[2].Payload.Deduction = 1
	if got := VerifyChain(events); got != 2 {
		t.Fatalf("expected tampering at index 2, got %d", got)
	}

	events = sampleLog(t)
	events = append(events[:1], events[2:]...)
	if got := VerifyChain(events); got != 1 {
		t.Fatalf("expected gap at index 1, got %d", got)
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	if BuildMerkleRoot(nil) != "" {
		t.Fatal("empty leaves should produce empty root")
	}
	if BuildMerkleRoot([]string{"a"}) != "a" {
		t.Fatal("single leaf should be its own root")
	}
	r3 := BuildMerkleRoot([]string{"a", "b", "c"})
	want := hashPair(hashPair("a", "b"), hashPair("c", "c"))
	if r3 != want {
		t.Fatalf("three-leaf root mismatch: %q != %q", r3, want)
	}
	if BuildMerkleRoot([]string{"b", "a", "c"}) == r3 {
		t.Fatal("leaf order must affect the root")
	}
}

func TestEventRoot(t *testing.T) {
	events := sampleLog(t)
	root := EventRoot(events)
	if root == "" || root == EventRoot(events[:2]) {
		t.Fatal("root should cover every event")
	}
}
