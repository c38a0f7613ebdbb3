package batch

import (
	"encoding/base64"
	"encoding/binary"
	"regexp"
	"testing"
	"time"

	"github.com/anchorline/cdc-agent/pkg/change"
)

func encodeSignedInt(n int64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	// Trim leading sign-extension bytes the way a compact two's-complement
	// encoder would, keeping at least one byte.
	i := 0
	for i < 7 && buf[i] == 0x00 && buf[i+1]&0x80 == 0 {
		i++
	}
	return base64.StdEncoding.EncodeToString(buf[i:])
}

var batchIDPattern = regexp.MustCompile(`^BATCH-\d{4}-\d{2}-\d{2}-[0-9a-f]{8}(-T\d+)?$`)

func TestScenarioS1_SingleInsertHeightZero(t *testing.T) {
	acc := NewAccumulator("org1", DefaultConfig(), nil)
	now := time.UnixMilli(1749864039877)

	e := change.Event{
		StreamName: "etrap.public.financial_transactions",
		EntryID:    "1-1",
		Op:         change.OpInsert,
		SourceTSMs: 1749864039877,
		Database:   "public",
		Table:      "financial_transactions",
		After: map[string]interface{}{
			"amount": "D0JA",
		},
	}
	acc.Add(e, EntryRef{StreamName: e.StreamName, EntryID: e.EntryID}, now)

	sealed := acc.EvaluateTriggers(now.Add(DefaultConfig().ForceSealAfter), false)
	if len(sealed) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(sealed))
	}
	b := sealed[0]

	if !batchIDPattern.MatchString(b.ID) {
		t.Errorf("batch id %q does not match expected pattern", b.ID)
	}
	if b.Tree.Height() != 0 {
		t.Errorf("height mismatch: got %d, want 0", b.Tree.Height())
	}
	if b.Tree.RootHex() != b.Transactions[0].Leaf.LeafHash {
		t.Errorf("single-leaf root must equal the leaf hash: root=%s leaf=%s", b.Tree.RootHex(), b.Transactions[0].Leaf.LeafHash)
	}
	if len(b.EntryRefs) != 1 {
		t.Errorf("expected exactly 1 entry ref to ack, got %d", len(b.EntryRefs))
	}
}

func TestScenarioS2_MaxSizeSeal_Height10(t *testing.T) {
	acc := NewAccumulator("org1", DefaultConfig(), nil)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		e := change.Event{
			Database: "public", Table: "orders",
			Op: change.OpInsert, SourceTSMs: now.UnixMilli(),
		}
		acc.Add(e, EntryRef{EntryID: encodeSignedInt(int64(i))}, now.Add(time.Duration(i)*time.Millisecond))
	}

	sealed := acc.EvaluateTriggers(now, false)
	if len(sealed) != 1 {
		t.Fatalf("expected exactly one batch emitted, got %d", len(sealed))
	}
	if sealed[0].Tree.Height() != 10 {
		t.Errorf("tree height mismatch: got %d, want 10", sealed[0].Tree.Height())
	}
	for i, tx := range sealed[0].Transactions {
		if tx.Leaf.Index != i {
			t.Fatalf("leaf index %d does not match transaction position %d", tx.Leaf.Index, i)
		}
	}
}

func TestScenarioS3_ForceSealAfter_OverridesIdle(t *testing.T) {
	cfg := Config{MaxBatchSize: 1000, MinBatchSize: 1, IdleTimeout: 60 * time.Second, ForceSealAfter: 300 * time.Second}
	acc := NewAccumulator("org1", cfg, nil)

	start := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		e := change.Event{Database: "public", Table: "orders", Op: change.OpInsert}
		acc.Add(e, EntryRef{EntryID: "x"}, start.Add(time.Duration(i)*2*time.Minute))
	}

	// 6 minutes later: force_seal_after (5 min) has elapsed since the first
	// insert, even though the consumer is still receiving reads (not an
	// idle return).
	sealed := acc.EvaluateTriggers(start.Add(6*time.Minute), false)
	if len(sealed) != 1 {
		t.Fatalf("expected force-age seal, got %d batches", len(sealed))
	}
	if len(sealed[0].Transactions) != 3 {
		t.Errorf("expected exactly 3 events in the sealed batch, got %d", len(sealed[0].Transactions))
	}
}

func TestIdleTimeout_EmptyBufferNeverSeals(t *testing.T) {
	acc := NewAccumulator("org1", DefaultConfig(), nil)
	sealed := acc.EvaluateTriggers(time.Now().Add(time.Hour), true)
	if len(sealed) != 0 {
		t.Errorf("idle timeout on an empty buffer must not produce a batch, got %d", len(sealed))
	}
}

func TestForceSealAfter_SealsSingleEventBuffer(t *testing.T) {
	cfg := Config{MaxBatchSize: 1000, MinBatchSize: 5, IdleTimeout: 60 * time.Second, ForceSealAfter: 300 * time.Second}
	acc := NewAccumulator("org1", cfg, nil)
	start := time.Unix(0, 0)
	acc.Add(change.Event{Database: "public", Table: "orders"}, EntryRef{EntryID: "x"}, start)

	sealed := acc.EvaluateTriggers(start.Add(301*time.Second), false)
	if len(sealed) != 1 {
		t.Fatalf("force_seal_after must seal even a below-min-size buffer, got %d batches", len(sealed))
	}
}

func TestScenarioS6_GracefulShutdownForceSeal(t *testing.T) {
	acc := NewAccumulator("org1", DefaultConfig(), nil)
	start := time.Now()
	for i := 0; i < 4; i++ {
		acc.Add(change.Event{Database: "public", Table: "orders"}, EntryRef{EntryID: "x"}, start)
	}

	sealed, dropped := acc.ForceSealAll(start.Add(time.Second))
	if len(sealed) != 1 || len(sealed[0].Transactions) != 4 {
		t.Fatalf("expected one 4-event batch on shutdown, got %+v", sealed)
	}
	if dropped != 0 {
		t.Errorf("expected no dropped events, got %d", dropped)
	}
	if acc.HasPending() {
		t.Error("accumulator should have no pending buffers after ForceSealAll")
	}
}

func TestTablesProcessedIndependently(t *testing.T) {
	cfg := Config{MaxBatchSize: 2, MinBatchSize: 1, IdleTimeout: 60 * time.Second, ForceSealAfter: 300 * time.Second}
	acc := NewAccumulator("org1", cfg, nil)
	now := time.Now()

	acc.Add(change.Event{Database: "public", Table: "a"}, EntryRef{EntryID: "a1"}, now)
	acc.Add(change.Event{Database: "public", Table: "a"}, EntryRef{EntryID: "a2"}, now)
	acc.Add(change.Event{Database: "public", Table: "b"}, EntryRef{EntryID: "b1"}, now)

	sealed := acc.EvaluateTriggers(now, false)
	if len(sealed) != 1 {
		t.Fatalf("only table 'a' should seal at max size 2, got %d batches", len(sealed))
	}
	if sealed[0].TableNames[0] != "a" {
		t.Errorf("expected table 'a' to seal first (deterministic key order), got %s", sealed[0].TableNames[0])
	}
	if !acc.HasPending() {
		t.Error("table 'b' buffer should still be pending")
	}
}

func TestBatchIDsUniqueWithinOrg(t *testing.T) {
	acc := NewAccumulator("org1", Config{MaxBatchSize: 1, MinBatchSize: 1, IdleTimeout: time.Second, ForceSealAfter: time.Hour}, nil)
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		acc.Add(change.Event{Database: "public", Table: "orders"}, EntryRef{EntryID: "x"}, now)
		sealed := acc.EvaluateTriggers(now, false)
		for _, b := range sealed {
			if seen[b.ID] {
				t.Fatalf("duplicate batch id %s", b.ID)
			}
			seen[b.ID] = true
		}
	}
}
