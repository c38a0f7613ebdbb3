package batch

import (
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anchorline/cdc-agent/pkg/change"
	"github.com/anchorline/cdc-agent/pkg/hash"
	"github.com/anchorline/cdc-agent/pkg/merkle"
)

// Config holds the §4.4 trigger tuning.
type Config struct {
	MaxBatchSize   int
	MinBatchSize   int
	IdleTimeout    time.Duration
	ForceSealAfter time.Duration
}

// DefaultConfig returns the §4.4 documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:   1000,
		MinBatchSize:   1,
		IdleTimeout:    60 * time.Second,
		ForceSealAfter: 300 * time.Second,
	}
}

type bufferKey struct {
	Database string
	Table    string
}

type openBuffer struct {
	events   []change.Event
	entries  []EntryRef
	firstAt  time.Time
	lastAt   time.Time
}

// Accumulator maintains one open buffer per observed (database, table)
// key and seals them into Batches under the configured triggers. It owns
// no external clients; the orchestrator wires its sealed Batches onward.
type Accumulator struct {
	mu             sync.Mutex
	organizationID string
	cfg            Config
	buffers        map[bufferKey]*openBuffer
	dailySeq       map[string]int // "date-hex8" -> occurrence count, for id uniqueness
	logger         *log.Logger
}

// NewAccumulator constructs an Accumulator for one organization.
func NewAccumulator(organizationID string, cfg Config, logger *log.Logger) *Accumulator {
	if logger == nil {
		logger = log.New(log.Writer(), "[batch] ", log.LstdFlags)
	}
	return &Accumulator{
		organizationID: organizationID,
		cfg:            cfg,
		buffers:        make(map[bufferKey]*openBuffer),
		dailySeq:       make(map[string]int),
		logger:         logger,
	}
}

// Add appends one event (and the broker entry it came from) to its
// (database, table) buffer, opening the buffer if this is its first event.
func (a *Accumulator) Add(e change.Event, ref EntryRef, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bufferKey{Database: e.Database, Table: e.Table}
	buf, ok := a.buffers[key]
	if !ok {
		buf = &openBuffer{firstAt: now}
		a.buffers[key] = buf
	}
	buf.events = append(buf.events, e)
	buf.entries = append(buf.entries, ref)
	buf.lastAt = now
}

// EvaluateTriggers runs the §4.4 trigger check across every open buffer,
// in deterministic (database,table)-sorted order, and returns the Batches
// sealed as a result. emptyRead must be true only when this evaluation
// follows a consumer read that returned no events — idle-timeout sealing
// is conditioned on that.
func (a *Accumulator) EvaluateTriggers(now time.Time, emptyRead bool) []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]bufferKey, 0, len(a.buffers))
	for k := range a.buffers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].Table < keys[j].Table
	})

	var sealed []*Batch
	for _, key := range keys {
		buf := a.buffers[key]
		if a.shouldSeal(buf, now, emptyRead) {
			b := a.sealLocked(key, buf, now)
			sealed = append(sealed, b)
			delete(a.buffers, key)
		}
	}
	return sealed
}

func (a *Accumulator) shouldSeal(buf *openBuffer, now time.Time, emptyRead bool) bool {
	n := len(buf.events)
	if n == 0 {
		return false
	}
	if n >= a.cfg.MaxBatchSize {
		return true
	}
	if now.Sub(buf.firstAt) >= a.cfg.ForceSealAfter {
		return true
	}
	if emptyRead && n >= a.cfg.MinBatchSize && now.Sub(buf.lastAt) >= a.cfg.IdleTimeout {
		return true
	}
	return false
}

// ForceSealAll seals every buffer that meets MinBatchSize, for graceful
// shutdown. Buffers below MinBatchSize are dropped (returned separately so
// the caller can log them) without being acknowledged, so their events are
// redelivered after restart.
func (a *Accumulator) ForceSealAll(now time.Time) (sealed []*Batch, droppedEvents int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]bufferKey, 0, len(a.buffers))
	for k := range a.buffers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].Table < keys[j].Table
	})

	for _, key := range keys {
		buf := a.buffers[key]
		if len(buf.events) >= a.cfg.MinBatchSize {
			sealed = append(sealed, a.sealLocked(key, buf, now))
		} else {
			droppedEvents += len(buf.events)
		}
		delete(a.buffers, key)
	}
	return sealed, droppedEvents
}

// HasPending reports whether any buffer currently holds events.
func (a *Accumulator) HasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.buffers {
		if len(buf.events) > 0 {
			return true
		}
	}
	return false
}

// sealLocked builds a Batch from buf. Caller must hold a.mu.
func (a *Accumulator) sealLocked(key bufferKey, buf *openBuffer, now time.Time) *Batch {
	id := a.nextBatchIDLocked(now)

	txs := make([]Transaction, len(buf.events))
	leaves := make([][]byte, len(buf.events))
	idx := newIndices()

	for i, e := range buf.events {
		txID := fmt.Sprintf("%s-%d", id, i)

		payload, err := change.Payload(e.Before, e.After)
		if err != nil {
			// Malformed payloads are rejected at parse time (§4.1); a
			// canonicalization failure this late indicates a decode bug,
			// not a bad event, so fail loudly rather than silently drop a
			// leaf and desynchronize tree/transaction ordering.
			a.logger.Panicf("canonicalize payload for %s: %v", txID, err)
		}
		rawHash := hash.Hex(payload)

		leafMeta, err := change.Canonicalize(map[string]interface{}{
			"operation":          string(e.Op),
			"source_timestamp_ms": e.SourceTSMs,
			"database":           e.Database,
			"table":              e.Table,
			"payload_hash":       rawHash,
		})
		if err != nil {
			a.logger.Panicf("canonicalize leaf metadata for %s: %v", txID, err)
		}
		leafHashBytes := hash.Bytes(leafMeta)
		leafHash := hex.EncodeToString(leafHashBytes[:])
		leaves[i] = leafHashBytes[:]

		txs[i] = Transaction{
			ID:         txID,
			SourceTSMs: e.SourceTSMs,
			Op:         e.Op,
			Database:   e.Database,
			Table:      e.Table,
			Before:     e.Before,
			After:      e.After,
			Leaf: MerkleLeaf{
				Index:       i,
				LeafHash:    leafHash,
				RawDataHash: rawHash,
			},
		}

		idx.ByTimestamp[e.SourceTSMs] = txID
		idx.ByOperation[string(e.Op)] = append(idx.ByOperation[string(e.Op)], txID)
		date := time.UnixMilli(e.SourceTSMs).UTC().Format("2006-01-02")
		idx.ByDate[date] = append(idx.ByDate[date], txID)
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		a.logger.Panicf("build merkle tree for %s: %v", id, err)
	}

	return &Batch{
		ID:             id,
		CreatedAtMs:    now.UnixMilli(),
		OrganizationID: a.organizationID,
		DatabaseName:   key.Database,
		TableNames:     []string{key.Table},
		Transactions:   txs,
		Tree:           tree,
		Indices:        idx,
		EntryRefs:      buf.entries,
	}
}

// nextBatchIDLocked generates BATCH-YYYY-MM-DD-<hex8>, appending -T<n>
// only on the (astronomically unlikely) collision of the random suffix
// within the same day, so ids stay unique without coordinating state
// across accumulator instances. The suffix is opaque — an identity token,
// not a sequence number — so it is drawn from a uuid rather than counted.
// Caller must hold a.mu.
func (a *Accumulator) nextBatchIDLocked(now time.Time) string {
	date := now.UTC().Format("2006-01-02")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	base := fmt.Sprintf("BATCH-%s-%s", date, suffix)

	count := a.dailySeq[base]
	a.dailySeq[base] = count + 1
	if count == 0 {
		return base
	}
	return fmt.Sprintf("%s-T%d", base, count+1)
}
