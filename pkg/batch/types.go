package batch

import (
	"github.com/anchorline/cdc-agent/pkg/change"
	"github.com/anchorline/cdc-agent/pkg/merkle"
)

// EntryRef identifies one broker stream entry that fed a buffer, carried
// through to acknowledgement once the batch it belongs to fully commits.
type EntryRef struct {
	StreamName string
	EntryID    string
}

// MerkleLeaf pairs a transaction's position with its raw-data and leaf
// hashes (§3). raw-data hash commits to the payload alone; leaf hash
// commits to the full transaction (operation, timestamp, table, payload).
type MerkleLeaf struct {
	Index       int    `json:"index"`
	LeafHash    string `json:"leaf_hash"`
	RawDataHash string `json:"raw_data_hash"`
}

// Transaction is the normalized, immutable form of one ChangeEvent inside
// a sealed Batch.
type Transaction struct {
	ID         string            `json:"transaction_id"`
	SourceTSMs int64             `json:"source_timestamp_ms"`
	Op         change.Operation  `json:"operation"`
	Database   string            `json:"database"`
	Table      string            `json:"table"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Leaf       MerkleLeaf        `json:"merkle_leaf"`
}

// Indices are the three lookup maps persisted alongside a batch's tree.
type Indices struct {
	ByTimestamp map[int64]string    `json:"by_timestamp"`
	ByOperation map[string][]string `json:"by_operation"`
	ByDate      map[string][]string `json:"by_date"`
}

func newIndices() Indices {
	return Indices{
		ByTimestamp: make(map[int64]string),
		ByOperation: make(map[string][]string),
		ByDate:      make(map[string][]string),
	}
}

// Batch is a sealed, immutable group of Transactions plus their Merkle
// tree and search indices. A Batch owns its Transactions and tree
// exclusively; nothing mutates either after sealing.
type Batch struct {
	ID             string
	CreatedAtMs    int64
	OrganizationID string
	DatabaseName   string
	TableNames     []string // sorted; first entry is the canonical object-store prefix
	Transactions   []Transaction
	Tree           *merkle.Tree
	Indices        Indices
	EntryRefs      []EntryRef // broker entries acked only once the batch fully commits
}
