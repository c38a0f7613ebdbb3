// Package artifact composes the three stable-serialized JSON documents
// published for each sealed batch: the full batch body, a standalone
// Merkle tree, and the three search indices.
package artifact

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/anchorline/cdc-agent/pkg/batch"
)

const agentVersion = "1.0.0"

// BatchInfo is the descriptive header carried in batch-data.json's
// `batch_info` field.
type BatchInfo struct {
	BatchID        string   `json:"batch_id"`
	CreatedAt      int64    `json:"created_at"`
	OrganizationID string   `json:"organization_id"`
	DatabaseName   string   `json:"database_name"`
	TableNames     []string `json:"table_names"`
	AgentVersion   string   `json:"agent_version"`
}

// TransactionDoc is one entry in batch-data.json's `transactions` list.
type TransactionDoc struct {
	Metadata   batch.Transaction `json:"metadata"`
	MerkleLeaf batch.MerkleLeaf  `json:"merkle_leaf"`
}

// TreeDoc is the shared shape of `merkle_tree` inside the batch body and
// of the standalone tree document.
type TreeDoc struct {
	Algorithm  string              `json:"algorithm"`
	Root       string              `json:"root"`
	Height     int                 `json:"height"`
	Nodes      [][]string          `json:"nodes"`
	ProofIndex map[string][]ProofStepDoc `json:"proof_index"`
}

// ProofStepDoc is one step of a leaf's proof path in serialized form.
type ProofStepDoc struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// BatchBodyDoc is the full batch-data.json document.
type BatchBodyDoc struct {
	BatchInfo    BatchInfo        `json:"batch_info"`
	Transactions []TransactionDoc `json:"transactions"`
	MerkleTree   TreeDoc          `json:"merkle_tree"`
	Indices      IndicesDoc       `json:"indices"`
}

// IndicesDoc holds the three named index documents together, and also the
// shape used when each index is published as its own object.
type IndicesDoc struct {
	ByTimestamp map[string]string   `json:"by_timestamp"`
	ByOperation map[string][]string `json:"by_operation"`
	ByDate      map[string][]string `json:"by_date"`
}

// Bundle is the three composed documents, ready for the object-store
// publisher to marshal and upload.
type Bundle struct {
	BatchBody   BatchBodyDoc
	Tree        TreeDoc
	ByTimestamp map[string]string
	ByOperation map[string][]string
	ByDate      map[string][]string
}

// Compose builds the three documents from a sealed Batch.
func Compose(b *batch.Batch) (Bundle, error) {
	tableNames := append([]string(nil), b.TableNames...)
	sort.Strings(tableNames)

	proofIndex, err := b.Tree.ProofIndex()
	if err != nil {
		return Bundle{}, err
	}
	tree := TreeDoc{
		Algorithm:  "sha256",
		Root:       b.Tree.RootHex(),
		Height:     b.Tree.Height(),
		Nodes:      b.Tree.LevelsHex(),
		ProofIndex: make(map[string][]ProofStepDoc, len(proofIndex)),
	}
	for i, proof := range proofIndex {
		steps := make([]ProofStepDoc, len(proof.Path))
		for j, step := range proof.Path {
			steps[j] = ProofStepDoc{Hash: step.Hash, Position: string(step.Position)}
		}
		tree.ProofIndex[strconv.Itoa(i)] = steps
	}

	txDocs := make([]TransactionDoc, len(b.Transactions))
	for i, tx := range b.Transactions {
		txDocs[i] = TransactionDoc{Metadata: tx, MerkleLeaf: tx.Leaf}
	}

	byTimestamp := make(map[string]string, len(b.Indices.ByTimestamp))
	for ts, txID := range b.Indices.ByTimestamp {
		byTimestamp[strconv.FormatInt(ts, 10)] = txID
	}

	info := BatchInfo{
		BatchID:        b.ID,
		CreatedAt:      b.CreatedAtMs,
		OrganizationID: b.OrganizationID,
		DatabaseName:   b.DatabaseName,
		TableNames:     tableNames,
		AgentVersion:   agentVersion,
	}

	return Bundle{
		BatchBody: BatchBodyDoc{
			BatchInfo:    info,
			Transactions: txDocs,
			MerkleTree:   tree,
			Indices: IndicesDoc{
				ByTimestamp: byTimestamp,
				ByOperation: b.Indices.ByOperation,
				ByDate:      b.Indices.ByDate,
			},
		},
		Tree:        tree,
		ByTimestamp: byTimestamp,
		ByOperation: b.Indices.ByOperation,
		ByDate:      b.Indices.ByDate,
	}, nil
}

// MarshalStable serializes v with sorted object keys and no insignificant
// whitespace, matching §4.6's "stable-serialized" requirement. json.Marshal
// emits struct fields in declaration order, so v is first marshaled, then
// decoded into generic maps (numbers kept as json.Number) and marshaled
// again, which sorts every object's keys.
func MarshalStable(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
