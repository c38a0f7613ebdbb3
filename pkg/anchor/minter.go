// Package anchor calls the blockchain's mint_batch endpoint to anchor a
// sealed batch's Merkle root, with exponential-backoff retry and idempotent
// handling of already-minted tokens.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anchorline/cdc-agent/pkg/batch"
	"github.com/anchorline/cdc-agent/pkg/ethereum"
)

// ErrMintFailed is returned after every retry attempt has been exhausted.
var ErrMintFailed = errors.New("mint failed")

// mintBatchABI describes the single method the core calls; read methods
// consumed by the read side are out of scope here.
const mintBatchABI = `[{
	"inputs": [
		{"name": "token_id", "type": "string"},
		{"name": "owner", "type": "address"},
		{"name": "token_metadata", "type": "string"},
		{"name": "batch_summary", "type": "string"}
	],
	"name": "mint_batch",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// Config configures the target contract and owner account.
type Config struct {
	ContractAddress common.Address
	OwnerAddress    common.Address
	PrivateKeyHex   string
	GasLimit        uint64
	AttemptTimeout  time.Duration // per-attempt timeout (§5: 30s)
}

// DefaultConfig applies the §5 per-attempt timeout.
func DefaultConfig() Config {
	return Config{GasLimit: 300_000, AttemptTimeout: 30 * time.Second}
}

// TokenMetadata is the descriptive payload minted alongside the batch
// summary, carrying a reference URL to batch-data.json.
type TokenMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ReferenceURL string `json:"reference_url"`
}

// BatchSummary is the §4.8 batch_summary argument.
type BatchSummary struct {
	DatabaseName        string   `json:"database_name"`
	TableNames          []string `json:"table_names"`
	Timestamp           int64    `json:"timestamp"`
	TxCount             int      `json:"tx_count"`
	MerkleRoot          string   `json:"merkle_root"`
	ObjectStoreBucket   string   `json:"object_store_bucket"`
	ObjectStoreKeyPrefix string  `json:"object_store_key_prefix"`
}

// Minter calls mint_batch with retry.
type Minter struct {
	chain  *ethereum.Client
	cfg    Config
	logger *log.Logger
}

// NewMinter wraps an already-connected chain client.
func NewMinter(chain *ethereum.Client, cfg Config, logger *log.Logger) *Minter {
	if logger == nil {
		logger = log.New(log.Writer(), "[anchor] ", log.LstdFlags)
	}
	return &Minter{chain: chain, cfg: cfg, logger: logger}
}

// Mint anchors b's Merkle root on-chain. It makes up to 3 attempts total,
// waiting 1s before the second and 2s before the third; an "already minted" response from
// any attempt is treated as success (idempotent replay, §4.8/§7).
func (m *Minter) Mint(ctx context.Context, b *batch.Batch, bucket, keyPrefix string) error {
	tokenID := b.ID
	metadata := TokenMetadata{
		Title:        fmt.Sprintf("CDC batch %s", b.ID),
		Description:  fmt.Sprintf("%d transactions across %s.%s", len(b.Transactions), b.DatabaseName, strings.Join(b.TableNames, ",")),
		ReferenceURL: fmt.Sprintf("gs://%s/%s/batch-data.json", bucket, keyPrefix),
	}
	summary := BatchSummary{
		DatabaseName:         b.DatabaseName,
		TableNames:           b.TableNames,
		Timestamp:            b.CreatedAtMs,
		TxCount:              len(b.Transactions),
		MerkleRoot:           b.Tree.RootHex(),
		ObjectStoreBucket:    bucket,
		ObjectStoreKeyPrefix: keyPrefix,
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal token metadata: %v", ErrMintFailed, err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: marshal batch summary: %v", ErrMintFailed, err)
	}

	delays := []time.Duration{0, time.Second, 2 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(delays); attempt++ {
		if delays[attempt] > 0 {
			select {
			case <-time.After(delays[attempt]):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrMintFailed, ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		_, err := m.chain.SendContractTransaction(
			attemptCtx, m.cfg.ContractAddress, mintBatchABI, m.cfg.PrivateKeyHex,
			"mint_batch", m.cfg.GasLimit,
			tokenID, m.cfg.OwnerAddress, string(metadataJSON), string(summaryJSON),
		)
		cancel()

		if err == nil {
			return nil
		}
		if isAlreadyMinted(err) {
			m.logger.Printf("batch %s already minted, treating as success", b.ID)
			return nil
		}
		lastErr = err
		m.logger.Printf("mint attempt %d/%d for batch %s failed: %v", attempt+1, len(delays), b.ID, err)
	}

	return fmt.Errorf("%w: %v", ErrMintFailed, lastErr)
}

// isAlreadyMinted recognizes the contract's dedicated duplicate-token_id
// revert reason, returned as a normal call error by go-ethereum.
func isAlreadyMinted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already minted") || strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate token")
}
