// Package ethereum wraps go-ethereum's client and ABI packing into the
// thin surface the anchor minter (C8) needs: connect, send a signed
// contract transaction, and report connectivity for health checks.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethiface "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps a connected EVM JSON-RPC client for one chain.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
	url     string
}

// NewClient dials url and binds to chainID for transaction signing.
func NewClient(url string, chainID int64) (*Client, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum: %w", err)
	}
	return &Client{client: client, chainID: big.NewInt(chainID), url: url}, nil
}

// GetChainID returns the chain ID this client was configured with.
func (c *Client) GetChainID() *big.Int {
	return c.chainID
}

// Health checks connectivity by fetching the latest block number.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("ethereum health check failed: %w", err)
	}
	return nil
}

// ContractCallResult describes a mined transaction's outcome.
type ContractCallResult struct {
	TransactionHash string
	BlockNumber     uint64
	GasUsed         uint64
	GasCost         *big.Int
	Success         bool
	Timestamp       time.Time
}

// SendContractTransaction packs methodName(params...) against abiString,
// signs with privateKeyHex, sends it, and waits for the receipt. Gas price
// is read from the network with a 5 Gwei floor to keep the transaction
// from being stuck in the mempool.
func (c *Client) SendContractTransaction(ctx context.Context, contractAddr common.Address, abiString, privateKeyHex, methodName string, gasLimit uint64, params ...interface{}) (*ContractCallResult, error) {
	contractABI, err := abi.JSON(strings.NewReader(abiString))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	callData, err := contractABI.Pack(methodName, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKeyECDSA)

	nonce, err := c.client.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	minGasPrice := big.NewInt(5 * 1e9)
	if gasPrice.Cmp(minGasPrice) < 0 {
		gasPrice = minGasPrice
	}

	tx := types.NewTransaction(nonce, contractAddr, big.NewInt(0), gasLimit, gasPrice, callData)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.revertReason(ctx, fromAddress, contractAddr, callData, receipt.BlockNumber)
		return nil, fmt.Errorf("transaction reverted: %s", reason)
	}

	return &ContractCallResult{
		TransactionHash: signedTx.Hash().Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
		GasCost:         new(big.Int).Mul(gasPrice, big.NewInt(int64(receipt.GasUsed))),
		Success:         receipt.Status == types.ReceiptStatusSuccessful,
		Timestamp:       time.Now(),
	}, nil
}

// revertReason replays the failed call at its mined block via eth_call to
// recover the contract's revert string (a plain receipt carries only a
// failure status, not the reason). Best-effort: if the replay itself
// cannot be performed, a generic message is returned instead of an error,
// since the caller already has a definite failure to report.
func (c *Client) revertReason(ctx context.Context, from, to common.Address, data []byte, blockNumber *big.Int) string {
	msg := gethiface.CallMsg{From: from, To: &to, Data: data}
	_, err := c.client.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return "unknown reason (status failed, replay succeeded)"
	}
	return err.Error()
}
