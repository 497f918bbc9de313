package ethereum

import (
	"math/big"
	"strings"

	"github.com/gabapcia/blockfeed/internal/blockstream"
	"github.com/gabapcia/blockfeed/internal/pkg/types"
)

type (
	// TransactionResponse represents a raw transaction object returned by the
	// Ethereum JSON-RPC API. Numeric fields are hex-encoded strings; fields
	// the node omits stay empty and downgrade to absent payload fields.
	TransactionResponse struct {
		Type                 string   `json:"type"`
		ChainID              string   `json:"chainId"`
		Nonce                string   `json:"nonce"`
		Gas                  string   `json:"gas"`
		GasPrice             string   `json:"gasPrice"`
		MaxFeePerGas         string   `json:"maxFeePerGas"`
		MaxPriorityFeePerGas string   `json:"maxPriorityFeePerGas"`
		MaxFeePerBlobGas     string   `json:"maxFeePerBlobGas"`
		BlobVersionedHashes  []string `json:"blobVersionedHashes"`
		From                 string   `json:"from"`
		To                   string   `json:"to"`
		Value                string   `json:"value"`
		Input                string   `json:"input"`
		Hash                 string   `json:"hash"`
		BlockHash            string   `json:"blockHash"`
		BlockNumber          string   `json:"blockNumber"`
		TransactionIndex     string   `json:"transactionIndex"`
	}

	// BlockResponse represents the structure of a block returned by the
	// Ethereum JSON-RPC API. Only Number must parse; every other field is
	// optional and downgrades gracefully.
	BlockResponse struct {
		Hash          string                `json:"hash"`
		ParentHash    string                `json:"parentHash"`
		Miner         string                `json:"miner"`
		Number        types.Hex             `json:"number"`
		GasLimit      string                `json:"gasLimit"`
		GasUsed       string                `json:"gasUsed"`
		Timestamp     string                `json:"timestamp"`
		BaseFeePerGas string                `json:"baseFeePerGas"`
		BlobGasUsed   string                `json:"blobGasUsed"`
		ExcessBlobGas string                `json:"excessBlobGas"`
		Size          string                `json:"size"`
		Transactions  []TransactionResponse `json:"transactions"`
	}
)

// hexToUint64 decodes a hex-encoded quantity, returning zero for empty or
// malformed input. Parse failures downgrade rather than fail the block.
func hexToUint64(s string) uint64 {
	return types.Hex(s).Uint64()
}

// hexToUint64Ptr decodes a hex-encoded quantity into a pointer, returning nil
// when the field is absent or malformed.
func hexToUint64Ptr(s string) *uint64 {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil
	}

	v, ok := new(big.Int).SetString(s[2:], 16)
	if !ok || !v.IsUint64() {
		return nil
	}

	u := v.Uint64()
	return &u
}

// hexToNativeUnit converts a hex-encoded amount in the chain's smallest unit
// (e.g. wei) into the native unit (e.g. ether) using the configured decimals.
// Amounts routinely exceed 64 bits, so the conversion goes through big
// numbers before collapsing to float64.
func hexToNativeUnit(s string, decimals int) float64 {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0
	}

	raw, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return 0
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		new(big.Float).SetInt(scale),
	).Float64()

	return value
}

// toTxPayload converts a TransactionResponse to a chain-agnostic
// blockstream.TxPayload. index is the transaction's position within the
// block, which equals its on-chain transaction index.
func (t TransactionResponse) toTxPayload(index, decimals int) blockstream.TxPayload {
	return blockstream.TxPayload{
		Hash:             t.Hash,
		Index:            index,
		Gas:              hexToUint64(t.Gas),
		GasPrice:         hexToUint64(t.GasPrice),
		Value:            hexToNativeUnit(t.Value, decimals),
		From:             t.From,
		To:               t.To, // empty for contract creation
		BlobCount:        len(t.BlobVersionedHashes),
		MaxFeePerBlobGas: hexToUint64Ptr(t.MaxFeePerBlobGas),
	}
}

// toBlockPayload converts a BlockResponse to a chain-agnostic
// blockstream.BlockPayload. The conversion is a single value copy: the
// payload holds nothing from this package's type system.
func (b BlockResponse) toBlockPayload(decimals int) blockstream.BlockPayload {
	transactions := make([]blockstream.TxPayload, len(b.Transactions))
	for i, t := range b.Transactions {
		transactions[i] = t.toTxPayload(i, decimals)
	}

	return blockstream.BlockPayload{
		Number:        b.Number.Uint64(),
		GasUsed:       hexToUint64(b.GasUsed),
		GasLimit:      hexToUint64(b.GasLimit),
		Timestamp:     hexToUint64(b.Timestamp),
		TxCount:       len(transactions),
		BaseFeePerGas: hexToUint64Ptr(b.BaseFeePerGas),
		BlobGasUsed:   hexToUint64Ptr(b.BlobGasUsed),
		Transactions:  transactions,
	}
}
