// Package blockstream implements the core ingestion pipeline: a chain-agnostic
// payload model, a polling fetcher that backfills recent blocks and then follows
// the chain tip, a bounded feed channel connecting the fetcher to a consumer,
// and a non-blocking per-tick drain for consumers that run on a fixed cadence.
package blockstream

// TxPayload is a chain-agnostic view of a single transaction within a block.
//
// All fields are plain values copied out of the chain client's wire types at
// fetch time; nothing in this struct references the client's type system.
// Optional fields use the zero value (or nil) to mean "the source did not
// supply this" — values are never fabricated.
type TxPayload struct {
	Hash             string  // transaction hash; empty only if the source omitted it
	Index            int     // position within the block (on-chain transaction index)
	Gas              uint64  // gas provided by the sender
	GasPrice         uint64  // price per gas unit, in the chain's smallest fee unit
	Value            float64 // transferred amount in the chain's native unit (e.g. ether)
	From             string  // sender address; empty if unavailable
	To               string  // recipient address; empty for contract creation
	BlobCount        int     // number of blob hashes carried by the transaction
	MaxFeePerBlobGas *uint64 // max blob fee; nil when the transaction carries no blobs
}

// BlockPayload is a chain-agnostic view of a single fetched block.
//
// A BlockPayload is immutable once constructed: only the fetcher builds it,
// the feed channel transfers ownership of it, and the consumer that drains it
// becomes its sole owner. The pipeline keeps no reference after hand-off.
type BlockPayload struct {
	Number        uint64      // block height; non-decreasing within one stream
	GasUsed       uint64      // total gas consumed by the block
	GasLimit      uint64      // block gas limit; GasUsed <= GasLimit is expected but not enforced
	Timestamp     uint64      // seconds since epoch, as reported by the chain
	TxCount       int         // number of transactions, fixed at construction
	BaseFeePerGas *uint64     // base fee per gas; nil on chains that predate or omit it
	BlobGasUsed   *uint64     // blob gas consumed; nil when absent
	Transactions  []TxPayload // ordered by on-chain transaction index
}
