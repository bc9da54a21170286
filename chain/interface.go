package chain

import (
	"errors"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		"bchd",
		"none",
	}
}

var (
	// ErrBroadcastFailed is returned when the backend rejects or fails to
	// relay a raw transaction.
	ErrBroadcastFailed = errors.New("transaction broadcast failed")

	// ErrUTXOServiceUnavailable is returned when the configured backend
	// cannot enumerate spendable outputs.
	ErrUTXOServiceUnavailable = errors.New("utxo service unavailable")

	// ErrProofUnavailable is returned when a merkle proof for the requested
	// transaction is not available, either because the transaction is still
	// unconfirmed or because the backend does not serve proofs.
	ErrProofUnavailable = errors.New("merkle proof unavailable")
)

// UTXO describes a spendable output owned by the local wallet.
type UTXO struct {
	OutPoint wire.OutPoint
	Amount   bchutil.Amount
	PkScript []byte
}

// Interface allows more than one backing blockchain source, such as a bchd
// RPC chain server or an SPV library, as long as we write a driver for it.
// The channel subsystem only consumes the three on-chain primitives it needs:
// broadcast, unspent output enumeration, and confirmation proofs.
type Interface interface {
	Start() error
	Stop()

	// Broadcast relays the transaction to the network and returns its txid.
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)

	// GetUTXOs returns the spendable outputs for the wallet addresses
	// registered with the backend.
	GetUTXOs() ([]*UTXO, error)

	// GetProof returns a merkle proof demonstrating inclusion of the
	// transaction in a block, or ErrProofUnavailable.
	GetProof(txid *chainhash.Hash) ([]byte, error)

	BackEnd() string
}
