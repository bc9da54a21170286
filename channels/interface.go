package channels

import (
	"context"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dcrlabs/bchagent/messaging"
)

// WalletBackend is the interface the channel manager uses to fund and
// publish transactions. It exists to break the import cycle between this
// package and the wallet package.
type WalletBackend interface {
	// NewAddress returns a fresh payout address.
	NewAddress() (bchutil.Address, error)

	// CreateSimpleTx builds and signs a transaction paying the given
	// outputs, selecting inputs and adding change as needed.
	CreateSimpleTx(outputs []*wire.TxOut, feePerByte bchutil.Amount) (*wire.MsgTx, error)

	// PublishTransaction broadcasts a wallet transaction to the network.
	PublishTransaction(tx *wire.MsgTx) error

	// LockOutpoint and UnlockOutpoint exclude an output from coin
	// selection while a funding flow is in progress.
	LockOutpoint(op wire.OutPoint)
	UnlockOutpoint(op wire.OutPoint)
}

// Sender is the messaging surface the manager needs: fire-and-forget sends
// and request/response exchanges with remote peers.
type Sender interface {
	Send(ctx context.Context, to peer.ID, msg *messaging.Message) error
	Exchange(ctx context.Context, to peer.ID, msg *messaging.Message,
		timeout time.Duration) (*messaging.Message, error)
}

// Broadcaster pushes raw transactions to the network through a chain
// service. Settlement transactions go out this way rather than through the
// wallet because the funding input is not a wallet UTXO.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)
}
