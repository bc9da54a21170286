package wallet

import (
	"errors"
	"sort"
	"sync"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"

	"github.com/dcrlabs/bchagent/chain"
)

const dustThreshold = bchutil.Amount(546)

// ErrInsufficientFunds is returned when coin selection cannot cover the
// requested outputs plus fees.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Wallet is a single-key wallet backed by a chain UTXO service. It funds
// channel opens and pays out settlements; full account management is out of
// its scope.
type Wallet struct {
	key    *bchec.PrivateKey
	params *chaincfg.Params
	chain  chain.Interface

	mtx             sync.Mutex
	lockedOutpoints map[wire.OutPoint]struct{}
}

// New creates a wallet around the given key and chain service.
func New(key *bchec.PrivateKey, params *chaincfg.Params, chainService chain.Interface) *Wallet {
	return &Wallet{
		key:             key,
		params:          params,
		chain:           chainService,
		lockedOutpoints: make(map[wire.OutPoint]struct{}),
	}
}

// Address returns the wallet's P2PKH address.
func (w *Wallet) Address() (bchutil.Address, error) {
	pub := w.key.PubKey()
	return bchutil.NewAddressPubKeyHash(
		bchutil.Hash160(pub.SerializeCompressed()), w.params)
}

// NewAddress returns a payout address. The wallet holds a single key so the
// same address is returned every time.
func (w *Wallet) NewAddress() (bchutil.Address, error) {
	return w.Address()
}

// Balance sums the wallet's spendable outputs.
func (w *Wallet) Balance() (bchutil.Amount, error) {
	if w.chain == nil {
		return 0, chain.ErrUTXOServiceUnavailable
	}
	utxos, err := w.chain.GetUTXOs()
	if err != nil {
		return 0, err
	}
	var total bchutil.Amount
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for _, utxo := range utxos {
		if _, locked := w.lockedOutpoints[utxo.OutPoint]; locked {
			continue
		}
		total += utxo.Amount
	}
	return total, nil
}

// LockOutpoint excludes an output from coin selection.
func (w *Wallet) LockOutpoint(op wire.OutPoint) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.lockedOutpoints[op] = struct{}{}
}

// UnlockOutpoint makes an output available to coin selection again.
func (w *Wallet) UnlockOutpoint(op wire.OutPoint) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	delete(w.lockedOutpoints, op)
}

// estimateSize is a conservative serialize size estimate for a transaction
// with P2PKH inputs.
func estimateSize(numInputs, numOutputs int) int {
	return 10 + numInputs*148 + numOutputs*34
}

// CreateSimpleTx builds and signs a transaction paying the given outputs,
// selecting inputs largest first and returning change to the wallet address
// when it clears the dust threshold.
func (w *Wallet) CreateSimpleTx(outputs []*wire.TxOut,
	feePerByte bchutil.Amount) (*wire.MsgTx, error) {

	if w.chain == nil {
		return nil, chain.ErrUTXOServiceUnavailable
	}
	if feePerByte <= 0 {
		feePerByte = 1
	}
	var target bchutil.Amount
	for _, out := range outputs {
		target += bchutil.Amount(out.Value)
	}

	utxos, err := w.chain.GetUTXOs()
	if err != nil {
		return nil, err
	}
	w.mtx.Lock()
	spendable := make([]*chain.UTXO, 0, len(utxos))
	for _, utxo := range utxos {
		if _, locked := w.lockedOutpoints[utxo.OutPoint]; !locked {
			spendable = append(spendable, utxo)
		}
	}
	w.mtx.Unlock()
	sort.Slice(spendable, func(i, j int) bool {
		return spendable[i].Amount > spendable[j].Amount
	})

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	var selected []*chain.UTXO
	var inputTotal bchutil.Amount
	var fee bchutil.Amount
	for _, utxo := range spendable {
		op := utxo.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil))
		selected = append(selected, utxo)
		inputTotal += utxo.Amount

		// Assume a change output when estimating the fee; if change
		// ends up below dust it just raises the effective fee.
		fee = feePerByte * bchutil.Amount(
			estimateSize(len(selected), len(outputs)+1))
		if inputTotal >= target+fee {
			break
		}
	}
	if inputTotal < target+fee {
		return nil, ErrInsufficientFunds
	}

	change := inputTotal - target - fee
	if change >= dustThreshold {
		addr, err := w.Address()
		if err != nil {
			return nil, err
		}
		changeScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript, wire.TokenData{}))
	}

	for i, utxo := range selected {
		sigScript, err := txscript.SignatureScript(tx, i, int64(utxo.Amount),
			utxo.PkScript, txscript.SigHashAll|txscript.SigHashForkID,
			w.key, true)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	for _, utxo := range selected {
		w.LockOutpoint(utxo.OutPoint)
	}
	return tx, nil
}

// PublishTransaction broadcasts a wallet transaction through the chain
// service.
func (w *Wallet) PublishTransaction(tx *wire.MsgTx) error {
	if w.chain == nil {
		return chain.ErrUTXOServiceUnavailable
	}
	txid, err := w.chain.Broadcast(tx)
	if err != nil {
		// Release the inputs so a later attempt can reuse them.
		for _, in := range tx.TxIn {
			w.UnlockOutpoint(in.PreviousOutPoint)
		}
		return err
	}
	log.Infof("Published transaction %s", txid)
	return nil
}

// SendToAddress pays the given amount to a decoded address and broadcasts
// the transaction.
func (w *Wallet) SendToAddress(addr string, amount bchutil.Amount,
	feePerByte bchutil.Amount) (*chainhash.Hash, error) {

	decoded, err := bchutil.DecodeAddress(addr, w.params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, err
	}
	if amount < dustThreshold {
		return nil, errors.New("amount below dust threshold")
	}
	tx, err := w.CreateSimpleTx([]*wire.TxOut{
		wire.NewTxOut(int64(amount), pkScript, wire.TokenData{}),
	}, feePerByte)
	if err != nil {
		return nil, err
	}
	if err := w.PublishTransaction(tx); err != nil {
		return nil, err
	}
	txid := tx.TxHash()
	return &txid, nil
}
