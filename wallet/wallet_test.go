package wallet

import (
	"bytes"
	"testing"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/stretchr/testify/require"

	"github.com/dcrlabs/bchagent/chain"
)

type mockChain struct {
	utxos        []*chain.UTXO
	broadcastErr error
	broadcasted  []*wire.MsgTx
}

func (c *mockChain) Start() error { return nil }
func (c *mockChain) Stop()        {}

func (c *mockChain) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	if c.broadcastErr != nil {
		return nil, c.broadcastErr
	}
	c.broadcasted = append(c.broadcasted, tx)
	h := tx.TxHash()
	return &h, nil
}

func (c *mockChain) GetUTXOs() ([]*chain.UTXO, error) { return c.utxos, nil }

func (c *mockChain) GetProof(txid *chainhash.Hash) ([]byte, error) {
	return nil, chain.ErrProofUnavailable
}

func (c *mockChain) BackEnd() string { return "mock" }

func newTestWallet(t *testing.T, amounts ...bchutil.Amount) (*Wallet, *mockChain) {
	t.Helper()
	seed := bytes.Repeat([]byte{0x07}, 32)
	key, _ := bchec.PrivKeyFromBytes(bchec.S256(), seed)
	require.NotNil(t, key)

	backend := &mockChain{}
	w := New(key, &chaincfg.RegressionNetParams, backend)

	addr, err := w.Address()
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	for i, amount := range amounts {
		backend.utxos = append(backend.utxos, &chain.UTXO{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
			Amount:   amount,
			PkScript: pkScript,
		})
	}
	return w, backend
}

func TestAddressIsStable(t *testing.T) {
	w, _ := newTestWallet(t)
	a, err := w.Address()
	require.NoError(t, err)
	b, err := w.NewAddress()
	require.NoError(t, err)
	require.Equal(t, a.String(), b.String())
}

func TestBalance(t *testing.T) {
	w, backend := newTestWallet(t, 5000, 20000, 1000)
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(26000), balance)

	// Locked outpoints are not spendable.
	w.LockOutpoint(backend.utxos[1].OutPoint)
	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(6000), balance)

	w.UnlockOutpoint(backend.utxos[1].OutPoint)
	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(26000), balance)
}

func TestNoChainBackend(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	key, _ := bchec.PrivKeyFromBytes(bchec.S256(), seed)
	w := New(key, &chaincfg.RegressionNetParams, nil)

	_, err := w.Balance()
	require.ErrorIs(t, err, chain.ErrUTXOServiceUnavailable)
	_, err = w.CreateSimpleTx(nil, 1)
	require.ErrorIs(t, err, chain.ErrUTXOServiceUnavailable)
	err = w.PublishTransaction(wire.NewMsgTx(wire.TxVersion))
	require.ErrorIs(t, err, chain.ErrUTXOServiceUnavailable)
}

func TestCreateSimpleTxSelectsLargestFirst(t *testing.T) {
	w, backend := newTestWallet(t, 5000, 20000, 1000)

	out := wire.NewTxOut(10000, backend.utxos[0].PkScript, wire.TokenData{})
	tx, err := w.CreateSimpleTx([]*wire.TxOut{out}, 1)
	require.NoError(t, err)

	// The 20000 output alone covers target plus fee.
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, backend.utxos[1].OutPoint, tx.TxIn[0].PreviousOutPoint)
	require.NotEmpty(t, tx.TxIn[0].SignatureScript)

	// Change comes back above the dust threshold: 20000 - 10000 - fee.
	require.Len(t, tx.TxOut, 2)
	fee := bchutil.Amount(estimateSize(1, 2))
	require.Equal(t, int64(20000-10000)-int64(fee), tx.TxOut[1].Value)

	// Selected inputs are locked until publish or release.
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(6000), balance)
}

func TestCreateSimpleTxDustChangeOmitted(t *testing.T) {
	w, backend := newTestWallet(t, 10500)

	out := wire.NewTxOut(10000, backend.utxos[0].PkScript, wire.TokenData{})
	tx, err := w.CreateSimpleTx([]*wire.TxOut{out}, 1)
	require.NoError(t, err)

	// 10500 - 10000 leaves less than dust after fees; the remainder goes
	// to fees instead of a change output.
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, int64(10000), tx.TxOut[0].Value)
}

func TestCreateSimpleTxInsufficientFunds(t *testing.T) {
	w, backend := newTestWallet(t, 5000)

	out := wire.NewTxOut(10000, backend.utxos[0].PkScript, wire.TokenData{})
	_, err := w.CreateSimpleTx([]*wire.TxOut{out}, 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestPublishFailureReleasesInputs(t *testing.T) {
	w, backend := newTestWallet(t, 20000)

	out := wire.NewTxOut(10000, backend.utxos[0].PkScript, wire.TokenData{})
	tx, err := w.CreateSimpleTx([]*wire.TxOut{out}, 1)
	require.NoError(t, err)
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(0), balance)

	backend.broadcastErr = chain.ErrBroadcastFailed
	err = w.PublishTransaction(tx)
	require.ErrorIs(t, err, chain.ErrBroadcastFailed)

	// The failed publish released the inputs for a retry.
	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, bchutil.Amount(20000), balance)
}

func TestSendToAddress(t *testing.T) {
	w, backend := newTestWallet(t, 50000)
	addr, err := w.Address()
	require.NoError(t, err)

	txid, err := w.SendToAddress(addr.String(), 10000, 1)
	require.NoError(t, err)
	require.NotNil(t, txid)
	require.Len(t, backend.broadcasted, 1)
	require.Equal(t, *txid, backend.broadcasted[0].TxHash())

	_, err = w.SendToAddress(addr.String(), 100, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dust")

	_, err = w.SendToAddress("definitely not an address", 10000, 1)
	require.Error(t, err)
}
