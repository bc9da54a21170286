package channels

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
)

func testKey(t *testing.T, b byte) *bchec.PrivateKey {
	t.Helper()
	seed := bytes.Repeat([]byte{b}, 32)
	priv, _ := bchec.PrivKeyFromBytes(bchec.S256(), seed)
	require.NotNil(t, priv)
	return priv
}

func testPayoutScript(t *testing.T, key *bchec.PrivateKey) []byte {
	t.Helper()
	addr, err := bchutil.NewAddressPubKeyHash(
		bchutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func testOutpoint() wire.OutPoint {
	hash, _ := chainhash.NewHashFromStr(
		"aa00000000000000000000000000000000000000000000000000000000000bb0")
	return wire.OutPoint{Hash: *hash, Index: 1}
}

func TestFundingScriptKeyOrderIndependent(t *testing.T) {
	a := testKey(t, 1).PubKey()
	b := testKey(t, 2).PubKey()

	script1, err := FundingScript(a, b)
	require.NoError(t, err)
	script2, err := FundingScript(b, a)
	require.NoError(t, err)
	require.Equal(t, script1, script2)
}

func TestFundingAddressIsP2SH(t *testing.T) {
	a := testKey(t, 1).PubKey()
	b := testKey(t, 2).PubKey()

	addr, redeemScript, err := FundingAddress(a, b, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, redeemScript)
	require.IsType(t, &bchutil.AddressScriptHash{}, addr)
}

func TestCommitmentSequenceMapping(t *testing.T) {
	seq, err := CommitmentSequence(0)
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), seq)

	seq, err = CommitmentSequence(5)
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-6), seq)

	// A later state always carries a lower sequence than an earlier one.
	earlier, _ := CommitmentSequence(1)
	later, _ := CommitmentSequence(2)
	require.Less(t, later, earlier)

	_, err = CommitmentSequence(uint64(wire.MaxTxInSequenceNum))
	require.Error(t, err)
}

func TestBuildCommitmentTxDeterministic(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	aliceScript := testPayoutScript(t, alice)
	bobScript := testPayoutScript(t, bob)
	outpoint := testOutpoint()

	// Both parties build the transaction from their own perspective; the
	// serialized results must be identical.
	fromAlice, err := BuildCommitmentTx(outpoint, 1000, 3,
		7000, 3000, aliceScript, bobScript, DefaultCommitmentFee)
	require.NoError(t, err)
	fromBob, err := BuildCommitmentTx(outpoint, 1000, 3,
		3000, 7000, bobScript, aliceScript, DefaultCommitmentFee)
	require.NoError(t, err)
	require.Equal(t, fromAlice.TxHash(), fromBob.TxHash())

	require.Equal(t, int32(2), fromAlice.Version)
	require.Equal(t, uint32(1000), fromAlice.LockTime)
	require.Len(t, fromAlice.TxIn, 1)
	wantSeq, _ := CommitmentSequence(3)
	require.Equal(t, wantSeq, fromAlice.TxIn[0].Sequence)
}

func TestBuildCommitmentTxFeeSplit(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	aliceScript := testPayoutScript(t, alice)
	bobScript := testPayoutScript(t, bob)

	tx, err := BuildCommitmentTx(testOutpoint(), 0, 1,
		7500, 2500, aliceScript, bobScript, 500)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)

	// The 500 satoshi fee splits 375/125 in proportion to the balances.
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
		if bytes.Equal(out.PkScript, aliceScript) {
			require.Equal(t, int64(7500-375), out.Value)
		} else {
			require.Equal(t, int64(2500-125), out.Value)
		}
	}
	require.Equal(t, int64(10000-500), total)
}

func TestBuildCommitmentTxOmitsDust(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	aliceScript := testPayoutScript(t, alice)
	bobScript := testPayoutScript(t, bob)

	tx, err := BuildCommitmentTx(testOutpoint(), 0, 1,
		9800, 200, aliceScript, bobScript, DefaultCommitmentFee)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, aliceScript, tx.TxOut[0].PkScript)

	_, err = BuildCommitmentTx(testOutpoint(), 0, 1,
		300, 200, aliceScript, bobScript, DefaultCommitmentFee)
	require.Error(t, err)
}

func TestBuildSettlementTxFinal(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)

	tx, err := BuildSettlementTx(testOutpoint(), 6000, 4000,
		testPayoutScript(t, alice), testPayoutScript(t, bob),
		DefaultCommitmentFee)
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum), tx.TxIn[0].Sequence)
	require.Equal(t, uint32(0), tx.LockTime)
}

func TestSignAndVerifyStateTx(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	mallory := testKey(t, 3)
	redeemScript, err := FundingScript(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)

	capacity := bchutil.Amount(10000)
	tx, err := BuildCommitmentTx(testOutpoint(), 500, 1,
		7000, 3000, testPayoutScript(t, alice), testPayoutScript(t, bob),
		DefaultCommitmentFee)
	require.NoError(t, err)

	sig, err := SignStateTx(tx, redeemScript, capacity, alice)
	require.NoError(t, err)
	require.True(t, VerifyStateSignature(tx, redeemScript, capacity,
		alice.PubKey(), sig))

	// A signature does not verify under a different key, over a different
	// transaction, or when truncated.
	require.False(t, VerifyStateSignature(tx, redeemScript, capacity,
		mallory.PubKey(), sig))
	otherTx, err := BuildCommitmentTx(testOutpoint(), 500, 2,
		6000, 4000, testPayoutScript(t, alice), testPayoutScript(t, bob),
		DefaultCommitmentFee)
	require.NoError(t, err)
	require.False(t, VerifyStateSignature(otherTx, redeemScript, capacity,
		alice.PubKey(), sig))
	require.False(t, VerifyStateSignature(tx, redeemScript, capacity,
		alice.PubKey(), sig[:8]))
}

func TestMultisigScriptSigOrdering(t *testing.T) {
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	redeemScript, err := FundingScript(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)

	sigA := []byte{0x30, 0x01, 0x41}
	sigB := []byte{0x30, 0x02, 0x41}
	script1, err := MultisigScriptSig(sigA, sigB, alice.PubKey(), bob.PubKey(),
		redeemScript)
	require.NoError(t, err)
	script2, err := MultisigScriptSig(sigB, sigA, bob.PubKey(), alice.PubKey(),
		redeemScript)
	require.NoError(t, err)
	require.Equal(t, script1, script2)
}

func TestNewChannelIDInitiatorFirst(t *testing.T) {
	alice := testKey(t, 1).PubKey()
	bob := testKey(t, 2).PubKey()

	id1, err := NewChannelID(alice, bob)
	require.NoError(t, err)
	id2, err := NewChannelID(alice, bob)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	// Swapping the roles yields a different channel id.
	swapped, err := NewChannelID(bob, alice)
	require.NoError(t, err)
	require.NotEqual(t, id1, swapped)
}
