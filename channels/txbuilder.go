package channels

import (
	"bytes"
	"errors"
	"sort"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

const (
	// DustThreshold is the minimum output value. Outputs below it are
	// omitted from commitment and settlement transactions and their value
	// implicitly goes to fees.
	DustThreshold = bchutil.Amount(546)

	// DefaultCommitmentFee is the flat fee deducted from commitment and
	// settlement outputs, split between the parties in proportion to
	// their balances.
	DefaultCommitmentFee = bchutil.Amount(500)

	// maxReplaceableSequence is one below the final sequence number. A
	// commitment for channel sequence n carries nSequence
	// maxReplaceableSequence - n so that newer states supersede older
	// ones.
	maxReplaceableSequence = wire.MaxTxInSequenceNum - 1
)

// sortChannelKeys returns the two public keys in lexicographic order of
// their compressed serializations. Both parties apply the same ordering so
// they derive the same funding script independently.
func sortChannelKeys(a, b *bchec.PublicKey) (*bchec.PublicKey, *bchec.PublicKey) {
	if bytes.Compare(a.SerializeCompressed(), b.SerializeCompressed()) > 0 {
		return b, a
	}
	return a, b
}

// FundingScript builds the 2-of-2 CHECKMULTISIG redeem script locking the
// channel funds.
func FundingScript(a, b *bchec.PublicKey) ([]byte, error) {
	first, second := sortChannelKeys(a, b)
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(2)
	builder.AddData(first.SerializeCompressed())
	builder.AddData(second.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// FundingAddress returns the P2SH address wrapping the funding redeem script
// along with the redeem script itself.
func FundingAddress(a, b *bchec.PublicKey, params *chaincfg.Params) (bchutil.Address, []byte, error) {
	redeemScript, err := FundingScript(a, b)
	if err != nil {
		return nil, nil, err
	}
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, nil, err
	}
	return addr, redeemScript, nil
}

// FundingOutput returns the transaction output paying the channel capacity
// into the 2-of-2 P2SH script, plus the redeem script.
func FundingOutput(a, b *bchec.PublicKey, capacity bchutil.Amount,
	params *chaincfg.Params) (*wire.TxOut, []byte, error) {

	addr, redeemScript, err := FundingAddress(a, b, params)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return wire.NewTxOut(int64(capacity), pkScript, wire.TokenData{}), redeemScript, nil
}

// CommitmentSequence maps a channel sequence number onto the nSequence field
// of its commitment transaction. Sequence 0 maps to the maximum replaceable
// value and every payment decrements it, so the latest state carries the
// lowest nSequence.
func CommitmentSequence(channelSequence uint64) (uint32, error) {
	if channelSequence > uint64(maxReplaceableSequence) {
		return 0, errors.New("channel sequence exhausted")
	}
	return maxReplaceableSequence - uint32(channelSequence), nil
}

// buildStateTx builds a transaction spending the funding outpoint into the
// two payout scripts. The flat fee is split in proportion to the balances
// and outputs that end up below the dust threshold are omitted. Outputs are
// ordered by value then script so both parties serialize the identical
// transaction regardless of which side of the channel they see.
func buildStateTx(fundingOutpoint wire.OutPoint, sequence, lockTime uint32,
	balanceA, balanceB bchutil.Amount, scriptA, scriptB []byte,
	fee bchutil.Amount) (*wire.MsgTx, error) {

	total := balanceA + balanceB
	if total <= 0 {
		return nil, errors.New("empty channel state")
	}
	feeA := bchutil.Amount(int64(fee) * int64(balanceA) / int64(total))
	feeB := fee - feeA

	tx := &wire.MsgTx{
		Version: 2,
		TxIn: []*wire.TxIn{
			{
				PreviousOutPoint: fundingOutpoint,
				Sequence:         sequence,
			},
		},
		LockTime: lockTime,
	}

	// Don't add any outputs below the dust limit.
	if balanceA-feeA >= DustThreshold {
		tx.TxOut = append(tx.TxOut,
			wire.NewTxOut(int64(balanceA-feeA), scriptA, wire.TokenData{}))
	}
	if balanceB-feeB >= DustThreshold {
		tx.TxOut = append(tx.TxOut,
			wire.NewTxOut(int64(balanceB-feeB), scriptB, wire.TokenData{}))
	}
	if len(tx.TxOut) == 0 {
		return nil, errors.New("both outputs below dust threshold")
	}

	sort.SliceStable(tx.TxOut, func(i, j int) bool {
		if tx.TxOut[i].Value != tx.TxOut[j].Value {
			return tx.TxOut[i].Value < tx.TxOut[j].Value
		}
		return bytes.Compare(tx.TxOut[i].PkScript, tx.TxOut[j].PkScript) < 0
	})
	return tx, nil
}

// BuildCommitmentTx builds the commitment transaction for the given channel
// state. It is time locked to the channel's nLockTime and its input sequence
// encodes the channel sequence number, making each newer commitment
// replaceable over the last until the lock time passes.
func BuildCommitmentTx(fundingOutpoint wire.OutPoint, nLockTime uint32,
	channelSequence uint64, balanceA, balanceB bchutil.Amount,
	scriptA, scriptB []byte, fee bchutil.Amount) (*wire.MsgTx, error) {

	sequence, err := CommitmentSequence(channelSequence)
	if err != nil {
		return nil, err
	}
	return buildStateTx(fundingOutpoint, sequence, nLockTime,
		balanceA, balanceB, scriptA, scriptB, fee)
}

// BuildSettlementTx builds the cooperative close transaction. It carries the
// final sequence number and no lock time so it is broadcastable immediately.
func BuildSettlementTx(fundingOutpoint wire.OutPoint,
	balanceA, balanceB bchutil.Amount, scriptA, scriptB []byte,
	fee bchutil.Amount) (*wire.MsgTx, error) {

	return buildStateTx(fundingOutpoint, wire.MaxTxInSequenceNum, 0,
		balanceA, balanceB, scriptA, scriptB, fee)
}

// SignStateTx signs the sole input of a commitment or settlement
// transaction with the given key. The returned signature is DER encoded
// with the sighash type appended.
func SignStateTx(tx *wire.MsgTx, redeemScript []byte, capacity bchutil.Amount,
	key *bchec.PrivateKey) ([]byte, error) {

	return txscript.RawTxInECDSASignature(tx, 0, redeemScript,
		txscript.SigHashAll|txscript.SigHashForkID, key, int64(capacity))
}

// VerifyStateSignature checks a counterparty signature over a commitment or
// settlement transaction. The signature is expected in the form produced by
// SignStateTx, with the sighash byte appended.
func VerifyStateSignature(tx *wire.MsgTx, redeemScript []byte,
	capacity bchutil.Amount, pubKey *bchec.PublicKey, sig []byte) bool {

	if len(sig) < 2 {
		return false
	}
	hashType := txscript.SigHashType(sig[len(sig)-1])
	if hashType != txscript.SigHashAll|txscript.SigHashForkID {
		return false
	}
	hash, err := txscript.CalcSignatureHash(redeemScript,
		txscript.NewTxSigHashes(tx), hashType, tx, 0, int64(capacity), true)
	if err != nil {
		return false
	}
	parsed, err := bchec.ParseDERSignature(sig[:len(sig)-1], bchec.S256())
	if err != nil {
		return false
	}
	return parsed.Verify(hash, pubKey)
}

// MultisigScriptSig assembles the unlocking script for the funding input
// from both signatures. Signatures must appear in the same order as their
// keys in the redeem script, so they are sorted by public key here.
func MultisigScriptSig(sigA, sigB []byte, pubA, pubB *bchec.PublicKey,
	redeemScript []byte) ([]byte, error) {

	firstSig, secondSig := sigA, sigB
	if first, _ := sortChannelKeys(pubA, pubB); first != pubA {
		firstSig, secondSig = sigB, sigA
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(firstSig)
	builder.AddData(secondSig)
	builder.AddData(redeemScript)
	return builder.Script()
}
