package chain

import (
	"encoding/hex"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/rpcclient"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// RPCClientConfig holds the connection details for a bchd RPC backend.
type RPCClientConfig struct {
	Host string
	User string
	Pass string

	// Certificates is the PEM-encoded TLS certificate chain of the server.
	// If empty the connection is made without TLS.
	Certificates []byte
}

// RPCService is an Interface implementation backed by a bchd full node
// reached over its JSON-RPC interface.
type RPCService struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

// NewRPCService establishes a client connection to the configured bchd
// instance. The connection itself is lazy; Start verifies it.
func NewRPCService(cfg *RPCClientConfig, params *chaincfg.Params) (*RPCService, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   len(cfg.Certificates) == 0,
		Certificates: cfg.Certificates,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}
	return &RPCService{client: client, params: params}, nil
}

// Start pings the backend to verify connectivity.
func (s *RPCService) Start() error {
	return s.client.Ping()
}

// Stop shuts down the RPC client and waits for it to finish.
func (s *RPCService) Stop() {
	s.client.Shutdown()
	s.client.WaitForShutdown()
}

// Broadcast relays the transaction to the network and returns its txid.
func (s *RPCService) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	txid, err := s.client.SendRawTransaction(tx, false)
	if err != nil {
		log.Errorf("Broadcast of %v failed: %v", tx.TxHash(), err)
		return nil, ErrBroadcastFailed
	}
	return txid, nil
}

// GetUTXOs returns the spendable outputs known to the backend wallet.
func (s *RPCService) GetUTXOs() ([]*UTXO, error) {
	results, err := s.client.ListUnspent()
	if err != nil {
		return nil, ErrUTXOServiceUnavailable
	}
	utxos := make([]*UTXO, 0, len(results))
	for _, r := range results {
		if !r.Spendable {
			continue
		}
		txid, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			continue
		}
		amount, err := bchutil.NewAmount(r.Amount)
		if err != nil {
			continue
		}
		script, err := hex.DecodeString(r.ScriptPubKey)
		if err != nil {
			continue
		}
		utxos = append(utxos, &UTXO{
			OutPoint: *wire.NewOutPoint(txid, r.Vout),
			Amount:   amount,
			PkScript: script,
		})
	}
	return utxos, nil
}

// GetProof is unimplemented for the bchd backend. bchd does not serve
// gettxoutproof, so callers receive ErrProofUnavailable and treat the
// transaction as not-yet-proven.
func (s *RPCService) GetProof(txid *chainhash.Hash) ([]byte, error) {
	return nil, ErrProofUnavailable
}

// BackEnd returns the name of the driver.
func (s *RPCService) BackEnd() string {
	return "bchd"
}
