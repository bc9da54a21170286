package p2pnet

import (
	"fmt"
	"testing"

	"github.com/libp2p/go-libp2p/core/test"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestAddrIsCircuitThrough(t *testing.T) {
	relay, err := test.RandPeerID()
	require.NoError(t, err)
	other, err := test.RandPeerID()
	require.NoError(t, err)

	circuitAddr, err := ma.NewMultiaddr(fmt.Sprintf(
		"/ip4/1.2.3.4/tcp/4001/p2p/%s/p2p-circuit", relay))
	require.NoError(t, err)
	require.True(t, addrIsCircuitThrough(circuitAddr, relay))

	// Circuit through a different relay does not count.
	otherCircuit, err := ma.NewMultiaddr(fmt.Sprintf(
		"/ip4/1.2.3.4/tcp/4001/p2p/%s/p2p-circuit", other))
	require.NoError(t, err)
	require.False(t, addrIsCircuitThrough(otherCircuit, relay))

	// A direct address is never a circuit address.
	direct, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	require.False(t, addrIsCircuitThrough(direct, relay))

	// The relay id appearing as the target, not the relay hop, does not
	// count either.
	asTarget, err := ma.NewMultiaddr(fmt.Sprintf(
		"/ip4/1.2.3.4/tcp/4001/p2p/%s/p2p-circuit/p2p/%s", other, relay))
	require.NoError(t, err)
	require.False(t, addrIsCircuitThrough(asTarget, relay))
}
