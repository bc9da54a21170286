// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"github.com/dcrlabs/bchagent/messaging"
)

// Inbound text must be consumed so the agent notification fan-out runs;
// an unconsumed message is warn-dropped without waking the agent.
func TestAcceptTextConsumes(t *testing.T) {
	from, err := test.RandPeerID()
	require.NoError(t, err)
	to, err := test.RandPeerID()
	require.NoError(t, err)

	subscriber := acceptText()

	msg, err := messaging.NewMessage(messaging.TypeText, from, to,
		messaging.TextPayload{Content: "wake up"})
	require.NoError(t, err)
	reply, consumed := subscriber(context.Background(), from, msg)
	require.Nil(t, reply)
	require.True(t, consumed)

	// A text envelope with a broken payload is not consumed.
	bad, err := messaging.NewMessage(messaging.TypeText, from, to, nil)
	require.NoError(t, err)
	bad.Payload = []byte("{")
	_, consumed = subscriber(context.Background(), from, bad)
	require.False(t, consumed)
}
