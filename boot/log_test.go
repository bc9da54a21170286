// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"testing"

	"github.com/gcash/bchlog"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels("info")

	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.Equal(t, bchlog.LevelDebug, channelLog.Level())
	require.Equal(t, bchlog.LevelDebug, peerLog.Level())

	require.NoError(t, parseAndSetDebugLevels("CHAN=trace,PEER=warn"))
	require.Equal(t, bchlog.LevelTrace, channelLog.Level())
	require.Equal(t, bchlog.LevelWarn, peerLog.Level())

	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("NOPE=debug"))
	require.Error(t, parseAndSetDebugLevels("CHAN=loud"))
	require.Error(t, parseAndSetDebugLevels("CHAN"))
}

func TestValidLogLevel(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error", "critical"} {
		require.True(t, validLogLevel(level))
	}
	require.False(t, validLogLevel("INFO"))
	require.False(t, validLogLevel(""))
}

func TestSupportedSubsystems(t *testing.T) {
	subsystems := supportedSubsystems()
	require.Len(t, subsystems, len(subsystemLoggers))
	require.Contains(t, subsystems, "CHAN")
	require.Contains(t, subsystems, "BOOT")
}
