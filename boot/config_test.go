// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gcash/bchd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestCleanAndExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "data"), cleanAndExpandPath("~/data"))

	t.Setenv("BCHAGENT_TEST_DIR", "/tmp/agent")
	require.Equal(t, "/tmp/agent/data",
		cleanAndExpandPath("$BCHAGENT_TEST_DIR/data"))

	require.Equal(t, "/var/data", cleanAndExpandPath("/var//data/"))
}

func TestNetDir(t *testing.T) {
	cfg := &config{
		AppDataDir: flags.Filename("/data/bchagent"),
		params:     &chaincfg.TestNet3Params,
	}
	require.Equal(t, filepath.Join("/data/bchagent", chaincfg.TestNet3Params.Name),
		cfg.netDir())
}
