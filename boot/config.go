// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
	flags "github.com/jessevdk/go-flags"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dcrlabs/bchagent/internal/cfgutil"
)

const (
	defaultConfigFilename   = "bchagent.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "bchagent.log"
	defaultListenPort       = 4747
	defaultRPCListen        = "127.0.0.1:8445"
	defaultAnnounceInterval = time.Minute * 5
	defaultHealthInterval   = time.Second * 10
	defaultRelayWait        = time.Second * 10
	defaultChannelLifetime  = time.Hour * 24 * 30
	defaultFeePerByte       = 1
)

var (
	defaultAppDataDir = bchutil.AppDataDir("bchagent", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	ShowVersion bool           `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  flags.Filename `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  flags.Filename `short:"A" long:"appdata" description:"Application data directory for identity keys, database, and logs"`
	LogDir      string         `long:"logdir" description:"Directory to log output"`
	DebugLevel  string         `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`

	Port             int           `long:"port" description:"Port to listen for libp2p connections on"`
	BootstrapPeers   []string      `long:"bootstrappeer" description:"Multiaddr of a peer to connect to at startup (may be repeated)"`
	AnnounceAddrs    []string      `long:"announceaddr" description:"Multiaddr to announce in place of the discovered ones (may be repeated)"`
	RelayPeer        string        `long:"relaypeer" description:"Multiaddr of the circuit relay to hold a reservation with"`
	RelayWait        time.Duration `long:"relaywait" description:"How long to wait for the relay reservation at startup"`
	HealthInterval   time.Duration `long:"healthinterval" description:"Interval between relay health checks"`
	AnnounceInterval time.Duration `long:"announceinterval" description:"Interval between service announcements"`
	EnableMDNS       bool          `long:"mdns" description:"Enable mdns peer discovery on the local network"`

	RPCListen      string `long:"rpclisten" description:"Interface:port for the HTTP API (loopback only by default)"`
	AgentHookURL   string `long:"agenthookurl" description:"Base URL of the local agent webhook to wake on inbound messages"`
	AgentHookToken string `long:"agenthooktoken" description:"Bearer token for the agent webhook"`

	BchdRPC  string         `long:"bchdrpc" description:"Host:port of the bchd RPC interface"`
	BchdUser string         `long:"bchduser" description:"bchd RPC username"`
	BchdPass string         `long:"bchdpass" default-mask:"-" description:"bchd RPC password"`
	BchdCert flags.Filename `long:"bchdcert" description:"Path to the bchd RPC TLS certificate"`

	AutoAcceptBelow   *cfgutil.AmountFlag `long:"autoacceptbelow" description:"Accept inbound channels below this capacity without approval (0 requires approval for all)"`
	AcceptAllChannels bool                `long:"acceptallchannels" description:"Accept every inbound channel open regardless of capacity"`
	MinCapacity       *cfgutil.AmountFlag `long:"minchannelcapacity" description:"Smallest acceptable channel capacity"`
	MaxCapacity       *cfgutil.AmountFlag `long:"maxchannelcapacity" description:"Largest acceptable channel capacity (0 for no limit)"`
	ChannelLifetime   time.Duration       `long:"channellifetime" description:"Lifetime of outbound channels before their commitments unlock"`
	FeePerByte        int64               `long:"feeperbyte" description:"Fee rate in satoshis per byte for funding transactions"`

	params *chaincfg.Params
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		ConfigFile:       flags.Filename(defaultConfigFile),
		AppDataDir:       flags.Filename(defaultAppDataDir),
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
		Port:             defaultListenPort,
		RelayWait:        defaultRelayWait,
		HealthInterval:   defaultHealthInterval,
		AnnounceInterval: defaultAnnounceInterval,
		RPCListen:        defaultRPCListen,
		AutoAcceptBelow:  cfgutil.NewAmountFlag(0),
		MinCapacity:      cfgutil.NewAmountFlag(bchutil.Amount(10000)),
		MaxCapacity:      cfgutil.NewAmountFlag(0),
		ChannelLifetime:  defaultChannelLifetime,
		FeePerByte:       defaultFeePerByte,
	}

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("bchagent version %s\n", version())
		os.Exit(0)
	}

	configFilePath := cleanAndExpandPath(string(preCfg.ConfigFile))
	if string(preCfg.AppDataDir) != defaultAppDataDir &&
		string(preCfg.ConfigFile) == defaultConfigFile {
		configFilePath = filepath.Join(
			cleanAndExpandPath(string(preCfg.AppDataDir)),
			defaultConfigFilename)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			return nil, err
		}
	}
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.params = &chaincfg.MainNetParams
	if cfg.TestNet3 {
		cfg.params = &chaincfg.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		cfg.params = &chaincfg.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, fmt.Errorf("the testnet and regtest params can't be " +
			"used together -- choose one")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d -- must be between 1 and 65535",
			cfg.Port)
	}
	if _, _, err := net.SplitHostPort(cfg.RPCListen); err != nil {
		return nil, fmt.Errorf("invalid rpclisten address %q: %v",
			cfg.RPCListen, err)
	}
	for _, addr := range cfg.BootstrapPeers {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %v", addr, err)
		}
	}
	if cfg.RelayPeer != "" {
		if _, err := ma.NewMultiaddr(cfg.RelayPeer); err != nil {
			return nil, fmt.Errorf("invalid relay peer %q: %v", cfg.RelayPeer, err)
		}
	}
	if cfg.MinCapacity.Amount <= 0 {
		return nil, fmt.Errorf("minchannelcapacity must be positive, got %s",
			cfg.MinCapacity.Amount)
	}
	if cfg.MaxCapacity.Amount != 0 && cfg.MaxCapacity.Amount < cfg.MinCapacity.Amount {
		return nil, fmt.Errorf("maxchannelcapacity %s is below minchannelcapacity %s",
			cfg.MaxCapacity.Amount, cfg.MinCapacity.Amount)
	}

	cfg.AppDataDir = flags.Filename(cleanAndExpandPath(string(cfg.AppDataDir)))
	netDir := filepath.Join(string(cfg.AppDataDir), cfg.params.Name)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	if cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(netDir, defaultLogDirname)
	} else {
		cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, fmt.Errorf("%s: %v", "loadConfig", err)
	}
	return &cfg, nil
}

// netDir returns the per-network data directory.
func (c *config) netDir() string {
	return filepath.Join(string(c.AppDataDir), c.params.Name)
}
