// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"gitlab.com/bitnode/bitnoded/corelog"
)

const (
	defaultConfigFilename = "bitnoded.yaml"
	defaultDataDirname    = "data"
	defaultHostsFilename  = "hosts.yaml"
	defaultLogLevel       = "info"

	defaultInboundConnections  = 100
	defaultOutboundConnections = 8
	defaultHostPoolCapacity    = 10000
	defaultRotationSize        = 10000000
	defaultMaximumDeviation    = 1.5
	defaultBlockLatencySeconds = 60
	defaultConnectTimeout      = 5
)

var defaultHomeDir = btcutil.AppDataDir("bitnoded", false)

// NodeConfig carries the download coordination options.
type NodeConfig struct {
	// MaximumDeviation is the allowed ratio by which a slow peer may lag
	// the cohort mean before its reservation is reclaimed.
	MaximumDeviation float64 `yaml:"maximum_deviation" long:"maximumdeviation" env:"MAXIMUM_DEVIATION" description:"Allowed ratio by which a slow peer may lag the cohort before being dropped"`
	// BlockLatencySeconds is the nominal per-block download deadline.
	BlockLatencySeconds uint32 `yaml:"block_latency_seconds" long:"blocklatency" env:"BLOCK_LATENCY_SECONDS" description:"Nominal per-block download deadline in seconds"`
}

// BlockLatency returns the per-block deadline as a duration.
func (c NodeConfig) BlockLatency() time.Duration {
	return time.Duration(c.BlockLatencySeconds) * time.Second
}

// ChainConfig carries blockchain engine options.
type ChainConfig struct {
	// Cores bounds the chain worker pool; zero selects the runtime default.
	Cores uint32 `yaml:"cores" long:"chaincores" env:"CORES" description:"Number of chain worker threads, 0 for automatic"`
	// FlushWrites forces synchronous database writes.
	FlushWrites bool `yaml:"flush_writes" long:"flushwrites" env:"FLUSH_WRITES" description:"Flush each database write to disk"`
}

// DatabaseConfig carries the database location options.
type DatabaseConfig struct {
	Directory string `yaml:"directory" long:"datadir" env:"DIRECTORY" description:"Directory holding the chain database"`
	// IndexAddresses is recognized for compatibility and forced off for
	// this node class.
	IndexAddresses bool `yaml:"index_addresses" long:"indexaddresses" env:"INDEX_ADDRESSES" description:"Maintain an address index (unsupported, forced off)"`
}

// NetworkConfig carries the P2P plumbing options.
type NetworkConfig struct {
	Listen              string   `yaml:"listen" long:"listen" env:"LISTEN" description:"Interface and port to listen on for inbound peers"`
	InboundConnections  uint32   `yaml:"inbound_connections" long:"maxinbound" env:"INBOUND_CONNECTIONS" description:"Maximum inbound peer connections"`
	OutboundConnections uint32   `yaml:"outbound_connections" long:"maxoutbound" env:"OUTBOUND_CONNECTIONS" description:"Target outbound peer connections"`
	MinimumConnections  uint32   `yaml:"minimum_connections" long:"minconnections" env:"MINIMUM_CONNECTIONS" description:"Lower bound on outbound peers used to size the download queue, 0 to track outbound_connections"`
	HostPoolCapacity    uint32   `yaml:"host_pool_capacity" long:"hostpoolcapacity" env:"HOST_POOL_CAPACITY" description:"Maximum entries in the peer host pool"`
	RotationSize        uint32   `yaml:"rotation_size" long:"rotationsize" env:"ROTATION_SIZE" description:"Maximum host pool entries dropped per rotation"`
	ProtocolMaximum     uint32   `yaml:"protocol_maximum" long:"protocolmaximum" env:"PROTOCOL_MAXIMUM" description:"Highest P2P protocol version to negotiate"`
	Services            uint64   `yaml:"services" long:"services" env:"SERVICES" description:"Advertised service bitmap"`
	Proxy               string   `yaml:"proxy" long:"proxy" env:"PROXY" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ConnectTimeout      uint32   `yaml:"connect_timeout_seconds" long:"connecttimeout" env:"CONNECT_TIMEOUT_SECONDS" description:"Outbound connect timeout in seconds"`
	HostsFile           string   `yaml:"hosts_file" long:"hostsfile" env:"HOSTS_FILE" description:"Path of the persisted host pool cache"`
	ManualPeers         []string `yaml:"manual_peers,omitempty" long:"connect" env:"MANUAL_PEERS" env-delim:"," description:"Connect to these peers via manual sessions"`
}

// MinConnections returns the effective lower bound on outbound peers.
func (c NetworkConfig) MinConnections() uint32 {
	if c.MinimumConnections == 0 || c.MinimumConnections > c.OutboundConnections {
		return c.OutboundConnections
	}
	return c.MinimumConnections
}

// ServiceFlags returns the advertised services as a wire bitmap.
func (c NetworkConfig) ServiceFlags() wire.ServiceFlag {
	return wire.ServiceFlag(c.Services)
}

// BitcoinConfig selects the chain the node follows.
type BitcoinConfig struct {
	// Network is one of mainnet, testnet or regtest. The --testnet and
	// --regtest flags override it.
	Network string `yaml:"network" long:"net" env:"NETWORK" description:"Chain to follow: mainnet, testnet or regtest"`
}

// Config is the immutable settings bundle derived once per process.
type Config struct {
	ShowVersion  bool   `yaml:"-" short:"V" long:"version" description:"Print version information and exit"`
	DumpSettings bool   `yaml:"-" long:"settings" description:"Print the effective configuration and exit"`
	InitChain    bool   `yaml:"-" long:"initchain" description:"Initialize the chain database and exit"`
	TestNet      bool   `yaml:"-" long:"testnet" description:"Use the test network"`
	RegTest      bool   `yaml:"-" long:"regtest" description:"Use the regression test network"`
	ConfigFile   string `yaml:"-" short:"C" long:"config" env:"BN_CONFIG" description:"Path to configuration file"`

	LogLevel string `yaml:"log_level" long:"loglevel" env:"BN_LOG_LEVEL" description:"Logging level {trace, debug, info, warn, error, critical}"`

	Node     NodeConfig     `yaml:"node" group:"node" namespace:"node" env-namespace:"BN_NODE"`
	Chain    ChainConfig    `yaml:"blockchain" group:"blockchain" namespace:"blockchain" env-namespace:"BN_BLOCKCHAIN"`
	Database DatabaseConfig `yaml:"database" group:"database" namespace:"database" env-namespace:"BN_DATABASE"`
	Network  NetworkConfig  `yaml:"network" group:"network" namespace:"network" env-namespace:"BN_NETWORK"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin" group:"bitcoin" namespace:"bitcoin" env-namespace:"BN_BITCOIN"`
	Log      corelog.Config `yaml:"log" group:"log" namespace:"log" env-namespace:"BN_LOG"`
}

// DefaultConfig returns the node class defaults before file, environment and
// flag overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		ConfigFile: filepath.Join(defaultHomeDir, defaultConfigFilename),
		LogLevel:   defaultLogLevel,
		Node: NodeConfig{
			MaximumDeviation:    defaultMaximumDeviation,
			BlockLatencySeconds: defaultBlockLatencySeconds,
		},
		Chain: ChainConfig{},
		Database: DatabaseConfig{
			Directory:      filepath.Join(defaultHomeDir, defaultDataDirname),
			IndexAddresses: false,
		},
		Network: NetworkConfig{
			InboundConnections:  defaultInboundConnections,
			OutboundConnections: defaultOutboundConnections,
			HostPoolCapacity:    defaultHostPoolCapacity,
			RotationSize:        defaultRotationSize,
			ProtocolMaximum:     wire.ProtocolVersion,
			Services:            uint64(wire.SFNodeNetwork | wire.SFNodeWitness),
			ConnectTimeout:      defaultConnectTimeout,
		},
		Bitcoin: BitcoinConfig{Network: "mainnet"},
		Log:     corelog.Config{}.Default(),
	}
}

// LoadConfig initializes and parses the config using a config file, the
// environment and command line options, in that order of precedence (later
// wins). It also initializes logging.
//
// The above results in proper functionality without any config settings
// while still allowing the user to override settings with config files,
// environment variables and command line options.
func LoadConfig() (*Config, error) {
	// Pre-parse the command line to check for an alternative config file
	// and the help flag, which go-flags services itself.
	preCfg := DefaultConfig()
	preParser := flags.NewParser(preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	cfg := DefaultConfig()

	// Layer the config file under the environment and flags.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	if raw, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("malformed config file %s: %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.TestNet && cfg.RegTest {
		return nil, fmt.Errorf("--testnet and --regtest are mutually exclusive")
	}
	switch {
	case cfg.TestNet:
		cfg.Bitcoin.Network = "testnet"
	case cfg.RegTest:
		cfg.Bitcoin.Network = "regtest"
	}
	if _, err := cfg.NetParams(); err != nil {
		return nil, err
	}

	cfg.Database.Directory = cleanAndExpandPath(cfg.Database.Directory)
	if cfg.Network.Listen == "" {
		params, _ := cfg.NetParams()
		cfg.Network.Listen = ":" + params.DefaultPort
	}
	if cfg.Network.HostsFile == "" {
		cfg.Network.HostsFile = filepath.Join(cfg.DataDir(), defaultHostsFilename)
	}

	level := corelog.ParseLevel(cfg.LogLevel)
	InitLogging(cfg.Log, level)

	// Address indexing is not supported by this node class.
	if cfg.Database.IndexAddresses {
		Log.Warn().Msg("Address indexing is not supported, forcing database.index_addresses off")
		cfg.Database.IndexAddresses = false
	}

	return cfg, nil
}

// NetParams resolves the selected bitcoin network.
func (cfg *Config) NetParams() (*chaincfg.Params, error) {
	switch cfg.Bitcoin.Network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", cfg.Bitcoin.Network)
}

// DataDir returns the per-network database directory.
func (cfg *Config) DataDir() string {
	params, err := cfg.NetParams()
	if err != nil {
		return cfg.Database.Directory
	}
	return filepath.Join(cfg.Database.Directory, params.Name)
}

// Marshal renders the effective settings for --settings output.
func (cfg *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
