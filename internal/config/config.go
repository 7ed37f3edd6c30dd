// Package config loads the miner and relay core's configuration from a
// TOML file, with command-line flags taking precedence, following the
// same loader shape used throughout the node's cmd/ tooling.
package config

import (
	"io"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"
)

// NodeMode selects whether the node runs as a miner or a relay-only follower.
type NodeMode string

const (
	ModeFollower NodeMode = "follower"
	ModeMiner    NodeMode = "miner"
)

// MinerConfig groups the options that steer leader election and block
// assembly; it is the direct counterpart of the burnchain miner wallet.
type MinerConfig struct {
	Mode                   NodeMode      `toml:"mode"`
	SeedHex                string        `toml:"seed_hex"`
	BurnFeeCap             uint64        `toml:"burn_fee_cap"`
	MicroblockFrequency    time.Duration `toml:"microblock_frequency"`
	SleepBeforeTenure      time.Duration `toml:"sleep_before_tenure"`
	WaitForBlockDownload   bool          `toml:"wait_for_block_download"`
	FirstAttemptTimeoutMS  uint64        `toml:"first_attempt_timeout_ms"`
	SubsequentAttemptDelay time.Duration `toml:"subsequent_attempt_delay"`
}

// BurnchainConfig holds the connection parameters to the burnchain peer
// (the Bitcoin-style chain the node anchors sortitions to) along with
// the PoX sunset and prepare-phase schedule.
type BurnchainConfig struct {
	PeerHost          string `toml:"peer_host"`
	PeerPort          uint16 `toml:"peer_port"`
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	BurnBlockModulus  uint8  `toml:"burn_block_mined_at_modulus"`
	SunsetStartHeight uint64 `toml:"sunset_start_height"`
	SunsetEndHeight   uint64 `toml:"sunset_end_height"`
	RewardCycleLength uint64 `toml:"reward_cycle_length"`
	PrepareLength     uint64 `toml:"prepare_length"`
}

// NodeConfig groups the P2P/RPC transport and DNS resolver settings.
type NodeConfig struct {
	DataDir        string        `toml:"data_dir"`
	RPCBind        string        `toml:"rpc_bind"`
	P2PBind        string        `toml:"p2p_bind"`
	NAT            string        `toml:"nat"`
	PollTimeout    time.Duration `toml:"poll_timeout"`
	EventDriven    bool          `toml:"event_driven"`
	DNSTimeout     time.Duration `toml:"dns_timeout"`
	DNSNameservers []string      `toml:"dns_nameservers"`
}

// MetricsConfig controls the embedded Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Config is the full, TOML-decodable configuration of a stacks-miner process.
type Config struct {
	Miner     MinerConfig     `toml:"Miner"`
	Burnchain BurnchainConfig `toml:"Burnchain"`
	Node      NodeConfig      `toml:"Node"`
	Metrics   MetricsConfig   `toml:"Metrics"`
}

// tomlSettings mirrors the field-name-preserving decoder used elsewhere in
// the node's cmd/ tree. Key names are passed through unchanged, with no
// case or underscore folding, so a key in the file must be spelled exactly
// as the field's toml tag (for example "peer_host").
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return nil
	},
}

// Default returns a Config populated with the same defaults a freshly
// initialized follower node would run with.
func Default() Config {
	return Config{
		Miner: MinerConfig{
			Mode:                   ModeFollower,
			BurnFeeCap:             20000,
			MicroblockFrequency:    2 * time.Second,
			SleepBeforeTenure:      500 * time.Millisecond,
			FirstAttemptTimeoutMS:  10000,
			SubsequentAttemptDelay: 200 * time.Millisecond,
		},
		Burnchain: BurnchainConfig{
			PeerHost:          "127.0.0.1",
			PeerPort:          18443,
			BurnBlockModulus:  5,
			RewardCycleLength: 2100,
			PrepareLength:     100,
		},
		Node: NodeConfig{
			DataDir:     "./data",
			RPCBind:     "127.0.0.1:20443",
			P2PBind:     "0.0.0.0:20444",
			NAT:         "none",
			PollTimeout: 1 * time.Second,
			DNSTimeout:  5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Bind:    "127.0.0.1:9153",
		},
	}
}

// Load reads a TOML config file into cfg, starting from cfg's existing
// values so callers can pre-seed defaults.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return loadFrom(f, cfg)
}

func loadFrom(r io.Reader, cfg *Config) error {
	err := tomlSettings.NewDecoder(r).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		return err
	}
	return err
}

// ApplyFlags overlays urfave/cli flag values onto cfg. Only flags the
// user actually set on the command line override the TOML/defaults.
func ApplyFlags(ctx *cli.Context, cfg *Config) {
	if ctx.GlobalIsSet("datadir") {
		cfg.Node.DataDir = ctx.GlobalString("datadir")
	}
	if ctx.GlobalIsSet("rpcbind") {
		cfg.Node.RPCBind = ctx.GlobalString("rpcbind")
	}
	if ctx.GlobalIsSet("p2pbind") {
		cfg.Node.P2PBind = ctx.GlobalString("p2pbind")
	}
	if ctx.GlobalIsSet("nat") {
		cfg.Node.NAT = ctx.GlobalString("nat")
	}
	if ctx.GlobalIsSet("miner") {
		if ctx.GlobalBool("miner") {
			cfg.Miner.Mode = ModeMiner
		} else {
			cfg.Miner.Mode = ModeFollower
		}
	}
	if ctx.GlobalIsSet("seed") {
		cfg.Miner.SeedHex = ctx.GlobalString("seed")
	}
	if ctx.GlobalIsSet("burnfeecap") {
		cfg.Miner.BurnFeeCap = uint64(ctx.GlobalInt("burnfeecap"))
	}
	if ctx.GlobalIsSet("metrics") {
		cfg.Metrics.Enabled = ctx.GlobalBool("metrics")
	}
}
