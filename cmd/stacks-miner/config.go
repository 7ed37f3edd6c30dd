package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/psq/stacks-blockchain/internal/config"
)

var configFileFlag = cli.StringFlag{
	Name:  "config",
	Usage: "TOML configuration file",
}

var (
	datadirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for VRF key sidecars and chain state",
	}
	rpcBindFlag = cli.StringFlag{
		Name:  "rpcbind",
		Usage: "Address the RPC server listens on",
	}
	p2pBindFlag = cli.StringFlag{
		Name:  "p2pbind",
		Usage: "Address the P2P listener binds to",
	}
	natFlag = cli.StringFlag{
		Name:  "nat",
		Usage: `NAT port mapping mechanism (any|none|upnp|pmp|extip:<IP>)`,
	}
	minerFlag = cli.BoolFlag{
		Name:  "miner",
		Usage: "Run in miner mode instead of follower mode",
	}
	seedFlag = cli.StringFlag{
		Name:  "seed",
		Usage: "Hex-encoded miner keychain seed",
	}
	burnFeeCapFlag = cli.IntFlag{
		Name:  "burnfeecap",
		Usage: "Maximum burn (in satoshis) to commit per tenure attempt",
	}
	metricsFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable the Prometheus metrics exporter",
	}
)

var dumpConfigCommand = cli.Command{
	Action: dumpConfig,
	Name:   "dumpconfig",
	Usage:  "Show the effective configuration and exit",
	Flags:  append(nodeFlags, configFileFlag),
}

var nodeFlags = []cli.Flag{
	datadirFlag,
	rpcBindFlag,
	p2pBindFlag,
	natFlag,
	minerFlag,
	seedFlag,
	burnFeeCapFlag,
	metricsFlag,
}

// makeConfig loads the node's configuration: defaults, overlaid with a
// TOML file if --config was given, overlaid with explicit flags.
func makeConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %w", file, err)
		}
	}
	config.ApplyFlags(ctx, &cfg)
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%+v\n", cfg)
	return nil
}
