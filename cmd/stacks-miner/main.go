// Command stacks-miner runs the mining and relay core standalone,
// wiring the relayer, P2P loop, DNS resolver, and RPC server together
// behind an in-memory chain-state backend suitable for local development
// and integration testing.
package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psq/stacks-blockchain/internal/memchain"
	"github.com/psq/stacks-blockchain/internal/xlog"
	"github.com/psq/stacks-blockchain/node"
)

var gitCommit = "unknown"

func main() {
	app := cli.NewApp()
	app.Name = "stacks-miner"
	app.Usage = "Leader election, block assembly, and network-result integration for a PoX miner"
	app.Version = gitCommit
	app.Flags = append(nodeFlags, configFileFlag)
	app.Commands = []cli.Command{dumpConfigCommand}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	log := xlog.New("component", "main")

	seed := make([]byte, 32)
	if cfg.Miner.SeedHex != "" {
		decoded, err := hex.DecodeString(cfg.Miner.SeedHex)
		if err != nil {
			return fmt.Errorf("invalid --seed: %w", err)
		}
		copy(seed, decoded)
	}

	chain := memchain.New()
	burnCtl := memchain.NewBurnController()
	engine := memchain.NetworkEngine{}
	events := &memchain.EventDispatcher{}
	attachmentsCh := make(chan [32]byte)

	n := node.New(cfg, seed, chain, chain, chain, burnCtl, engine, events, attachmentsCh)
	n.Start()
	defer n.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
			log.Info("starting metrics exporter", "bind", cfg.Metrics.Bind)
			if err := http.ListenAndServe(cfg.Metrics.Bind, mux); err != nil {
				log.Error("metrics exporter stopped", "err", err)
			}
		}()
	}

	log.Info("starting RPC server", "bind", cfg.Node.RPCBind)
	return http.ListenAndServe(cfg.Node.RPCBind, n.RPCServer().Handler())
}
