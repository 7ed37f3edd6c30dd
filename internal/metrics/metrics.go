// Package metrics exposes the Prometheus gauges and counters the relay
// core updates as it processes burnchain state and mines blocks.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActiveMinersGauge tracks the number of block-commit operations
	// observed in the most recently processed burnchain block. It counts
	// commits, not distinct senders.
	ActiveMinersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stacks",
		Subsystem: "miner",
		Name:      "active_miners",
		Help:      "Number of block-commit operations in the last burnchain block.",
	})

	// StxBlocksMinedCounter counts anchored blocks this node won the
	// sortition for, whether or not the block was then processed
	// successfully.
	StxBlocksMinedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stacks",
		Subsystem: "miner",
		Name:      "blocks_mined_total",
		Help:      "Number of anchored blocks this node won sortition for.",
	})

	// TenuresAttemptedCounter counts RunTenure directives processed,
	// regardless of whether a block-commit was ultimately submitted.
	TenuresAttemptedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stacks",
		Subsystem: "miner",
		Name:      "tenures_attempted_total",
		Help:      "Number of RunTenure directives processed by the relayer.",
	})

	// KeyRegistrationsCounter counts RegisterKey directives whose
	// key-register operation was submitted successfully. Registrations
	// requested over RPC are not counted.
	KeyRegistrationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stacks",
		Subsystem: "miner",
		Name:      "key_registrations_total",
		Help:      "Number of VRF key registration operations submitted.",
	})
)

func init() {
	prometheus.MustRegister(ActiveMinersGauge, StxBlocksMinedCounter, TenuresAttemptedCounter, KeyRegistrationsCounter)
}
