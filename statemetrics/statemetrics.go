// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package statemetrics registers the prometheus collectors the engine
// exposes: commit/recovery latency histograms (not labelled by partition)
// and counters for mutations, offset regressions, and transaction
// failures.
package statemetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors a Manager and its Executor update. New
// leaves them unregistered; callers register them against a
// prometheus.Registerer of their choice with MustRegister.
type Metrics struct {
	CommitLatency   prometheus.Histogram
	RecoveryLatency prometheus.Histogram

	MutationsCommitted       prometheus.Counter
	MutationsReplayed        prometheus.Counter
	OffsetRegressions        prometheus.Counter
	StateTransactionFailures prometheus.Counter
}

// New constructs an unregistered Metrics bundle.
func New() *Metrics {
	return &Metrics{
		CommitLatency:   newHist("store_commit_seconds", "Time to commit a store partition transaction, including changelog ack wait"),
		RecoveryLatency: newHist("store_recovery_seconds", "Time spent replaying a changelog partition to catch up a store partition"),

		MutationsCommitted: newCounter("store_mutations_committed_total", "Mutations durably committed to a store partition"),
		MutationsReplayed:  newCounter("store_mutations_replayed_total", "Mutations applied while replaying a changelog during recovery"),
		OffsetRegressions:  newCounter("store_offset_regressions_total", "Commits rejected for carrying a processed offset behind the stored one"),
		StateTransactionFailures: newCounter(
			"store_transaction_failures_total",
			"Commits that failed durably, forcing the owning partition to be unassigned",
		),
	}
}

// MustRegister registers every collector in m against reg, panicking on
// duplicate registration the way prometheus's own MustRegister does.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CommitLatency,
		m.RecoveryLatency,
		m.MutationsCommitted,
		m.MutationsReplayed,
		m.OffsetRegressions,
		m.StateTransactionFailures,
	)
}

func newHist(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}
