// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package recovery implements the changelog producer and recovery
// manager: mirroring every state mutation to a compacted topic, and
// replaying that topic to rebuild a Store Partition after reassignment.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kstate/kstate/broker"
	"github.com/kstate/kstate/state"
	"github.com/kstate/kstate/statelog"
	"github.com/kstate/kstate/statemetrics"
)

// storeNameHeader names the header every changelog record carries,
// identifying the state store that produced it.
const storeNameHeader = "__store_name__"

// ProducerFactory constructs per-partition Producers for one store's
// changelog topic.
type ProducerFactory struct {
	client    broker.Client
	topic     string
	storeName string
}

// NewProducerFactory returns a factory bound to the given changelog topic
// and the broker producer used to write to it.
func NewProducerFactory(client broker.Client, changelogTopic, storeName string) *ProducerFactory {
	return &ProducerFactory{client: client, topic: changelogTopic, storeName: storeName}
}

// ForPartition returns the Producer responsible for the changelog
// partition matching the given source partition. Source and changelog
// topics are partitioned 1:1, and key space is preserved, so partition
// ids line up directly.
func (f *ProducerFactory) ForPartition(partition int32) *Producer {
	return &Producer{client: f.client, topic: f.topic, partition: partition, storeName: f.storeName}
}

// Producer guarantees ordered delivery of mutations to its assigned
// changelog partition: each record is produced and acknowledged before
// the next is sent, so a Changelog ↔ state parity replay never observes
// mutations out of commit order.
type Producer struct {
	client    broker.Client
	topic     string
	partition int32
	storeName string
}

// Produce mirrors every mutation to the changelog, awaiting each ack in
// order, and returns the changelog position after the last mutation:
// the offset the partition must replay up to (exclusive) to reproduce
// this batch, for the caller to persist alongside its commit. Returns -1
// if mutations is empty. A nil mutation value produces a tombstone.
func (p *Producer) Produce(ctx context.Context, mutations []state.Mutation) (int64, error) {
	var position int64 = -1
	for _, m := range mutations {
		headers := map[string][]byte{storeNameHeader: []byte(p.storeName)}
		future, err := p.client.Produce(ctx, p.topic, p.partition, m.Key, m.Value, headers, time.Now())
		if err != nil {
			return position, &state.Error{Code: state.StateTransactionError, Message: fmt.Sprintf("changelog produce failed: %v", err)}
		}
		offset, err := future.Await(ctx)
		if err != nil {
			return position, &state.Error{Code: state.StateTransactionError, Message: fmt.Sprintf("changelog ack failed: %v", err)}
		}
		position = offset + 1
	}
	return position, nil
}

// Manager tracks changelog_highwater/changelog_position per owned
// partition and drives the replay-until-caught-up algorithm.
type Manager struct {
	client  broker.Client
	metrics *statemetrics.Metrics
	log     statelog.Logger

	mu      sync.Mutex
	cancels map[recoveryKey]context.CancelFunc
}

type recoveryKey struct {
	topic     string
	partition int32
}

// NewManager returns a Recovery Manager bound to client.
func NewManager(client broker.Client, metrics *statemetrics.Metrics, log statelog.Logger) *Manager {
	if log == nil {
		log = statelog.Global()
	}
	return &Manager{client: client, metrics: metrics, log: log, cancels: map[recoveryKey]context.CancelFunc{}}
}

// Abandon halts any in-flight replay on (topic, partition) at a
// consistent point: the replay's context is cancelled, and since every
// applied record advances changelog_position before the next is read,
// resuming later picks up where this left off. A no-op if nothing is
// replaying on that partition.
func (m *Manager) Abandon(topic string, partition int32) {
	m.mu.Lock()
	cancel, ok := m.cancels[recoveryKey{topic, partition}]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// NeedsRecovery reports whether the given changelog partition is ahead of
// storedPosition, per changelog_position < changelog_highwater.
func (m *Manager) NeedsRecovery(ctx context.Context, changelogTopic string, partition int32, storedPosition int64) (bool, int64, error) {
	highwater, err := m.client.Highwater(ctx, changelogTopic, partition)
	if err != nil {
		return false, 0, err
	}
	return storedPosition < highwater, highwater, nil
}

// Recover replays changelogTopic's partition into target starting from
// the partition's currently stored changelog position, bypassing the
// Changelog Producer so replayed writes are not re-mirrored. sourceTopic
// identifies the owning (topic, partition) for Abandon's bookkeeping; it
// returns once the partition reaches its highwater observed at call
// time, or Abandon is called for (sourceTopic, partition) mid-replay, in
// which case changelog_position has already been persisted up to the
// last applied record, so a later call resumes from there.
func (m *Manager) Recover(ctx context.Context, sourceTopic, changelogTopic string, partition int32, target state.StorePartition) error {
	position := target.Offsets().Changelog[partition]

	needs, highwater, err := m.NeedsRecovery(ctx, changelogTopic, partition, position)
	if err != nil {
		return &state.Error{Code: state.InternalErr, Message: fmt.Sprintf("recovery: reading highwater: %v", err)}
	}
	if !needs {
		return nil
	}

	start := time.Now()
	if m.metrics != nil {
		defer func() { m.metrics.RecoveryLatency.Observe(time.Since(start).Seconds()) }()
	}

	m.log.WithFields(statelog.Fields{
		"topic": changelogTopic, "partition": partition, "position": position, "highwater": highwater,
	}).Info("replaying changelog for recovery")

	replayCtx, cancel := context.WithCancel(ctx)
	rk := recoveryKey{sourceTopic, partition}
	m.mu.Lock()
	m.cancels[rk] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, rk)
		m.mu.Unlock()
	}()
	ctx = replayCtx

	var replayErr error
	err = m.client.ReadFrom(ctx, changelogTopic, partition, position, func(rec broker.Record) bool {
		if applyErr := target.ApplyChangelog(ctx, state.Mutation{Key: rec.Key, Value: rec.Value}, partition, rec.Offset+1); applyErr != nil {
			replayErr = &state.Error{Code: state.InternalErr, Message: fmt.Sprintf("recovery: applying changelog record: %v", applyErr)}
			return false
		}
		if m.metrics != nil {
			m.metrics.MutationsReplayed.Inc()
		}
		return rec.Offset+1 < highwater && ctx.Err() == nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned or shut down mid-replay: every applied record has
			// already advanced the partition's changelog position, so a
			// later Recover call resumes from exactly here.
			m.log.WithFields(statelog.Fields{"topic": changelogTopic, "partition": partition}).Info("changelog replay abandoned")
			return nil
		}
		return &state.Error{Code: state.InternalErr, Message: fmt.Sprintf("recovery: reading changelog: %v", err)}
	}
	return replayErr
}
