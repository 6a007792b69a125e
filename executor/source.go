// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstate/kstate/broker"
	"github.com/kstate/kstate/source"
)

// sourceSink adapts an Executor to source.Sink, feeding produced records
// into the matching partition worker as synthetic broker.Records. Source
// partitions have no broker rebalance to drive assignment, so the
// partition's own offset is tracked locally here, starting from zero and
// incrementing per record, exactly mirroring how a freshly-created topic
// partition's own offsets would start.
type sourceSink struct {
	e *Executor

	mu      sync.Mutex
	offsets map[int32]*int64
}

// SourceSink returns a source.Sink that feeds records from a Source into
// this Executor's partition workers. AssignSourcePartition must be called
// once per partition before records for it are fed.
func (e *Executor) SourceSink() source.Sink {
	return &sourceSink{e: e, offsets: map[int32]*int64{}}
}

// AssignSourcePartition assigns partition the same way a broker rebalance
// would via OnAssign, for Source-driven pipelines that have no broker
// assignment callback of their own.
func (e *Executor) AssignSourcePartition(ctx context.Context, topic string, partition int32) {
	e.OnAssign(ctx, topic, partition)
}

// RevokeSourcePartition mirrors AssignSourcePartition for teardown.
func (e *Executor) RevokeSourcePartition(ctx context.Context, topic string, partition int32) {
	e.OnRevoke(ctx, topic, partition)
}

func (s *sourceSink) Feed(topic string, rec source.Record) {
	s.mu.Lock()
	counter, ok := s.offsets[rec.Partition]
	if !ok {
		counter = new(int64)
		s.offsets[rec.Partition] = counter
	}
	offset := atomic.AddInt64(counter, 1) - 1
	s.mu.Unlock()

	s.e.mu.Lock()
	w, ok := s.e.workers[rec.Partition]
	s.e.mu.Unlock()
	if !ok {
		return
	}
	w.Feed(broker.Record{
		Topic:     topic,
		Partition: rec.Partition,
		Offset:    offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   rec.Headers,
		Timestamp: rec.Timestamp,
	})
}
