// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package broker declares the contract the engine consumes from a
// partitioned, ordered log. It intentionally carries no wire
// implementation: production deployments plug in a real client (Kafka or
// otherwise); this package only fixes the shape that the rest of the
// engine is written against, plus an in-memory Fake for tests.
package broker

import (
	"context"
	"time"
)

// Record is one entry read from a topic partition, whether a source
// topic or a changelog topic.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte // nil denotes a tombstone on changelog topics
	Headers   map[string][]byte
	Timestamp time.Time
}

// AckFuture is returned by Produce; the caller must Await it before
// treating the record as durably written.
type AckFuture interface {
	// Await blocks until the broker acknowledges the write, returning the
	// offset the record landed at in its partition.
	Await(ctx context.Context) (int64, error)
}

// AssignmentListener receives partition assignment and revocation
// callbacks from the broker client. Implementations must return quickly;
// long-running recovery or teardown work should be handed off.
type AssignmentListener interface {
	OnAssign(ctx context.Context, topic string, partition int32)
	OnRevoke(ctx context.Context, topic string, partition int32)
}

// Client is the broker contract consumed by the engine: a library that
// delivers records ordered within a partition, fires assign/revoke
// callbacks, and commits offsets.
type Client interface {
	// Subscribe joins the consumer group for topics and begins firing
	// assignment callbacks on listener as the group rebalances.
	Subscribe(ctx context.Context, topics []string, listener AssignmentListener) error

	// CommittedOffset returns the last committed offset for (topic,
	// partition), or -1 if none has been committed.
	CommittedOffset(ctx context.Context, topic string, partition int32) (int64, error)

	// Highwater returns the end offset of (topic, partition) at the time
	// of the call.
	Highwater(ctx context.Context, topic string, partition int32) (int64, error)

	// Poll blocks until the next record is available on an assigned
	// partition, or ctx is cancelled.
	Poll(ctx context.Context) (Record, error)

	// ReadFrom replays (topic, partition) starting at offset, invoking fn
	// for each record until fn returns false, the topic's highwater is
	// reached, or ctx is cancelled. Used for changelog recovery.
	ReadFrom(ctx context.Context, topic string, partition int32, offset int64, fn func(Record) bool) error

	// Produce enqueues a record for (topic, partition). The caller always
	// names the partition explicitly.
	Produce(ctx context.Context, topic string, partition int32, key string, value []byte, headers map[string][]byte, ts time.Time) (AckFuture, error)

	// CommitOffset commits the consumer offset for (topic, partition).
	CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error

	// Close releases the client's resources.
	Close() error
}
