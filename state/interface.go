// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package state

import "context"

// Offsets bundles the two monotonic counters a StorePartition tracks: the
// highest source offset whose effects are durably committed, and the
// changelog offset replayed to reach that point.
type Offsets struct {
	Processed int64
	Changelog map[int32]int64
}

// Mutation is a single pending write or delete captured by a Transaction.
// Value is nil for deletes; the changelog producer treats nil as a
// tombstone.
type Mutation struct {
	Key   string
	Value []byte
}

// Transaction is a short-lived write buffer bound to one StorePartition. A
// partition has at most one open transaction at a time.
type Transaction interface {
	// ID returns a unique identifier for this transaction.
	ID() uint64

	// Get reads the most recent write buffered in this transaction,
	// falling through to the underlying partition if absent. Returns
	// IsNotFound if the key has no value (including tombstoned keys).
	Get(ctx context.Context, key string) ([]byte, error)

	// Put buffers a write; it is not visible to other transactions until
	// Commit.
	Put(ctx context.Context, key string, value []byte) error

	// Delete buffers a tombstone.
	Delete(ctx context.Context, key string) error

	// Mutations returns the ordered list of pending puts/deletes recorded
	// so far, for the changelog producer to mirror.
	Mutations() []Mutation

	// Commit atomically flushes the buffered mutations and advances the
	// partition's offsets. Fails with OffsetRegression if processed is
	// behind the partition's currently stored offset.
	Commit(ctx context.Context, processed int64, changelog map[int32]int64) error

	// Rollback discards buffered mutations without advancing offsets.
	Rollback(ctx context.Context)
}

// RangeScanner is an optional capability a Transaction may implement to
// support ordered prefix scans. The windowed store layer uses it to walk
// (key, start, end)-encoded rows in ascending byte order. Both backends
// implement it; the windowed layer returns an error for a transaction
// that does not.
type RangeScanner interface {
	// Scan invokes fn for every key with the given prefix, in ascending
	// byte order of the full key, stopping early if fn returns an error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}

// StorePartition is a per-(topic,partition,store) transactional key-value
// unit. Implementations back it with either a durable embedded engine or a
// volatile in-memory map.
type StorePartition interface {
	// Path identifies the partition for logging and directory layout.
	Path() string

	// Offsets returns the partition's last committed offsets.
	Offsets() Offsets

	// Begin starts a new transaction. Fails with BusyTransaction if one is
	// already open.
	Begin(ctx context.Context) (Transaction, error)

	// ApplyChangelog applies a single replayed changelog mutation directly
	// to the backing store, bypassing transaction/changelog-producer
	// machinery. Used exclusively by the recovery manager.
	ApplyChangelog(ctx context.Context, mutation Mutation, changelogPartition int32, position int64) error

	// Close releases any resources held by the partition (file handles,
	// in-memory maps). A partition with an open transaction must be
	// rolled back by the caller before Close.
	Close(ctx context.Context) error
}

// Backend constructs StorePartitions for one logical Store. The durable
// and volatile backends both satisfy this capability set rather than a
// common base type; the windowed layer is not a Backend but works over
// the transactions of either.
type Backend interface {
	// OpenPartition opens or creates the on-disk/in-memory partition at the
	// given path.
	OpenPartition(ctx context.Context, path string) (StorePartition, error)

	// Kind names the backend for logging and directory layout, e.g.
	// "disk" or "memory".
	Kind() string
}

// Store is the registry and factory of StorePartitions for one logical
// state store, identified by (topic, store_name).
type Store interface {
	// Name returns the store's logical name.
	Name() string

	// Topic returns the bound topic, or "" for a global store.
	Topic() string

	// AssignPartition is idempotent; returns the existing partition if one
	// is already assigned for this partition id.
	AssignPartition(ctx context.Context, partition int32) (StorePartition, error)

	// RevokePartition closes the partition. Fails with
	// PartitionStoreIsUsed if it has an open transaction.
	RevokePartition(ctx context.Context, partition int32) error

	// Partitions returns the currently assigned partition ids.
	Partitions() []int32

	// Partition returns the StorePartition for an already-assigned
	// partition id, or nil if not assigned.
	Partition(partition int32) StorePartition

	// Close revokes all partitions and releases backend resources.
	Close(ctx context.Context) error
}

// TriggerCallback is invoked after a transaction commits against a store
// partition, receiving every mutation applied by that commit.
type TriggerCallback func(partition int32, mutations []Mutation)

// TriggerConfig contains the trigger registration configuration for a
// Store.
type TriggerConfig struct {
	// After is called once per commit, after mutations are durable.
	After TriggerCallback
}

// Trigger defines the interface Stores implement to register commit
// notifications, for code that observes committed mutations. The
// changelog producer does not use it; the executor calls the producer
// directly.
type Trigger interface {
	Register(id string, config TriggerConfig)
	Unregister(id string)
}
