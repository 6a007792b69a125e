// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

// store is the generic, backend-agnostic implementation of Store: a
// registry of StorePartitions keyed by partition id, all opened through
// the same Backend at a shared base directory. Durable and volatile
// stores differ only in which Backend they're constructed with.
type store struct {
	name    string
	topic   string
	baseDir string
	backend Backend

	mu         sync.Mutex
	partitions map[int32]StorePartition

	triggersMu sync.Mutex
	triggers   map[string]TriggerConfig
}

// NewStore constructs a Store for (topic, name) backed by backend, with
// partitions rooted at baseDir/<partition>.
func NewStore(name, topic, baseDir string, backend Backend) Store {
	return &store{
		name:       name,
		topic:      topic,
		baseDir:    baseDir,
		backend:    backend,
		partitions: map[int32]StorePartition{},
		triggers:   map[string]TriggerConfig{},
	}
}

func (s *store) Name() string  { return s.name }
func (s *store) Topic() string { return s.topic }

func (s *store) AssignPartition(ctx context.Context, partition int32) (StorePartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[partition]; ok {
		return p, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("%d", partition))
	p, err := s.backend.OpenPartition(ctx, path)
	if err != nil {
		return nil, err
	}
	s.partitions[partition] = p
	return p, nil
}

func (s *store) RevokePartition(ctx context.Context, partition int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[partition]
	if !ok {
		return nil
	}
	if err := p.Close(ctx); err != nil {
		if IsPartitionStoreIsUsed(err) {
			return err
		}
		return errStateTransaction("revoking partition %d of store %q: %v", partition, s.name, err)
	}
	delete(s.partitions, partition)
	return nil
}

func (s *store) Partitions() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.partitions))
	for p := range s.partitions {
		out = append(out, p)
	}
	return out
}

func (s *store) Partition(partition int32) StorePartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitions[partition]
}

func (s *store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for partition, p := range s.partitions {
		if err := p.Close(ctx); err != nil {
			return errStateTransaction("closing partition %d of store %q: %v", partition, s.name, err)
		}
		delete(s.partitions, partition)
	}
	return nil
}

// Register implements Trigger.
func (s *store) Register(id string, config TriggerConfig) {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	s.triggers[id] = config
}

// Unregister implements Trigger.
func (s *store) Unregister(id string) {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	delete(s.triggers, id)
}

// notifyCommit runs every registered trigger after a commit against one
// of this store's partitions. The executor invokes it explicitly (via
// NotifyCommit) since the generic Transaction implementations don't know
// which Store they belong to; recovery replay does not fire triggers.
func (s *store) notifyCommit(partition int32, mutations []Mutation) {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	for _, t := range s.triggers {
		if t.After != nil {
			t.After(partition, mutations)
		}
	}
}

// NotifyCommit is the exported hook the executor package uses to
// fire a store's commit triggers without reaching into its internals.
func NotifyCommit(s Store, partition int32, mutations []Mutation) {
	if impl, ok := s.(*store); ok {
		impl.notifyCommit(partition, mutations)
	}
}
