// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package memory implements a volatile, in-process version of the state
// engine's Store Partition backend. It supports single-writer/multi-reader
// concurrency with rollback, mirroring the embedded disk backend's
// transactional contract without any durability guarantee: a process
// restart always starts the partition empty, so the recovery manager must
// replay the changelog from the beginning when this backend is used.
//
// Callers should assume the in-memory store does not copy written values.
// Once a value is written, it should not be mutated outside of Transaction
// operations.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstate/kstate/state"
)

// Backend is a volatile state.Backend. The zero value is not usable; use
// New.
type Backend struct{}

// New returns a volatile in-memory backend.
func New() *Backend { return &Backend{} }

// Kind implements state.Backend.
func (*Backend) Kind() string { return "memory" }

// OpenPartition implements state.Backend. Every call for a fresh path
// starts empty; there is no on-disk state to recover from, so path is used
// only for logging.
func (*Backend) OpenPartition(_ context.Context, path string) (state.StorePartition, error) {
	return &partition{
		path:      path,
		data:      map[string][]byte{},
		changelog: map[int32]int64{},
	}, nil
}

type partition struct {
	rmu  sync.RWMutex // protects data/processed/changelog
	mu   sync.Mutex   // guards open, held only long enough to check-and-set it
	xid  uint64
	path string

	data      map[string][]byte
	processed int64
	changelog map[int32]int64

	open bool
}

func (p *partition) Path() string { return p.path }

func (p *partition) Offsets() state.Offsets {
	p.rmu.RLock()
	defer p.rmu.RUnlock()
	cl := make(map[int32]int64, len(p.changelog))
	for k, v := range p.changelog {
		cl[k] = v
	}
	return state.Offsets{Processed: p.processed, Changelog: cl}
}

func (p *partition) Begin(_ context.Context) (state.Transaction, error) {
	p.mu.Lock()
	if p.open {
		p.mu.Unlock()
		return nil, &state.Error{Code: state.BusyTransaction, Message: "partition already has an open transaction"}
	}
	p.open = true
	p.mu.Unlock()

	xid := atomic.AddUint64(&p.xid, 1)
	return &transaction{id: xid, p: p, puts: map[string][]byte{}, deleted: map[string]bool{}}, nil
}

func (p *partition) ApplyChangelog(_ context.Context, m state.Mutation, changelogPartition int32, position int64) error {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	if m.Value == nil {
		delete(p.data, m.Key)
	} else {
		p.data[m.Key] = m.Value
	}
	p.changelog[changelogPartition] = position
	return nil
}

func (p *partition) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return &state.Error{Code: state.PartitionStoreIsUsed, Message: "partition has an open transaction"}
	}
	p.rmu.Lock()
	p.data = nil
	p.rmu.Unlock()
	return nil
}

type transaction struct {
	id      uint64
	p       *partition
	order   []state.Mutation
	puts    map[string][]byte
	deleted map[string]bool
	stale   bool
}

func (t *transaction) ID() uint64 { return t.id }

func (t *transaction) Get(_ context.Context, key string) ([]byte, error) {
	if t.stale {
		return nil, &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	if t.deleted[key] {
		return nil, &state.Error{Code: state.NotFoundErr, Message: "key " + key + " not found"}
	}
	if v, ok := t.puts[key]; ok {
		return v, nil
	}
	t.p.rmu.RLock()
	v, ok := t.p.data[key]
	t.p.rmu.RUnlock()
	if !ok {
		return nil, &state.Error{Code: state.NotFoundErr, Message: "key " + key + " not found"}
	}
	return v, nil
}

func (t *transaction) Put(_ context.Context, key string, value []byte) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	delete(t.deleted, key)
	t.puts[key] = value
	t.order = append(t.order, state.Mutation{Key: key, Value: value})
	return nil
}

func (t *transaction) Delete(_ context.Context, key string) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	delete(t.puts, key)
	t.deleted[key] = true
	t.order = append(t.order, state.Mutation{Key: key, Value: nil})
	return nil
}

func (t *transaction) Mutations() []state.Mutation {
	return t.order
}

// Scan implements state.RangeScanner by sorting matching keys, since the
// volatile map has no intrinsic order.
func (t *transaction) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	t.p.rmu.RLock()
	keys := make([]string, 0, len(t.p.data))
	for k := range t.p.data {
		if strings.HasPrefix(k, prefix) && !t.deleted[k] {
			keys = append(keys, k)
		}
	}
	for k := range t.puts {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	seen := make(map[string]bool, len(keys))
	var errOut error
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		v, ok := t.puts[k]
		if !ok {
			v = t.p.data[k]
		}
		if err := ctx.Err(); err != nil {
			errOut = err
			break
		}
		if err := fn(k, v); err != nil {
			errOut = err
			break
		}
	}
	t.p.rmu.RUnlock()
	return errOut
}

func (t *transaction) Commit(_ context.Context, processed int64, changelog map[int32]int64) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	p := t.p
	p.rmu.Lock()
	if processed < p.processed {
		p.rmu.Unlock()
		t.stale = true
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
		return &state.Error{Code: state.OffsetRegression, Message: "commit offset is behind stored processed offset"}
	}
	for _, m := range t.order {
		if m.Value == nil {
			delete(p.data, m.Key)
		} else {
			p.data[m.Key] = m.Value
		}
	}
	p.processed = processed
	for part, off := range changelog {
		p.changelog[part] = off
	}
	p.rmu.Unlock()

	t.stale = true
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

func (t *transaction) Rollback(_ context.Context) {
	t.stale = true
	t.p.mu.Lock()
	t.p.open = false
	t.p.mu.Unlock()
}
