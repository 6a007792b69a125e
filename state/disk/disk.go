// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package disk provides the durable, badger-backed implementation of
// state.StorePartition. Every partition gets its own badger database
// rooted at <state_dir>/<group_id>/<store_name>/<partition>/, so that the
// embedded engine's own write-ahead log and value log give us the crash
// durability the engine requires: a successful commit must survive a
// process crash, and partial commits must never be visible.
//
// User data and the partition's offset bookkeeping share one badger
// transaction per commit, so both land or neither does.
package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kstate/kstate/state"
)

// metaKey is a reserved key, outside the user keyspace, holding the
// partition's current offsets. userPrefix ("u:") and metaKey's own "m:"
// prefix keep the two namespaces from ever colliding.
var (
	userPrefix = []byte("u:")
	metaKey    = []byte("m:offsets")
)

// Options configures the durable backend.
type Options struct {
	// Badger is a badger SuperFlag string applied on top of
	// badger.DefaultOptions, e.g. "syncwrites=true;compression=0".
	Badger string
}

// Backend is the durable state.Backend. Every OpenPartition call opens an
// independent badger.DB rooted at the given path.
type Backend struct {
	opts Options
}

// New returns a durable backend with the given badger tuning options.
func New(opts Options) *Backend { return &Backend{opts: opts} }

// Kind implements state.Backend.
func (*Backend) Kind() string { return "disk" }

// OpenPartition implements state.Backend.
func (b *Backend) OpenPartition(_ context.Context, path string) (state.StorePartition, error) {
	bopts := badger.DefaultOptions(path).
		FromSuperFlag(b.opts.Badger).
		WithLogger(nil).
		WithDetectConflicts(false) // one write txn at a time by construction

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, wrapError(err)
	}

	return &partition{db: db, path: path}, nil
}

type partition struct {
	db   *badger.DB
	path string
	xid  uint64
	mu   sync.Mutex // serializes Begin against concurrent Begin; badger serializes writers itself
	open bool
}

func (p *partition) Path() string { return p.path }

type offsetsDoc struct {
	Processed int64           `json:"processed"`
	Changelog map[int32]int64 `json:"changelog"`
}

func (p *partition) Offsets() state.Offsets {
	var doc offsetsDoc
	_ = p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(bs []byte) error {
			return json.NewDecoder(bytes.NewReader(bs)).Decode(&doc)
		})
	})
	if doc.Changelog == nil {
		doc.Changelog = map[int32]int64{}
	}
	return state.Offsets{Processed: doc.Processed, Changelog: doc.Changelog}
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
	return &transaction{p: p, xid: xid, underlying: p.db.NewTransaction(true)}, nil
}

func (p *partition) ApplyChangelog(_ context.Context, m state.Mutation, changelogPartition int32, position int64) error {
	return p.db.Update(func(txn *badger.Txn) error {
		var doc offsetsDoc
		item, err := txn.Get(metaKey)
		switch {
		case err == nil:
			if derr := item.Value(func(bs []byte) error { return json.Unmarshal(bs, &doc) }); derr != nil {
				return derr
			}
		case err == badger.ErrKeyNotFound:
		default:
			return err
		}
		if doc.Changelog == nil {
			doc.Changelog = map[int32]int64{}
		}
		doc.Changelog[changelogPartition] = position

		if m.Value == nil {
			if err := txn.Delete(userKey(m.Key)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		} else if err := txn.Set(userKey(m.Key), m.Value); err != nil {
			return err
		}

		bs, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, bs)
	})
}

func (p *partition) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return &state.Error{Code: state.PartitionStoreIsUsed, Message: "partition has an open transaction"}
	}
	return wrapError(p.db.Close())
}

func userKey(key string) []byte {
	return append(append([]byte{}, userPrefix...), key...)
}

type transaction struct {
	p          *partition
	xid        uint64
	underlying *badger.Txn
	mutations  []state.Mutation
	stale      bool
}

func (t *transaction) ID() uint64 { return t.xid }

func (t *transaction) Get(_ context.Context, key string) ([]byte, error) {
	if t.stale {
		return nil, &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	item, err := t.underlying.Get(userKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, &state.Error{Code: state.NotFoundErr, Message: fmt.Sprintf("key %q not found", key)}
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return item.ValueCopy(nil)
}

func (t *transaction) Put(_ context.Context, key string, value []byte) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	if err := t.underlying.Set(userKey(key), value); err != nil {
		return wrapError(err)
	}
	t.mutations = append(t.mutations, state.Mutation{Key: key, Value: value})
	return nil
}

func (t *transaction) Delete(_ context.Context, key string) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	if err := t.underlying.Delete(userKey(key)); err != nil && err != badger.ErrKeyNotFound {
		return wrapError(err)
	}
	t.mutations = append(t.mutations, state.Mutation{Key: key, Value: nil})
	return nil
}

func (t *transaction) Mutations() []state.Mutation { return t.mutations }

// Scan implements state.RangeScanner using badger's prefix iterator, which
// walks keys in lexical byte order, exactly the order the windowed
// store's big-endian timestamp encoding needs.
func (t *transaction) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}
	fullPrefix := userKey(prefix)
	it := t.underlying.NewIterator(badger.IteratorOptions{Prefix: fullPrefix})
	defer it.Close()

	for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		key := string(item.KeyCopy(nil)[len(userPrefix):])
		val, err := item.ValueCopy(nil)
		if err != nil {
			return wrapError(err)
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) Commit(_ context.Context, processed int64, changelog map[int32]int64) error {
	if t.stale {
		return &state.Error{Code: state.InvalidStoreTransactionStateError, Message: "stale transaction"}
	}

	var doc offsetsDoc
	item, err := t.underlying.Get(metaKey)
	switch {
	case err == nil:
		if derr := item.Value(func(bs []byte) error { return json.Unmarshal(bs, &doc) }); derr != nil {
			t.abort()
			return wrapError(derr)
		}
	case err == badger.ErrKeyNotFound:
	default:
		t.abort()
		return wrapError(err)
	}

	if processed < doc.Processed {
		t.abort()
		return &state.Error{Code: state.OffsetRegression, Message: fmt.Sprintf("commit offset %d is behind stored processed offset %d", processed, doc.Processed)}
	}

	merged := map[int32]int64{}
	for k, v := range doc.Changelog {
		merged[k] = v
	}
	for k, v := range changelog {
		merged[k] = v
	}

	bs, err := json.Marshal(offsetsDoc{Processed: processed, Changelog: merged})
	if err != nil {
		t.abort()
		return wrapError(err)
	}
	if err := t.underlying.Set(metaKey, bs); err != nil {
		t.abort()
		return wrapError(err)
	}

	if err := t.underlying.Commit(); err != nil {
		t.stale = true
		t.p.mu.Lock()
		t.p.open = false
		t.p.mu.Unlock()
		return &state.Error{Code: state.StateTransactionError, Message: err.Error()}
	}

	t.stale = true
	t.p.mu.Lock()
	t.p.open = false
	t.p.mu.Unlock()
	return nil
}

func (t *transaction) abort() {
	t.stale = true
	t.underlying.Discard()
	t.p.mu.Lock()
	t.p.open = false
	t.p.mu.Unlock()
}

func (t *transaction) Rollback(_ context.Context) {
	if t.stale {
		return
	}
	t.abort()
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*state.Error); ok {
		return err
	}
	return &state.Error{Code: state.InternalErr, Message: err.Error()}
}
