// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package windowed layers time-bucketed aggregates over a state.Store.
// Keys are encoded as prefix | user_key | big-endian(start_ms) |
// big-endian(end_ms) so that a transaction-level prefix scan returns
// windows in ascending (key, start) order, satisfying the ordering
// property the executor's windowed-aggregate operator depends on.
//
// An optional small LRU caches the window values read or written through
// one Cursor. A Cursor is bound to a single transaction, so the cache
// spans only that transaction; it does not carry over between
// transactions.
package windowed

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kstate/kstate/state"
)

const keySeparator = "\x00"

// Window identifies one bucket of a windowed aggregate.
type Window struct {
	Key   string
	Start int64
	End   int64
}

// ExpiredWindow pairs a Window with the aggregate value it held at the
// moment it was expired, so callers with EmitFinal semantics can emit the
// closing value without a second read against an already-deleted key.
type ExpiredWindow struct {
	Window
	Value []byte
}

func encodeWindowKey(w Window) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(w.Start))
	binary.BigEndian.PutUint64(buf[8:16], uint64(w.End))
	return w.Key + keySeparator + string(buf[:])
}

func decodeWindowKey(key string) (Window, bool) {
	// The (start, end) suffix is a fixed 16 bytes and may itself contain
	// separator bytes, so locate the separator by length, not by search.
	i := len(key) - 16 - len(keySeparator)
	if i < 0 || key[i:i+len(keySeparator)] != keySeparator {
		return Window{}, false
	}
	buf := []byte(key[i+len(keySeparator):])
	return Window{
		Key:   key[:i],
		Start: int64(binary.BigEndian.Uint64(buf[0:8])),
		End:   int64(binary.BigEndian.Uint64(buf[8:16])),
	}, true
}

func keyPrefix(userKey string) string {
	return userKey + keySeparator
}

// Store exposes the windowed-aggregate contract (get_window,
// update_window, expire_windows) over one StorePartition's transaction.
// Callers open a transaction on the underlying partition exactly as they
// would for a plain keyed operator; Store only interprets the keyspace
// differently.
type Store struct {
	cacheSize int
}

// New returns a windowed-store view with a hot-window LRU of the given
// size. A size of 0 disables caching.
func New(cacheSize int) *Store {
	return &Store{cacheSize: cacheSize}
}

// Cursor is bound to one open transaction and one cache instance, letting
// callers reuse the LRU across many get/update calls within a single
// per-record processing loop.
type Cursor struct {
	txn   state.Transaction
	cache *lru.Cache[string, []byte]
}

// Open binds a Cursor to txn, constructing a fresh LRU if the store is
// configured to cache.
func (s *Store) Open(txn state.Transaction) (*Cursor, error) {
	c := &Cursor{txn: txn}
	if s.cacheSize > 0 {
		l, err := lru.New[string, []byte](s.cacheSize)
		if err != nil {
			return nil, err
		}
		c.cache = l
	}
	return c, nil
}

// GetWindow returns the aggregate value for (key, start, end), or
// state.NotFoundErr if absent.
func (c *Cursor) GetWindow(ctx context.Context, key string, start, end int64) ([]byte, error) {
	wk := encodeWindowKey(Window{Key: key, Start: start, End: end})
	if c.cache != nil {
		if v, ok := c.cache.Get(wk); ok {
			return v, nil
		}
	}
	v, err := c.txn.Get(ctx, wk)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(wk, v)
	}
	return v, nil
}

// UpdateWindow writes value for (key, start, end). timestamp is accepted
// to mirror the contract surface (the executor may use it to decide
// whether to also bump latest_timestamps) but does not affect the write
// itself; LatestTimestamp below owns that column family.
func (c *Cursor) UpdateWindow(ctx context.Context, key string, start, end int64, value []byte, _ int64) error {
	wk := encodeWindowKey(Window{Key: key, Start: start, End: end})
	if err := c.txn.Put(ctx, wk, value); err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Add(wk, value)
	}
	return nil
}

// latestTimestampPrefix separates the latest_timestamps column family from
// the windows column family within the same underlying keyspace.
const latestTimestampPrefix = "\x01ts" + keySeparator

// LatestTimestamp returns the highest timestamp observed for key, used by
// the executor to compute per-key watermarks.
func (c *Cursor) LatestTimestamp(ctx context.Context, key string) (int64, error) {
	v, err := c.txn.Get(ctx, latestTimestampPrefix+key)
	if state.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// SetLatestTimestamp records the highest timestamp observed for key if ts
// is greater than what's stored.
func (c *Cursor) SetLatestTimestamp(ctx context.Context, key string, ts int64) error {
	cur, err := c.LatestTimestamp(ctx, key)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return c.txn.Put(ctx, latestTimestampPrefix+key, buf[:])
}

// ExpireWindows removes every window for key with end <= watermark -
// graceMs, returning the expired windows (with the value each held right
// before deletion) in ascending start order as the testable property
// requires.
func (c *Cursor) ExpireWindows(ctx context.Context, key string, watermark, graceMs int64) ([]ExpiredWindow, error) {
	scanner, ok := c.txn.(state.RangeScanner)
	if !ok {
		return nil, fmt.Errorf("windowed store requires a RangeScanner-capable backend, got %T", c.txn)
	}

	cutoff := watermark - graceMs
	var expired []ExpiredWindow
	err := scanner.Scan(ctx, keyPrefix(key), func(k string, v []byte) error {
		w, ok := decodeWindowKey(k)
		if !ok {
			return nil
		}
		if w.End <= cutoff {
			expired = append(expired, ExpiredWindow{Window: w, Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Key != expired[j].Key {
			return expired[i].Key < expired[j].Key
		}
		return expired[i].Start < expired[j].Start
	})

	for _, w := range expired {
		wk := encodeWindowKey(w.Window)
		if err := c.txn.Delete(ctx, wk); err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Remove(wk)
		}
	}
	return expired, nil
}

// ScanAscending returns every window for key in ascending start order,
// without expiring any of them.
func (c *Cursor) ScanAscending(ctx context.Context, key string) ([]Window, error) {
	scanner, ok := c.txn.(state.RangeScanner)
	if !ok {
		return nil, fmt.Errorf("windowed store requires a RangeScanner-capable backend, got %T", c.txn)
	}
	var windows []Window
	err := scanner.Scan(ctx, keyPrefix(key), func(k string, _ []byte) error {
		if w, ok := decodeWindowKey(k); ok {
			windows = append(windows, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })
	return windows, nil
}
