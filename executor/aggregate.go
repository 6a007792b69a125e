// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package executor

import (
	"time"

	"github.com/kstate/kstate/state"
)

// AggregateFunc folds a new record's value into the current aggregate
// value for its key (nil for no prior value), returning the new
// aggregate's serialized bytes.
type AggregateFunc func(prior []byte, rec Record) []byte

// KeyedAggregate builds a Stage backed by a named Store: it reads the
// current value for the record's key, folds rec into it with fn, and
// writes the result back. The record passed downstream carries the new
// aggregate as its value.
func KeyedAggregate(storeName string, fn AggregateFunc) Stage {
	return func(c *OpContext, rec Record) ([]Record, error) {
		txn, err := c.Store(storeName)
		if err != nil {
			return nil, err
		}
		prior, err := txn.Get(c.Context(), rec.Key)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if isNotFound(err) {
			prior = nil
		}
		next := fn(prior, rec)
		if err := txn.Put(c.Context(), rec.Key, next); err != nil {
			return nil, err
		}
		out := rec
		out.Value = next
		return []Record{out}, nil
	}
}

// WindowSpec describes a hopping/tumbling/sliding window: duration and
// step. step == duration is tumbling; step < duration is hopping.
// Sliding marks the record-aligned variant: each record defines a window
// ending at its own timestamp and spanning Duration, rather than falling
// into fixed step-aligned buckets.
type WindowSpec struct {
	Duration time.Duration
	Step     time.Duration
	GraceMS  int64
	Sliding  bool
}

// Emission selects when a windowed aggregate operator emits a record:
// on every update to a touched window, or only when the window closes.
type Emission int

const (
	// EmitCurrent emits a record for every window touched by each update.
	EmitCurrent Emission = iota
	// EmitFinal emits a record only when a window is expired by the
	// watermark.
	EmitFinal
)

// WindowedAggregate builds a Stage backed by a named windowed store. For
// every input record it computes the set of windows the record's
// timestamp falls into (per spec's duration/step), folds the record into
// each with fn, advances the key's watermark, and expires closed windows.
// With EmitCurrent, one output record is produced per touched window;
// with EmitFinal, one output record is produced per window expired by
// this update.
func WindowedAggregate(storeName string, spec WindowSpec, cacheSize int, emission Emission, fn AggregateFunc) Stage {
	return func(c *OpContext, rec Record) ([]Record, error) {
		cur, err := c.Windowed(storeName, cacheSize)
		if err != nil {
			return nil, err
		}

		tsMS := rec.Timestamp.UnixMilli()
		windows := windowsFor(tsMS, spec)

		var out []Record
		for _, w := range windows {
			prior, gerr := cur.GetWindow(c.Context(), rec.Key, w.start, w.end)
			if gerr != nil && !isNotFound(gerr) {
				return nil, gerr
			}
			if isNotFound(gerr) {
				prior = nil
			}
			next := fn(prior, rec)
			if err := cur.UpdateWindow(c.Context(), rec.Key, w.start, w.end, next, tsMS); err != nil {
				return nil, err
			}
			if emission == EmitCurrent {
				out = append(out, windowRecord(rec.Key, w.start, w.end, next))
			}
		}

		if err := cur.SetLatestTimestamp(c.Context(), rec.Key, tsMS); err != nil {
			return nil, err
		}

		watermark, err := cur.LatestTimestamp(c.Context(), rec.Key)
		if err != nil {
			return nil, err
		}
		expired, err := cur.ExpireWindows(c.Context(), rec.Key, watermark, spec.GraceMS)
		if err != nil {
			return nil, err
		}
		if emission == EmitFinal {
			for _, w := range expired {
				out = append(out, windowRecord(w.Key, w.Start, w.End, w.Value))
			}
		}

		return out, nil
	}
}

func windowRecord(key string, _, end int64, value []byte) Record {
	return Record{Key: key, Value: value, Timestamp: time.UnixMilli(end)}
}

type windowBounds struct{ start, end int64 }

// windowsFor returns every window a timestamp falls into for the given
// spec, covering tumbling (step == duration), hopping (step < duration),
// and sliding (record-aligned) configurations.
func windowsFor(tsMS int64, spec WindowSpec) []windowBounds {
	durationMS := spec.Duration.Milliseconds()
	stepMS := spec.Step.Milliseconds()
	if stepMS <= 0 {
		stepMS = durationMS
	}
	if durationMS <= 0 {
		return nil
	}
	if spec.Sliding {
		return []windowBounds{{start: tsMS - durationMS + 1, end: tsMS + 1}}
	}

	var windows []windowBounds
	// The earliest window start that could still contain tsMS.
	firstStart := ((tsMS - durationMS) / stepMS) * stepMS
	for start := firstStart; start <= tsMS; start += stepMS {
		end := start + durationMS
		if tsMS >= start && tsMS < end {
			windows = append(windows, windowBounds{start: start, end: end})
		}
	}
	return windows
}

func isNotFound(err error) bool {
	return state.IsNotFound(err)
}
