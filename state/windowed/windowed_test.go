// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package windowed

import (
	"context"
	"testing"

	"github.com/kstate/kstate/state"
	"github.com/kstate/kstate/state/memory"
)

func openCursor(t *testing.T, cacheSize int) (context.Context, state.Transaction, *Cursor) {
	t.Helper()
	ctx := context.Background()
	sp, err := memory.New().OpenPartition(ctx, "p0")
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	txn, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cur, err := New(cacheSize).Open(txn)
	if err != nil {
		t.Fatalf("Open cursor: %v", err)
	}
	return ctx, txn, cur
}

// TestWindowedOrdering verifies scanning by
// (key, start) returns windows in ascending start order regardless of
// write order.
func TestWindowedOrdering(t *testing.T) {
	ctx, _, cur := openCursor(t, 0)

	writes := []struct {
		start, end int64
		value      string
	}{
		{2000, 3000, "c"},
		{0, 1000, "a"},
		{1000, 2000, "b"},
	}
	for _, w := range writes {
		if err := cur.UpdateWindow(ctx, "k", w.start, w.end, []byte(w.value), w.end); err != nil {
			t.Fatalf("UpdateWindow(%d,%d): %v", w.start, w.end, err)
		}
	}

	windows, err := cur.ScanAscending(ctx, "k")
	if err != nil {
		t.Fatalf("ScanAscending: %v", err)
	}
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	wantStarts := []int64{0, 1000, 2000}
	for i, w := range windows {
		if w.Start != wantStarts[i] {
			t.Fatalf("window %d: got start %d, want %d", i, w.Start, wantStarts[i])
		}
	}
}

// TestWindowedExpiry verifies expiry at a watermark/grace
// boundary: windows ending at 1000, 2000, 3000 ms with watermark 2500
// and grace 0 expire exactly the first two, in (key, start) order, and
// each expired entry carries the value it held right before deletion.
func TestWindowedExpiry(t *testing.T) {
	ctx, _, cur := openCursor(t, 0)

	for _, w := range []struct {
		start, end int64
		value      string
	}{
		{0, 1000, "v1"},
		{1000, 2000, "v2"},
		{2000, 3000, "v3"},
	} {
		if err := cur.UpdateWindow(ctx, "k", w.start, w.end, []byte(w.value), w.end); err != nil {
			t.Fatalf("UpdateWindow: %v", err)
		}
	}

	expired, err := cur.ExpireWindows(ctx, "k", 2500, 0)
	if err != nil {
		t.Fatalf("ExpireWindows: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired windows, got %d (%+v)", len(expired), expired)
	}
	if expired[0].End != 1000 || string(expired[0].Value) != "v1" {
		t.Fatalf("expired[0] = %+v, want end=1000 value=v1", expired[0])
	}
	if expired[1].End != 2000 || string(expired[1].Value) != "v2" {
		t.Fatalf("expired[1] = %+v, want end=2000 value=v2", expired[1])
	}

	if _, err := cur.GetWindow(ctx, "k", 0, 1000); !state.IsNotFound(err) {
		t.Fatalf("expected expired window (0,1000) to be gone, got err=%v", err)
	}
	if _, err := cur.GetWindow(ctx, "k", 1000, 2000); !state.IsNotFound(err) {
		t.Fatalf("expected expired window (1000,2000) to be gone, got err=%v", err)
	}
	v, err := cur.GetWindow(ctx, "k", 2000, 3000)
	if err != nil || string(v) != "v3" {
		t.Fatalf("expected window (2000,3000) to survive with value v3, got %q err=%v", v, err)
	}
}

func TestWindowedLatestTimestampMonotonic(t *testing.T) {
	ctx, _, cur := openCursor(t, 0)

	if err := cur.SetLatestTimestamp(ctx, "k", 500); err != nil {
		t.Fatalf("SetLatestTimestamp: %v", err)
	}
	if err := cur.SetLatestTimestamp(ctx, "k", 200); err != nil {
		t.Fatalf("SetLatestTimestamp (lower): %v", err)
	}
	ts, err := cur.LatestTimestamp(ctx, "k")
	if err != nil {
		t.Fatalf("LatestTimestamp: %v", err)
	}
	if ts != 500 {
		t.Fatalf("expected watermark to stay at 500, got %d", ts)
	}

	if err := cur.SetLatestTimestamp(ctx, "k", 900); err != nil {
		t.Fatalf("SetLatestTimestamp (higher): %v", err)
	}
	ts, err = cur.LatestTimestamp(ctx, "k")
	if err != nil {
		t.Fatalf("LatestTimestamp: %v", err)
	}
	if ts != 900 {
		t.Fatalf("expected watermark to advance to 900, got %d", ts)
	}
}

func TestWindowedCacheConsistentWithBackend(t *testing.T) {
	ctx, _, cur := openCursor(t, 8)

	if err := cur.UpdateWindow(ctx, "k", 0, 1000, []byte("v1"), 1000); err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	v, err := cur.GetWindow(ctx, "k", 0, 1000)
	if err != nil || string(v) != "v1" {
		t.Fatalf("cached read: got %q err=%v", v, err)
	}

	if err := cur.UpdateWindow(ctx, "k", 0, 1000, []byte("v2"), 1500); err != nil {
		t.Fatalf("UpdateWindow overwrite: %v", err)
	}
	v, err = cur.GetWindow(ctx, "k", 0, 1000)
	if err != nil || string(v) != "v2" {
		t.Fatalf("cached read after overwrite: got %q err=%v", v, err)
	}
}
