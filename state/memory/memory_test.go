// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package memory

import (
	"context"
	"testing"

	"github.com/kstate/kstate/state"
)

func TestMemoryBusyTransaction(t *testing.T) {
	ctx := context.Background()
	b := New()
	sp, err := b.OpenPartition(ctx, "p0")
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}

	if _, err := sp.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := sp.Begin(ctx); !state.IsBusyTransaction(err) {
		t.Fatalf("expected BusyTransaction, got %v", err)
	}
}

func TestMemoryCommitAndRead(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")

	txn, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(ctx, 5, map[int32]int64{0: 7}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	off := sp.Offsets()
	if off.Processed != 5 || off.Changelog[0] != 7 {
		t.Fatalf("unexpected offsets: %+v", off)
	}

	txn2, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	v, err := txn2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("expected %q got %q", "1", v)
	}
	txn2.Rollback(ctx)
}

// TestMemoryDeleteObservedWithinTransaction verifies that a delete
// buffered in the open transaction is observed as missing even though the
// key is still present in the committed backing map: the
// property that tx.get falls through to the underlying store only for
// keys the transaction has not itself touched.
func TestMemoryDeleteObservedWithinTransaction(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")

	txn, _ := sp.Begin(ctx)
	_ = txn.Put(ctx, "a", []byte("1"))
	if err := txn.Commit(ctx, 1, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, _ := sp.Begin(ctx)
	if err := txn2.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := txn2.Get(ctx, "a"); !state.IsNotFound(err) {
		t.Fatalf("expected NotFound after buffered delete, got %v", err)
	}
	txn2.Rollback(ctx)

	// Rolled back: the committed value must still be visible.
	txn3, _ := sp.Begin(ctx)
	v, err := txn3.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("expected rollback to leave %q=1, got %q err=%v", "a", v, err)
	}
	txn3.Rollback(ctx)
}

// TestMemoryOffsetRegression verifies a commit carrying a
// processed offset behind the partition's stored one is rejected and the
// prior state is unchanged.
func TestMemoryOffsetRegression(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")

	txn, _ := sp.Begin(ctx)
	_ = txn.Put(ctx, "a", []byte("1"))
	if err := txn.Commit(ctx, 10, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, _ := sp.Begin(ctx)
	_ = txn2.Put(ctx, "a", []byte("2"))
	err := txn2.Commit(ctx, 3, nil)
	if !state.IsOffsetRegression(err) {
		t.Fatalf("expected OffsetRegression, got %v", err)
	}

	if sp.Offsets().Processed != 10 {
		t.Fatalf("processed offset must be unchanged after a rejected commit, got %d", sp.Offsets().Processed)
	}

	// Partition must be usable again: a rejected commit still releases the
	// open-transaction slot it held.
	txn3, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after rejected commit: %v", err)
	}
	v, err := txn3.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("expected prior value %q=1 preserved, got %q err=%v", "a", v, err)
	}
	txn3.Rollback(ctx)
}

// TestMemoryRevokeSafety verifies, at the partition level, that
// Close refuses to proceed while a transaction is open.
func TestMemoryRevokeSafety(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")

	txn, _ := sp.Begin(ctx)
	_ = txn.Put(ctx, "k", []byte("1"))

	if err := sp.Close(ctx); !state.IsPartitionStoreIsUsed(err) {
		t.Fatalf("expected PartitionStoreIsUsed, got %v", err)
	}

	txn.Rollback(ctx)
	if err := sp.Close(ctx); err != nil {
		t.Fatalf("Close after rollback: %v", err)
	}
}

func TestMemoryScanOrder(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")
	txn, _ := sp.Begin(ctx)

	for _, k := range []string{"b", "a", "c"} {
		if err := txn.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	scanner := txn.(state.RangeScanner)
	var seen []string
	if err := scanner.Scan(ctx, "", func(k string, _ []byte) error {
		seen = append(seen, k)
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v want %v", seen, want)
		}
	}
}

func TestMemoryApplyChangelogBypassesTransaction(t *testing.T) {
	ctx := context.Background()
	sp, _ := New().OpenPartition(ctx, "p0")

	if err := sp.ApplyChangelog(ctx, state.Mutation{Key: "a", Value: []byte("1")}, 0, 1); err != nil {
		t.Fatalf("ApplyChangelog: %v", err)
	}
	if err := sp.ApplyChangelog(ctx, state.Mutation{Key: "a", Value: []byte("2")}, 0, 2); err != nil {
		t.Fatalf("ApplyChangelog: %v", err)
	}
	if err := sp.ApplyChangelog(ctx, state.Mutation{Key: "b", Value: []byte("3")}, 0, 3); err != nil {
		t.Fatalf("ApplyChangelog: %v", err)
	}
	if err := sp.ApplyChangelog(ctx, state.Mutation{Key: "a", Value: nil}, 0, 4); err != nil {
		t.Fatalf("ApplyChangelog tombstone: %v", err)
	}

	txn, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback(ctx)

	if _, err := txn.Get(ctx, "a"); !state.IsNotFound(err) {
		t.Fatalf("expected %q missing after tombstone, got %v", "a", err)
	}
	v, err := txn.Get(ctx, "b")
	if err != nil || string(v) != "3" {
		t.Fatalf("expected %q=3, got %q err=%v", "b", v, err)
	}
	if sp.Offsets().Changelog[0] != 4 {
		t.Fatalf("expected changelog position 4, got %d", sp.Offsets().Changelog[0])
	}
}
