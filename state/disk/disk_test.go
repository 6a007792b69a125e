// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package disk

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kstate/kstate/state"
)

func TestDiskBusyTransaction(t *testing.T) {
	ctx := context.Background()
	b := New(Options{})
	sp, err := b.OpenPartition(ctx, filepath.Join(t.TempDir(), "p0"))
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	defer sp.Close(ctx)

	txn, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback(ctx)

	if _, err := sp.Begin(ctx); !state.IsBusyTransaction(err) {
		t.Fatalf("expected BusyTransaction, got %v", err)
	}
}

// TestDiskCommitSurvivesReopen verifies commit atomicity: after
// a commit, closing and reopening the same on-disk path observes the full
// committed state and offset, never a partial mix.
func TestDiskCommitSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p0")

	sp, err := New(Options{}).OpenPartition(ctx, path)
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}

	txn, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(ctx, 9, map[int32]int64{0: 3}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sp.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Options{}).OpenPartition(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)

	off := reopened.Offsets()
	if off.Processed != 9 || off.Changelog[0] != 3 {
		t.Fatalf("unexpected offsets after reopen: %+v", off)
	}

	txn2, err := reopened.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after reopen: %v", err)
	}
	defer txn2.Rollback(ctx)
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, err := txn2.Get(ctx, k)
		if err != nil || string(v) != want {
			t.Fatalf("key %q: got %q err=%v, want %q", k, v, err, want)
		}
	}
}

// TestDiskUncommittedNotVisibleAfterReopen verifies a rolled-back
// transaction's writes never reach disk: reopening shows the prior state,
// never a partial mix of the abandoned mutation.
func TestDiskUncommittedNotVisibleAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p0")

	sp, err := New(Options{}).OpenPartition(ctx, path)
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	txn, _ := sp.Begin(ctx)
	if err := txn.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(ctx, 1, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, _ := sp.Begin(ctx)
	_ = txn2.Put(ctx, "a", []byte("2"))
	txn2.Rollback(ctx)
	if err := sp.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Options{}).OpenPartition(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)
	txn3, _ := reopened.Begin(ctx)
	defer txn3.Rollback(ctx)
	v, err := txn3.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("expected rolled-back write to be absent, got %q err=%v", v, err)
	}
}

func TestDiskOffsetRegression(t *testing.T) {
	ctx := context.Background()
	sp, _ := New(Options{}).OpenPartition(ctx, filepath.Join(t.TempDir(), "p0"))
	defer sp.Close(ctx)

	txn, _ := sp.Begin(ctx)
	_ = txn.Put(ctx, "a", []byte("1"))
	if err := txn.Commit(ctx, 10, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, _ := sp.Begin(ctx)
	_ = txn2.Put(ctx, "a", []byte("2"))
	if err := txn2.Commit(ctx, 4, nil); !state.IsOffsetRegression(err) {
		t.Fatalf("expected OffsetRegression, got %v", err)
	}

	if sp.Offsets().Processed != 10 {
		t.Fatalf("processed offset must be unchanged, got %d", sp.Offsets().Processed)
	}

	txn3, err := sp.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after rejected commit: %v", err)
	}
	defer txn3.Rollback(ctx)
	v, err := txn3.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("expected prior value preserved, got %q err=%v", v, err)
	}
}

func TestDiskRevokeSafety(t *testing.T) {
	ctx := context.Background()
	sp, _ := New(Options{}).OpenPartition(ctx, filepath.Join(t.TempDir(), "p0"))

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

func TestDiskScanOrder(t *testing.T) {
	ctx := context.Background()
	sp, _ := New(Options{}).OpenPartition(ctx, filepath.Join(t.TempDir(), "p0"))
	defer sp.Close(ctx)

	txn, _ := sp.Begin(ctx)
	defer txn.Rollback(ctx)

	for _, k := range []string{"z9", "z1", "z5"} {
		if err := txn.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	scanner := txn.(state.RangeScanner)
	var seen []string
	if err := scanner.Scan(ctx, "z", func(k string, _ []byte) error {
		seen = append(seen, k)
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"z1", "z5", "z9"}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v want %v", seen, want)
		}
	}
}
