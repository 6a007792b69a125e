// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// fileRecord is the on-disk shape a FileSource reads one line at a time:
// a JSON object per record carrying the key, value, and the record's
// original timestamp.
type fileRecord struct {
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// FileSource replays records from a directory tree shaped
// <root>/<partition>/<file>, in directory-name-then-filename order (names
// compare as strings, so partition "10" comes before "2"), optionally
// pacing emission to reproduce the original inter-record delay within
// each partition. The pacing clock resets on crossing into a new
// partition subdirectory, and Run makes one full pass over the tree
// rather than polling for new files.
type FileSource struct {
	base

	root     string
	topic    string
	asReplay bool

	previousTimestampMS int64
	havePrevious        bool
	previousPartition   int32
	havePrevPartition   bool
}

// NewFileSource returns a FileSource reading files under root, producing
// to topic. asReplay reproduces each record's original timestamp spacing;
// when false, records are produced as fast as possible.
func NewFileSource(root, topic string, asReplay bool, shutdownTimeout time.Duration) *FileSource {
	name := filepath.Base(filepath.Clean(root))
	return &FileSource{
		base:     newBase(name, shutdownTimeout),
		root:     root,
		topic:    topic,
		asReplay: asReplay,
	}
}

// Topic reports the declared topic and a partition count derived from
// the number of immediate subdirectories under root, so the folder
// fan-out decides how many partitions the topic is declared with.
func (f *FileSource) Topic() (string, int32) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return f.topic, 1
	}
	var n int32
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return f.topic, n
}

// Run walks the tree once, producing every record it finds to sink in
// name-sorted (directory, filename) order. A single pass is the whole job: a
// file-backed source is bounded input to replay and exhaust, not a feed
// to poll, so nothing resets the directory cursor for a second pass.
func (f *FileSource) Run(ctx context.Context, sink Sink) error {
	var runErr error
	runUntilStopped(ctx, &f.base, func() {
		runErr = f.runOnce(ctx, sink)
	})
	return runErr
}

func (f *FileSource) runOnce(ctx context.Context, sink Sink) error {
	files, err := findFiles(f.root)
	if err != nil {
		return err
	}
	for _, file := range files {
		if !f.isRunning() || ctx.Err() != nil {
			return ctx.Err()
		}
		partition, err := partitionOf(f.root, file)
		if err != nil {
			return err
		}
		f.checkPartitionChange(partition)

		if err := f.readFile(ctx, sink, file, partition); err != nil {
			return fmt.Errorf("source %s: reading %s: %w", f.Name(), file, err)
		}
	}
	return nil
}

// checkPartitionChange resets the replay-pacing clock whenever the walk
// crosses into a new partition's files, so delays are measured only
// within one partition's own record stream.
func (f *FileSource) checkPartitionChange(partition int32) {
	if !f.havePrevPartition || f.previousPartition != partition {
		f.havePrevious = false
		f.havePrevPartition = true
		f.previousPartition = partition
	}
}

func (f *FileSource) readFile(ctx context.Context, sink Sink, file string, partition int32) error {
	fh, err := os.Open(file)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if !f.isRunning() || ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if f.asReplay {
			f.replayDelay(ctx, rec.TimestampMS)
		}
		sink.Feed(f.topic, Record{
			Key:       rec.Key,
			Value:     rec.Value,
			Timestamp: time.UnixMilli(rec.TimestampMS),
			Partition: partition,
		})
	}
	return scanner.Err()
}

// replayDelay sleeps long enough to reproduce the gap between this record
// and the previous one, clamped to not block past ctx cancellation.
func (f *FileSource) replayDelay(ctx context.Context, tsMS int64) {
	if f.havePrevious {
		delay := time.Duration(tsMS-f.previousTimestampMS) * time.Millisecond
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		}
	}
	f.previousTimestampMS = tsMS
	f.havePrevious = true
}

// findFiles returns every regular file under root, depth-first, sorting
// directory entries by name at each level before recursing.
func findFiles(root string) ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if err := walk(path); err != nil {
					return err
				}
				continue
			}
			out = append(out, path)
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// partitionOf derives the partition number from the first directory
// component of a file's path relative to root, per the
// folder-per-partition layout. A non-numeric or missing component maps
// to partition 0.
func partitionOf(root, file string) (int32, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(rel)
	first := dir
	if idx := indexOfSeparator(dir); idx >= 0 {
		first = dir[:idx]
	}
	n, err := strconv.ParseInt(first, 10, 32)
	if err != nil {
		return 0, nil // flat layout with no partition subdirectory: everything is partition 0
	}
	return int32(n), nil
}

func indexOfSeparator(s string) int {
	for i, r := range s {
		if r == filepath.Separator {
			return i
		}
	}
	return -1
}
