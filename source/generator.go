// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package source

import (
	"context"
	"time"
)

// GeneratorRecord is one record a Generator source will emit, grouped by
// partition the same way FileSource groups by directory.
type GeneratorRecord struct {
	Partition int32
	Record    Record
}

// Generator is a synthetic Source for tests and local development: it
// replays a fixed in-memory set of records instead of walking a
// directory tree, with the same per-partition pacing and single-pass Run
// semantics as FileSource.
type Generator struct {
	base

	topic      string
	partitions int32
	records    []GeneratorRecord
	asReplay   bool

	previousTimestamp time.Time
	havePrevious      bool
	previousPartition int32
	havePrevPartition bool
}

// NewGenerator returns a Generator producing records to topic. partitions
// should be at least one greater than the highest GeneratorRecord.Partition
// used.
func NewGenerator(name, topic string, partitions int32, records []GeneratorRecord, asReplay bool, shutdownTimeout time.Duration) *Generator {
	return &Generator{
		base:       newBase(name, shutdownTimeout),
		topic:      topic,
		partitions: partitions,
		records:    records,
		asReplay:   asReplay,
	}
}

func (g *Generator) Topic() (string, int32) { return g.topic, g.partitions }

// Run emits every configured record once, in slice order, honoring
// per-partition replay pacing exactly like FileSource.
func (g *Generator) Run(ctx context.Context, sink Sink) error {
	var runErr error
	runUntilStopped(ctx, &g.base, func() {
		runErr = g.runOnce(ctx, sink)
	})
	return runErr
}

func (g *Generator) runOnce(ctx context.Context, sink Sink) error {
	for _, gr := range g.records {
		if !g.isRunning() || ctx.Err() != nil {
			return ctx.Err()
		}
		if !g.havePrevPartition || g.previousPartition != gr.Partition {
			g.havePrevious = false
			g.havePrevPartition = true
			g.previousPartition = gr.Partition
		}
		if g.asReplay {
			g.replayDelay(ctx, gr.Record.Timestamp)
		}
		rec := gr.Record
		rec.Partition = gr.Partition
		sink.Feed(g.topic, rec)
	}
	return nil
}

func (g *Generator) replayDelay(ctx context.Context, ts time.Time) {
	if g.havePrevious {
		delay := ts.Sub(g.previousTimestamp)
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		}
	}
	g.previousTimestamp = ts
	g.havePrevious = true
}
