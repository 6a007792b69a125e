// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package executor implements the Dataflow Executor: one goroutine per
// owned partition drives records through a chain of user transforms,
// opening transactions on the stores those transforms touch, then
// produces changelog entries, commits the transactions, produces any
// output records, and finally commits the consumer offset, in that
// order, so a crash never leaves a partial commit visible.
//
// Each partition's worker is fed through channels for input, stop, and
// revocation, so independent partitions proceed in parallel while a
// single partition stays strictly ordered.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kstate/kstate/broker"
	"github.com/kstate/kstate/manager"
	"github.com/kstate/kstate/state"
	"github.com/kstate/kstate/state/windowed"
	"github.com/kstate/kstate/statelog"
	"github.com/kstate/kstate/statemetrics"
)

// Record is one record flowing through the pipeline.
type Record struct {
	Key       string
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
	Offset    int64
}

// OutputRecord is a record a Stage wants produced to a topic.
type OutputRecord struct {
	Topic string
	Key   string
	Value []byte
}

// OpContext is handed to every Stage invocation. It lazily opens one
// transaction per store name touched during processing of the current
// record, and buffers output records until the whole chain succeeds.
type OpContext struct {
	ctx       context.Context
	partition int32
	mgr       *manager.Manager
	topic     string

	txns    map[string]state.Transaction
	stores  map[string]state.Store
	windows map[string]*windowed.Cursor
	outputs []OutputRecord
}

// Store opens (or reuses) a transaction against the named store's
// partition, for the partition this OpContext is bound to.
func (c *OpContext) Store(name string) (state.Transaction, error) {
	if txn, ok := c.txns[name]; ok {
		return txn, nil
	}
	s, err := c.mgr.GetStore(c.topic, name)
	if err != nil {
		return nil, err
	}
	sp := s.Partition(c.partition)
	if sp == nil {
		return nil, &state.Error{Code: state.StoreNotRegistered, Message: fmt.Sprintf("store %q has no assigned partition %d", name, c.partition)}
	}
	txn, err := sp.Begin(c.ctx)
	if err != nil {
		return nil, err
	}
	c.txns[name] = txn
	c.stores[name] = s
	return txn, nil
}

// Windowed returns a windowed.Cursor bound to the named store's
// transaction for this partition, with a fresh per-record LRU of
// cacheSize entries (0 disables the cache).
func (c *OpContext) Windowed(name string, cacheSize int) (*windowed.Cursor, error) {
	if cur, ok := c.windows[name]; ok {
		return cur, nil
	}
	txn, err := c.Store(name)
	if err != nil {
		return nil, err
	}
	cur, err := windowed.New(cacheSize).Open(txn)
	if err != nil {
		return nil, err
	}
	c.windows[name] = cur
	return cur, nil
}

// Emit buffers an output record; it is only actually produced once the
// whole per-record chain completes successfully.
func (c *OpContext) Emit(topic, key string, value []byte) {
	c.outputs = append(c.outputs, OutputRecord{Topic: topic, Key: key, Value: value})
}

// Context returns the context.Context bound to the current record, for
// stages that need to make their own blocking calls.
func (c *OpContext) Context() context.Context { return c.ctx }

// Stage is one step of a dataflow pipeline. It returns the records to
// hand to the next stage (zero for a filter that drops the record, more
// than one for a fan-out), or an error to abort the whole batch.
type Stage func(c *OpContext, rec Record) ([]Record, error)

// Map wraps a plain value transform as a Stage.
func Map(fn func(Record) (Record, error)) Stage {
	return func(_ *OpContext, rec Record) ([]Record, error) {
		out, err := fn(rec)
		if err != nil {
			return nil, err
		}
		return []Record{out}, nil
	}
}

// Filter wraps a predicate as a Stage, dropping records it rejects.
func Filter(keep func(Record) bool) Stage {
	return func(_ *OpContext, rec Record) ([]Record, error) {
		if keep(rec) {
			return []Record{rec}, nil
		}
		return nil, nil
	}
}

// OutputToTopic buffers each record for production to topic once the
// current record's batch commits successfully, keyed by the record's own
// key.
func OutputToTopic(topic string) Stage {
	return func(c *OpContext, rec Record) ([]Record, error) {
		c.Emit(topic, rec.Key, rec.Value)
		return []Record{rec}, nil
	}
}

// Pipeline is the ordered chain of Stages an Executor drives every record
// through.
type Pipeline []Stage

// Executor drives one Pipeline per partition, single-threaded per
// partition, against records sourced from a broker.Client.
type Executor struct {
	client   broker.Client
	mgr      *manager.Manager
	pipeline Pipeline
	topic    string
	stores   []string // store names touched by this pipeline, for changelog wiring
	metrics  *statemetrics.Metrics
	log      statelog.Logger

	mu      sync.Mutex
	workers map[int32]*partitionWorker
}

// New constructs an Executor for topic, running pipeline against the
// given stores (by name) as it processes each partition's records.
func New(client broker.Client, mgr *manager.Manager, topic string, pipeline Pipeline, stores []string, metrics *statemetrics.Metrics, log statelog.Logger) *Executor {
	if log == nil {
		log = statelog.Global()
	}
	return &Executor{
		client:   client,
		mgr:      mgr,
		pipeline: pipeline,
		topic:    topic,
		stores:   stores,
		metrics:  metrics,
		log:      log,
		workers:  map[int32]*partitionWorker{},
	}
}

// Run subscribes to the broker and polls records into each owned
// partition's worker until ctx is cancelled. Partition assignment itself
// is driven by the broker firing OnAssign/OnRevoke on this Executor.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.client.Subscribe(ctx, []string{e.topic}, e); err != nil {
		return err
	}
	for {
		rec, err := e.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.mu.Lock()
		w, ok := e.workers[rec.Partition]
		e.mu.Unlock()
		if ok {
			w.Feed(rec)
		}
	}
}

// Close stops every running partition worker without revoking stores,
// for use during process shutdown after the manager itself is closed.
func (e *Executor) Close() {
	e.mu.Lock()
	workers := make([]*partitionWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = map[int32]*partitionWorker{}
	e.mu.Unlock()
	for _, w := range workers {
		w.stopAndWait()
	}
}

// OnAssign implements broker.AssignmentListener, starting a worker
// goroutine for the newly owned partition once the manager has assigned
// and, if configured, recovered every store's partition.
func (e *Executor) OnAssign(ctx context.Context, topic string, partition int32) {
	if topic != e.topic {
		return
	}
	if _, err := e.mgr.OnPartitionAssign(ctx, topic, partition, nil); err != nil {
		e.log.WithFields(statelog.Fields{"topic": topic, "partition": partition, "error": err}).Error("partition assignment failed")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[partition]; ok {
		return
	}
	w := newPartitionWorker(e, partition)
	e.workers[partition] = w
	go w.run()
}

// OnRevoke implements broker.AssignmentListener: it signals the worker to
// stop, waits for any in-flight record to finish (rolling back open
// transactions), then revokes every store's partition.
func (e *Executor) OnRevoke(ctx context.Context, topic string, partition int32) {
	if topic != e.topic {
		return
	}
	e.mu.Lock()
	w, ok := e.workers[partition]
	if ok {
		delete(e.workers, partition)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	w.stopAndWait()

	if err := e.mgr.OnPartitionRevoke(ctx, topic, partition); err != nil {
		e.log.WithFields(statelog.Fields{"topic": topic, "partition": partition, "error": err}).Error("partition revoke failed")
	}
}

// partitionWorker is the per-partition processing loop: single-threaded,
// cooperative, driven by a record channel the broker (or a Source) feeds.
// The revocation barrier follows the wait-for-in-flight pattern of
// channel-driven partition workers: stopAndWait() signals a stop and
// blocks until the current record's batch finishes.
type partitionWorker struct {
	e         *Executor
	partition int32

	input chan broker.Record
	done  chan struct{}

	revocationWaiter sync.WaitGroup
	stopped          chan struct{}
	stopOnce         sync.Once
}

func newPartitionWorker(e *Executor, partition int32) *partitionWorker {
	return &partitionWorker{
		e:         e,
		partition: partition,
		input:     make(chan broker.Record, 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Feed delivers a record to be processed by this partition's worker.
// Source adapters and broker-driven polling loops both funnel through
// this.
func (w *partitionWorker) Feed(rec broker.Record) {
	select {
	case w.input <- rec:
	case <-w.done:
	}
}

func (w *partitionWorker) stopAndWait() {
	w.stopOnce.Do(func() { close(w.done) })
	w.revocationWaiter.Wait()
}

func (w *partitionWorker) run() {
	for {
		select {
		case rec := <-w.input:
			w.revocationWaiter.Add(1)
			w.process(rec)
			w.revocationWaiter.Done()
		case <-w.done:
			return
		}
	}
}

func (w *partitionWorker) process(rec broker.Record) {
	e := w.e
	ctx := context.Background()

	opCtx := &OpContext{
		ctx:       ctx,
		partition: w.partition,
		mgr:       e.mgr,
		topic:     e.topic,
		txns:      map[string]state.Transaction{},
		stores:    map[string]state.Store{},
		windows:   map[string]*windowed.Cursor{},
	}

	if err := w.skipIfBehind(ctx, rec); err != nil {
		if err != errSkip {
			e.log.WithFields(statelog.Fields{"partition": w.partition, "error": err}).Error("checking processed offset")
		}
		return
	}

	records := []Record{{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp, Headers: rec.Headers, Offset: rec.Offset}}

	var err error
	for _, stage := range e.pipeline {
		var next []Record
		for _, r := range records {
			out, stageErr := stage(opCtx, r)
			if stageErr != nil {
				err = stageErr
				break
			}
			next = append(next, out...)
		}
		if err != nil {
			break
		}
		records = next
		if len(records) == 0 {
			break
		}
	}

	if err != nil {
		w.rollback(opCtx)
		e.log.WithFields(statelog.Fields{"partition": w.partition, "offset": rec.Offset, "error": err}).Error("record processing failed, rolling back")
		return
	}

	if err := w.commit(opCtx, rec.Offset); err != nil {
		w.rollback(opCtx)
		e.log.WithFields(statelog.Fields{"partition": w.partition, "offset": rec.Offset, "error": err}).Error("commit failed, unassigning partition")
		w.fatal()
		return
	}
}

// fatal tears this partition down after a state/transaction error, per the
// error-handling design: such an error is fatal to the partition, which is
// unassigned so the broker can reassign it to a peer that recovers from the
// changelog. The transaction has already been rolled back by the caller, so
// every store's RevokePartition call below observes no open transaction.
func (w *partitionWorker) fatal() {
	e := w.e
	if e.metrics != nil {
		e.metrics.StateTransactionFailures.Inc()
	}
	e.mu.Lock()
	if cur, ok := e.workers[w.partition]; ok && cur == w {
		delete(e.workers, w.partition)
	}
	e.mu.Unlock()

	w.stopOnce.Do(func() { close(w.done) })

	if err := e.mgr.OnPartitionRevoke(context.Background(), e.topic, w.partition); err != nil {
		e.log.WithFields(statelog.Fields{"partition": w.partition, "error": err}).Error("unassigning partition after fatal error failed")
	}
}

// skipIfBehind implements step 1 of the per-record loop: a record is
// skipped only when its offset is already reflected in every store's
// processed offset, so a store that lags the others (a partition just
// rebuilt from the changelog, say) still observes the record.
func (w *partitionWorker) skipIfBehind(_ context.Context, rec broker.Record) error {
	checked := 0
	for _, name := range w.e.stores {
		s, err := w.e.mgr.GetStore(w.e.topic, name)
		if err != nil {
			continue // store not registered for this pipeline's topic; nothing to skip against
		}
		sp := s.Partition(w.partition)
		if sp == nil {
			continue
		}
		checked++
		if rec.Offset >= sp.Offsets().Processed {
			return nil
		}
	}
	if checked == 0 {
		return nil
	}
	return errSkip
}

var errSkip = fmt.Errorf("record behind processed offset")

func (w *partitionWorker) rollback(c *OpContext) {
	for _, txn := range c.txns {
		txn.Rollback(c.ctx)
	}
}

// commit implements step 5: produce changelog entries for every touched
// store and await their acks first, then commit every store transaction,
// then produce output records, then commit the consumer offset. Changelog
// production for all stores happens before any store commit so a
// changelog failure never leaves one store committed while a sibling
// store touched by the same record is not. A failure in the store-commit
// phase itself can still leave earlier stores committed; the caller then
// treats it as fatal to the partition.
func (w *partitionWorker) commit(c *OpContext, offset int64) error {
	e := w.e
	start := time.Now()
	if e.metrics != nil {
		defer func() { e.metrics.CommitLatency.Observe(time.Since(start).Seconds()) }()
	}

	changelogPositions := make(map[string]int64, len(c.txns))
	for name, txn := range c.txns {
		mutations := txn.Mutations()
		if len(mutations) == 0 {
			changelogPositions[name] = -1
			continue
		}
		position := int64(-1)
		if producer := e.mgr.ChangelogProducer(e.topic, name, w.partition); producer != nil {
			pos, err := producer.Produce(c.ctx, mutations)
			if err != nil {
				return err
			}
			position = pos
		}
		changelogPositions[name] = position
	}

	for name, txn := range c.txns {
		mutations := txn.Mutations()
		if err := commitWithChangelog(c.ctx, txn, offset, w.partition, changelogPositions[name]); err != nil {
			if e.metrics != nil && state.IsOffsetRegression(err) {
				e.metrics.OffsetRegressions.Inc()
			}
			return err
		}
		if len(mutations) > 0 {
			state.NotifyCommit(c.stores[name], w.partition, mutations)
			if e.metrics != nil {
				e.metrics.MutationsCommitted.Add(float64(len(mutations)))
			}
		}
	}

	for _, out := range c.outputs {
		future, err := e.client.Produce(c.ctx, out.Topic, w.partition, out.Key, out.Value, nil, time.Now())
		if err != nil {
			return err
		}
		if _, err := future.Await(c.ctx); err != nil {
			return err
		}
	}

	return e.client.CommitOffset(c.ctx, e.topic, w.partition, offset+1)
}

func commitWithChangelog(ctx context.Context, txn state.Transaction, offset int64, partition int32, changelogPosition int64) error {
	cl := map[int32]int64{}
	if changelogPosition >= 0 {
		cl[partition] = changelogPosition
	}
	return txn.Commit(ctx, offset, cl)
}
