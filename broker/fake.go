// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory broker.Client for tests. It keeps one ordered log
// per (topic, partition), lets test code drive assignment and revocation
// directly, and stamps every produced record with a synthetic message id
// so assertions can tell records apart without depending on value
// contents.
type Fake struct {
	mu sync.Mutex

	logs      map[string]map[int32][]Record
	committed map[string]map[int32]int64
	assigned  map[string]map[int32]bool
	listener  AssignmentListener

	incoming chan Record
	closed   chan struct{}
}

// NewFake returns an empty Fake broker.
func NewFake() *Fake {
	return &Fake{
		logs:      map[string]map[int32][]Record{},
		committed: map[string]map[int32]int64{},
		assigned:  map[string]map[int32]bool{},
		incoming:  make(chan Record, 1024),
		closed:    make(chan struct{}),
	}
}

// Subscribe implements broker.Client. The fake never rebalances on its
// own; tests drive Assign/Revoke explicitly.
func (f *Fake) Subscribe(_ context.Context, _ []string, listener AssignmentListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = listener
	return nil
}

// Assign simulates the broker handing (topic, partition) to this
// consumer.
func (f *Fake) Assign(ctx context.Context, topic string, partition int32) {
	f.mu.Lock()
	if f.assigned[topic] == nil {
		f.assigned[topic] = map[int32]bool{}
	}
	f.assigned[topic][partition] = true
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener.OnAssign(ctx, topic, partition)
	}
}

// Revoke simulates the broker reclaiming (topic, partition).
func (f *Fake) Revoke(ctx context.Context, topic string, partition int32) {
	f.mu.Lock()
	if f.assigned[topic] != nil {
		delete(f.assigned[topic], partition)
	}
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener.OnRevoke(ctx, topic, partition)
	}
}

// Feed appends a record to (topic, partition)'s log with the next
// sequential offset, stamps it with a synthetic message id, and makes it
// available to Poll.
func (f *Fake) Feed(topic string, partition int32, key string, value []byte, ts time.Time) Record {
	f.mu.Lock()
	if f.logs[topic] == nil {
		f.logs[topic] = map[int32][]Record{}
	}
	offset := int64(len(f.logs[topic][partition]))
	headers := map[string][]byte{"message_id": []byte(uuid.NewString())}
	rec := Record{Topic: topic, Partition: partition, Offset: offset, Key: key, Value: value, Headers: headers, Timestamp: ts}
	f.logs[topic][partition] = append(f.logs[topic][partition], rec)
	f.mu.Unlock()

	select {
	case f.incoming <- rec:
	case <-f.closed:
	}
	return rec
}

// CommittedOffset implements broker.Client.
func (f *Fake) CommittedOffset(_ context.Context, topic string, partition int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed[topic] == nil {
		return -1, nil
	}
	off, ok := f.committed[topic][partition]
	if !ok {
		return -1, nil
	}
	return off, nil
}

// Highwater implements broker.Client.
func (f *Fake) Highwater(_ context.Context, topic string, partition int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.logs[topic][partition])), nil
}

// Poll implements broker.Client.
func (f *Fake) Poll(ctx context.Context) (Record, error) {
	select {
	case rec := <-f.incoming:
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-f.closed:
		return Record{}, fmt.Errorf("broker closed")
	}
}

// ReadFrom implements broker.Client by replaying the in-memory log for
// (topic, partition) starting at offset.
func (f *Fake) ReadFrom(ctx context.Context, topic string, partition int32, offset int64, fn func(Record) bool) error {
	f.mu.Lock()
	records := append([]Record(nil), f.logs[topic][partition]...)
	f.mu.Unlock()

	for _, rec := range records {
		if rec.Offset < offset {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Produce implements broker.Client, appending directly to the named
// topic's in-memory log and returning an already-satisfied future.
func (f *Fake) Produce(_ context.Context, topic string, partition int32, key string, value []byte, headers map[string][]byte, ts time.Time) (AckFuture, error) {
	f.mu.Lock()
	if f.logs[topic] == nil {
		f.logs[topic] = map[int32][]Record{}
	}
	offset := int64(len(f.logs[topic][partition]))
	if headers == nil {
		headers = map[string][]byte{}
	}
	headers["message_id"] = []byte(uuid.NewString())
	rec := Record{Topic: topic, Partition: partition, Offset: offset, Key: key, Value: value, Headers: headers, Timestamp: ts}
	f.logs[topic][partition] = append(f.logs[topic][partition], rec)
	f.mu.Unlock()
	return fakeAck{offset: offset}, nil
}

// CommitOffset implements broker.Client.
func (f *Fake) CommitOffset(_ context.Context, topic string, partition int32, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed[topic] == nil {
		f.committed[topic] = map[int32]int64{}
	}
	f.committed[topic][partition] = offset
	return nil
}

// Close implements broker.Client.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// Records returns a copy of everything produced/fed to (topic, partition),
// for test assertions.
func (f *Fake) Records(topic string, partition int32) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.logs[topic][partition]...)
}

type fakeAck struct{ offset int64 }

func (a fakeAck) Await(context.Context) (int64, error) { return a.offset, nil }

// FailingProduce wraps a Fake so the next N Produce calls fail, for
// injecting changelog-produce failures in tests.
type FailingProduce struct {
	*Fake
	mu        sync.Mutex
	remaining int
}

// NewFailingProduce returns a Fake whose next n Produce calls return an
// error.
func NewFailingProduce(n int) *FailingProduce {
	return &FailingProduce{Fake: NewFake(), remaining: n}
}

// Produce overrides Fake.Produce to fail while remaining > 0.
func (f *FailingProduce) Produce(ctx context.Context, topic string, partition int32, key string, value []byte, headers map[string][]byte, ts time.Time) (AckFuture, error) {
	f.mu.Lock()
	if f.remaining > 0 {
		f.remaining--
		f.mu.Unlock()
		return nil, fmt.Errorf("injected produce failure")
	}
	f.mu.Unlock()
	return f.Fake.Produce(ctx, topic, partition, key, value, headers, ts)
}
