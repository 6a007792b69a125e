// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package manager implements the State Store Manager: the coordinator
// that orchestrates every registered Store against the broker's partition
// assignment lifecycle, wiring in changelog production and recovery when
// configured.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kstate/kstate/broker"
	"github.com/kstate/kstate/recovery"
	"github.com/kstate/kstate/runtimeconfig"
	"github.com/kstate/kstate/state"
	"github.com/kstate/kstate/state/disk"
	"github.com/kstate/kstate/state/memory"
	"github.com/kstate/kstate/statelog"
	"github.com/kstate/kstate/statemetrics"
)

type key struct{ topic, name string }

// storeEntry bundles a registered Store with the changelog plumbing the
// manager set up for it, if any.
type storeEntry struct {
	store          state.Store
	windowed       bool
	changelogTopic string
	producers      *recovery.ProducerFactory
}

// Manager is the coordinator: lifecycle of keyed state stores across
// topic partitions, including registration, assignment, revocation,
// recovery, and teardown.
type Manager struct {
	cfg    *runtimeconfig.Config
	client broker.Client
	rm     *recovery.Manager

	metrics *statemetrics.Metrics
	log     statelog.Logger

	mu      sync.Mutex
	entries map[key]*storeEntry

	listenersMu sync.Mutex
	listeners   []AssignmentListener
}

// AssignmentListener observes partition assignment/revocation events
// fanned out by the Manager, independent of any particular store: for
// external code such as a metrics exporter or health endpoint that needs
// to know which partitions this process currently owns.
type AssignmentListener interface {
	OnPartitionAssigned(topic string, partition int32)
	OnPartitionRevoked(topic string, partition int32)
}

// RegisterAssignmentListener registers l to be notified after every
// successful OnPartitionAssign/OnPartitionRevoke call.
func (m *Manager) RegisterAssignmentListener(l AssignmentListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notifyAssigned(topic string, partition int32) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for _, l := range m.listeners {
		l.OnPartitionAssigned(topic, partition)
	}
}

func (m *Manager) notifyRevoked(topic string, partition int32) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for _, l := range m.listeners {
		l.OnPartitionRevoked(topic, partition)
	}
}

// New constructs a Manager. client may be nil, in which case stores
// operate without changelog mirroring or recovery.
func New(cfg *runtimeconfig.Config, client broker.Client, metrics *statemetrics.Metrics, log statelog.Logger) *Manager {
	if log == nil {
		log = statelog.Global()
	}
	m := &Manager{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		log:     log,
		entries: map[key]*storeEntry{},
	}
	if client != nil {
		m.rm = recovery.NewManager(client, metrics, log)
	}
	return m
}

// Init creates the state directory if it doesn't already exist.
func (m *Manager) Init() error {
	if m.cfg.StateDir == "" {
		return nil
	}
	dir := m.groupDir()
	m.log.WithField("dir", dir).Info("initializing state directory")
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %q already exists but is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

func (m *Manager) groupDir() string {
	return filepath.Join(m.cfg.StateDir, m.cfg.GroupID)
}

func (m *Manager) storeDir(name string) string {
	return filepath.Join(m.groupDir(), name)
}

func (m *Manager) backendFor(topic, name string) state.Backend {
	for _, sc := range m.cfg.Stores {
		if sc.Topic == topic && sc.Name == name {
			if sc.Backend == runtimeconfig.BackendMemory {
				return memory.New()
			}
			return disk.New(disk.Options{Badger: m.cfg.Badger})
		}
	}
	return disk.New(disk.Options{Badger: m.cfg.Badger})
}

func (m *Manager) setupChangelog(topic, name string) (string, *recovery.ProducerFactory) {
	if m.rm == nil || m.client == nil {
		return "", nil
	}
	changelogTopic := m.cfg.ChangelogTopic(name, topic)
	m.log.WithFields(statelog.Fields{"store": name, "topic": topic, "changelog": changelogTopic}).Debug("registering changelog for store")
	return changelogTopic, recovery.NewProducerFactory(m.client, changelogTopic, name)
}

// RegisterStore registers a new Store for (topic, name). It is idempotent
// for an identical (topic, name) pair already registered as a
// non-windowed store.
func (m *Manager) RegisterStore(topic, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{topic, name}
	if e, ok := m.entries[k]; ok {
		if e.windowed {
			return &state.Error{Code: state.WindowedStoreAlreadyRegistered, Message: fmt.Sprintf("store %q already registered as windowed on topic %q", name, topic)}
		}
		return nil
	}
	changelogTopic, factory := m.setupChangelog(topic, name)
	s := state.NewStore(name, topic, m.storeDir(name), m.backendFor(topic, name))
	m.entries[k] = &storeEntry{store: s, changelogTopic: changelogTopic, producers: factory}
	return nil
}

// RegisterWindowedStore registers a windowed variant of Store for
// (topic, name). It rejects with WindowedStoreAlreadyRegistered if a
// store by that name (windowed or not) already exists on the topic.
func (m *Manager) RegisterWindowedStore(topic, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{topic, name}
	if _, ok := m.entries[k]; ok {
		return &state.Error{Code: state.WindowedStoreAlreadyRegistered, Message: fmt.Sprintf("store %q already registered on topic %q", name, topic)}
	}
	changelogTopic, factory := m.setupChangelog(topic, name)
	s := state.NewStore(name, topic, m.storeDir(name), m.backendFor(topic, name))
	m.entries[k] = &storeEntry{store: s, windowed: true, changelogTopic: changelogTopic, producers: factory}
	return nil
}

// GetStore returns the Store registered for (topic, name), or
// StoreNotRegistered if absent.
func (m *Manager) GetStore(topic, name string) (state.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key{topic, name}]
	if !ok {
		return nil, &state.Error{Code: state.StoreNotRegistered, Message: fmt.Sprintf("store %q (topic %q) is not registered", name, topic)}
	}
	return e.store, nil
}

// ChangelogProducer returns the Producer a Dataflow Executor should use to
// mirror mutations for (topic, name, partition), or nil if the store has
// no changelog configured.
func (m *Manager) ChangelogProducer(topic, name string, partition int32) *recovery.Producer {
	m.mu.Lock()
	e, ok := m.entries[key{topic, name}]
	m.mu.Unlock()
	if !ok || e.producers == nil {
		return nil
	}
	return e.producers.ForPartition(partition)
}

// OnPartitionAssign invokes AssignPartition on every store registered
// under topic and, if a Recovery Manager is configured, replays each
// store's changelog until caught up before returning.
func (m *Manager) OnPartitionAssign(ctx context.Context, topic string, partition int32, _ map[string]int64) (map[string]state.StorePartition, error) {
	m.mu.Lock()
	var matching []*storeEntry
	for k, e := range m.entries {
		if k.topic == topic {
			matching = append(matching, e)
		}
	}
	m.mu.Unlock()

	result := map[string]state.StorePartition{}
	for _, e := range matching {
		sp, err := e.store.AssignPartition(ctx, partition)
		if err != nil {
			return nil, err
		}
		result[e.store.Name()] = sp

		if m.rm != nil && e.changelogTopic != "" {
			if err := m.rm.Recover(ctx, topic, e.changelogTopic, partition, sp); err != nil {
				return nil, err
			}
		}
	}
	m.notifyAssigned(topic, partition)
	return result, nil
}

// OnPartitionRevoke first instructs the Recovery Manager to abandon any
// replay in progress on (topic, partition), then revokes partition on
// every store registered under topic. Any open transaction on that
// partition must have already been rolled back by the caller.
func (m *Manager) OnPartitionRevoke(ctx context.Context, topic string, partition int32) error {
	if m.rm != nil {
		m.rm.Abandon(topic, partition)
	}

	m.mu.Lock()
	var matching []*storeEntry
	for k, e := range m.entries {
		if k.topic == topic {
			matching = append(matching, e)
		}
	}
	m.mu.Unlock()

	for _, e := range matching {
		if err := e.store.RevokePartition(ctx, partition); err != nil {
			return err
		}
	}
	m.notifyRevoked(topic, partition)
	return nil
}

// ClearStores deletes all on-disk state. Fails with PartitionStoreIsUsed
// if any store has active partitions.
func (m *Manager) ClearStores() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if len(e.store.Partitions()) > 0 {
			return &state.Error{Code: state.PartitionStoreIsUsed, Message: "cannot clear stores with active partitions assigned"}
		}
	}
	if m.cfg.StateDir == "" {
		return nil
	}
	dir := m.groupDir()
	m.log.WithField("dir", dir).Info("removing state directory")
	return os.RemoveAll(dir)
}

// Close revokes all partitions on every registered store and releases
// backend resources.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*storeEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.store.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
