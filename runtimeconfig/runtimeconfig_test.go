// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package runtimeconfig

import (
	"strings"
	"testing"
)

func TestParseInjectsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
group_id: g1
state_dir: /tmp/state
stores:
  - name: counts
    topic: events
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.WindowCacheSize != 4096 {
		t.Fatalf("expected default window cache size 4096, got %d", cfg.WindowCacheSize)
	}
	if cfg.ShutdownTimeoutMS != 30000 {
		t.Fatalf("expected default shutdown timeout 30000, got %d", cfg.ShutdownTimeoutMS)
	}
	if cfg.Recovery.ChangelogTopicPrefix != "changelog" {
		t.Fatalf("expected default changelog prefix, got %q", cfg.Recovery.ChangelogTopicPrefix)
	}
	if cfg.Stores[0].Backend != BackendDisk {
		t.Fatalf("expected default backend disk, got %q", cfg.Stores[0].Backend)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		note string
		raw  string
		want string
	}{
		{
			note: "missing group_id",
			raw:  "state_dir: /tmp/state",
			want: "group_id is required",
		},
		{
			note: "missing state_dir",
			raw:  "group_id: g1",
			want: "state_dir is required",
		},
		{
			note: "unknown backend",
			raw: `
group_id: g1
state_dir: /tmp/state
stores:
  - name: counts
    topic: events
    backend: cassandra
`,
			want: `unknown backend "cassandra"`,
		},
		{
			note: "store without name",
			raw: `
group_id: g1
state_dir: /tmp/state
stores:
  - topic: events
`,
			want: "name is required",
		},
		{
			note: "duplicate store on topic",
			raw: `
group_id: g1
state_dir: /tmp/state
stores:
  - name: counts
    topic: events
  - name: counts
    topic: events
`,
			want: "duplicate store",
		},
		{
			note: "malformed yaml",
			raw:  "group_id: [unclosed",
			want: "parsing config",
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestParseSameStoreNameOnDifferentTopics(t *testing.T) {
	_, err := Parse([]byte(`
group_id: g1
state_dir: /tmp/state
stores:
  - name: counts
    topic: events
  - name: counts
    topic: clicks
`))
	if err != nil {
		t.Fatalf("a store name may repeat across topics, got %v", err)
	}
}

func TestChangelogTopicName(t *testing.T) {
	cfg, err := Parse([]byte(`
group_id: g1
state_dir: /tmp/state
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := cfg.ChangelogTopic("counts", "events")
	want := "changelog__g1--events--counts"
	if got != want {
		t.Fatalf("ChangelogTopic = %q, want %q", got, want)
	}
}
