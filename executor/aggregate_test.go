// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package executor

import (
	"testing"
	"time"
)

func TestWindowsFor(t *testing.T) {
	tests := []struct {
		note string
		tsMS int64
		spec WindowSpec
		want []windowBounds
	}{
		{
			note: "tumbling, first bucket",
			tsMS: 1500,
			spec: WindowSpec{Duration: 3 * time.Second, Step: 3 * time.Second},
			want: []windowBounds{{0, 3000}},
		},
		{
			note: "tumbling, bucket boundary belongs to the next window",
			tsMS: 3000,
			spec: WindowSpec{Duration: 3 * time.Second, Step: 3 * time.Second},
			want: []windowBounds{{3000, 6000}},
		},
		{
			note: "tumbling, zero step defaults to duration",
			tsMS: 1500,
			spec: WindowSpec{Duration: 3 * time.Second},
			want: []windowBounds{{0, 3000}},
		},
		{
			note: "hopping, timestamp covered by duration/step overlapping windows",
			tsMS: 6000,
			spec: WindowSpec{Duration: 5 * time.Second, Step: 1 * time.Second},
			want: []windowBounds{{2000, 7000}, {3000, 8000}, {4000, 9000}, {5000, 10000}, {6000, 11000}},
		},
		{
			note: "sliding, one record-aligned window",
			tsMS: 6000,
			spec: WindowSpec{Duration: 5 * time.Second, Sliding: true},
			want: []windowBounds{{1001, 6001}},
		},
		{
			note: "zero duration yields nothing",
			tsMS: 6000,
			spec: WindowSpec{},
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			got := windowsFor(tc.tsMS, tc.spec)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("window %d: got %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
