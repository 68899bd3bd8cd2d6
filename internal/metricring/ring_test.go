// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metricring

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestRingBoundsSamples(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Add(Sample{BytesUp: uint64(i)})
	}
	assert.Equal(t, r.Len(), 3)

	want := []Sample{{BytesUp: 3}, {BytesUp: 4}, {BytesUp: 5}}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestRingPartiallyFilled(t *testing.T) {
	r := New(4)
	r.Add(Sample{BytesUp: 1, BytesDown: 2})
	r.Add(Sample{BytesUp: 3, BytesDown: 4})
	assert.Equal(t, r.Len(), 2)

	up, down := r.Totals()
	assert.Equal(t, up, uint64(4))
	assert.Equal(t, down, uint64(6))
}
