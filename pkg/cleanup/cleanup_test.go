// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// setup mimics a constructor that acquires two resources and either succeeds
// (release) or bails out before release.
func setup(closed *[]string, release bool) func() {
	cu := Make(func() {
		*closed = append(*closed, "epoll")
	})
	defer cu.Clean()
	cu.Add(func() {
		*closed = append(*closed, "signalfd")
	})
	if release {
		return cu.Release()
	}
	return nil
}

func TestCleanOnFailure(t *testing.T) {
	var closed []string
	setup(&closed, false)
	if diff := cmp.Diff([]string{"signalfd", "epoll"}, closed); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var closed []string
	cleaner := setup(&closed, true)
	if len(closed) != 0 {
		t.Fatalf("cleanup ran after Release: %v", closed)
	}

	cleaner()
	if diff := cmp.Diff([]string{"signalfd", "epoll"}, closed); diff != "" {
		t.Errorf("released cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("cleanup called %d times, want 1", calls)
	}
}
