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

package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventWakesAllWaiters(t *testing.T) {
	e := NewEvent[int]()
	const waiters = 8
	results := make(chan int, waiters)
	var wg WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait failed: %v", err)
			}
			results <- v
		}()
	}
	if !e.Signal(42, nil) {
		t.Fatalf("first Signal returned false")
	}
	if e.Signal(7, nil) {
		t.Errorf("second Signal returned true")
	}
	wg.Wait()
	close(results)
	for v := range results {
		if v != 42 {
			t.Errorf("waiter got %d, want 42", v)
		}
	}
	if !e.Ready() {
		t.Errorf("Ready() = false after Signal")
	}
}

func TestEventError(t *testing.T) {
	e := NewEvent[struct{}]()
	want := errors.New("storage failure")
	e.Signal(struct{}{}, want)
	if _, err := e.Wait(context.Background()); err != want {
		t.Errorf("Wait returned %v, want %v", err, want)
	}
}

func TestEventWaitTimeout(t *testing.T) {
	e := NewEvent[int]()
	if _, err := e.WaitTimeout(10 * time.Millisecond); err != ErrTimedOut {
		t.Errorf("WaitTimeout returned %v, want %v", err, ErrTimedOut)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait on cancelled context returned %v, want %v", err, context.Canceled)
	}
}
