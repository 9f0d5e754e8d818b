// Copyright 2020 The gVisor Authors.
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

// Package cleanup runs undo functions on failure paths.
package cleanup

// Cleanup holds functions to run, in reverse order, unless released.
//
//	cu := cleanup.Make(func() { dev.Close() })
//	defer cu.Clean()
//	...
//	cu.Add(func() { ctrl.Stop() })
//	...
//	cu.Release()
//	return l, nil
type Cleanup struct {
	cleaners []func()
}

// Make returns a Cleanup that runs f.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add adds f to run before the functions already added.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs the functions not yet released.
func (c *Cleanup) Clean() {
	run(c.cleaners)
	c.cleaners = nil
}

// Release stops Clean from running the functions added so far and returns a
// function that runs them instead.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { run(old) }
}

func run(cleaners []func()) {
	for i := len(cleaners) - 1; i >= 0; i-- {
		cleaners[i]()
	}
}
