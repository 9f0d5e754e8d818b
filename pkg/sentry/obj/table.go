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

package obj

import (
	"slices"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/sync"
)

// Table is the kernel's set of known objects.
type Table struct {
	mu sync.Mutex

	// +checklocks:mu
	objects map[pager.ObjID]*Object
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{objects: make(map[pager.ObjID]*Object)}
}

// Lookup returns the object with the given id.
func (t *Table) Lookup(id pager.ObjID) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[id]
	return o, ok
}

// Register adds o unless an object with its id is already known, and
// returns the object now registered under the id.
func (t *Table) Register(o *Object) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.objects[o.id]; ok {
		return cur, false
	}
	t.objects[o.id] = o
	return o, true
}

// Remove drops the object with the given id and returns it.
func (t *Table) Remove(id pager.ObjID) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[id]
	delete(t.objects, id)
	return o, ok
}

// All returns every object, ordered by id.
func (t *Table) All() []*Object {
	t.mu.Lock()
	objs := make([]*Object, 0, len(t.objects))
	for _, o := range t.objects {
		objs = append(objs, o)
	}
	t.mu.Unlock()
	slices.SortFunc(objs, func(a, b *Object) int { return a.id.Compare(b.id) })
	return objs
}
