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

package pagerd

import (
	"time"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sync"
)

// ObjectStats counts the pager's work for one object.
type ObjectStats struct {
	PagesRead      uint64
	PagesWritten   uint64
	PagesAllocated uint64
	ReadErrors     uint64
	WriteErrors    uint64
}

func (s *ObjectStats) add(o ObjectStats) {
	s.PagesRead += o.PagesRead
	s.PagesWritten += o.PagesWritten
	s.PagesAllocated += o.PagesAllocated
	s.ReadErrors += o.ReadErrors
	s.WriteErrors += o.WriteErrors
}

// Stats holds per-object counters since the last Reset.
type Stats struct {
	mu sync.Mutex

	// +checklocks:mu
	objects map[pager.ObjID]*ObjectStats

	// +checklocks:mu
	since time.Time

	logger log.Logger
}

func newStats(every time.Duration) *Stats {
	return &Stats{
		objects: make(map[pager.ObjID]*ObjectStats),
		since:   time.Now(),
		logger:  log.RateLimitedLogger(plog, every),
	}
}

func (s *Stats) update(id pager.ObjID, fn func(*ObjectStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		o = &ObjectStats{}
		s.objects[id] = o
	}
	fn(o)
}

func (s *Stats) read(id pager.ObjID) {
	s.update(id, func(o *ObjectStats) { o.PagesRead++ })
}

func (s *Stats) written(id pager.ObjID, allocated bool) {
	s.update(id, func(o *ObjectStats) {
		o.PagesWritten++
		if allocated {
			o.PagesAllocated++
		}
	})
}

func (s *Stats) failed(id pager.ObjID, read bool) {
	s.update(id, func(o *ObjectStats) {
		if read {
			o.ReadErrors++
		} else {
			o.WriteErrors++
		}
	})
}

// Object returns the counters of object id.
func (s *Stats) Object(id pager.ObjID) ObjectStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[id]; ok {
		return *o
	}
	return ObjectStats{}
}

// Snapshot returns the counters of every object with activity.
func (s *Stats) Snapshot() map[pager.ObjID]ObjectStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[pager.ObjID]ObjectStats, len(s.objects))
	for id, o := range s.objects {
		m[id] = *o
	}
	return m
}

// Total returns the sum of every object's counters.
func (s *Stats) Total() ObjectStats {
	var t ObjectStats
	for _, o := range s.Snapshot() {
		t.add(o)
	}
	return t
}

// Reset clears the counters.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.objects)
	s.since = time.Now()
}

// kbPerSec converts a page count over d to a rate.
func kbPerSec(pages uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(pages*hostarch.PageSize) / 1024 / d.Seconds()
}

// report logs the totals, at most once per reporting interval.
func (s *Stats) report() {
	if !s.logger.IsLogging(log.Info) {
		return
	}
	s.mu.Lock()
	dt := time.Since(s.since)
	s.mu.Unlock()
	t := s.Total()
	s.logger.Infof("%.1f KB/s read, %.1f KB/s written, %d pages allocated, %d read errors, %d write errors",
		kbPerSec(t.PagesRead, dt), kbPerSec(t.PagesWritten, dt), t.PagesAllocated, t.ReadErrors, t.WriteErrors)
}
