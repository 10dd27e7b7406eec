package caster

import (
	"bytes"
	"sort"
	"sync"
)

// hostKey identifies one upstream caster a fetcher pulls a sourcetable
// from, the Go shape of the host/port pair sourcetable.h keys its TAILQ
// entries on.
type hostKey struct {
	host string
	port int
}

// stackEntry is one sourcetable.h `struct sourcetable` node: the
// upstream key plus the table itself, whose Priority field keeps the
// stack ordered by decreasing priority.
type stackEntry struct {
	key   hostKey
	table *Sourcetable
}

// SourcetableStack is a priority-ordered collection of sourcetables, one
// per upstream (host, port), the Go analogue of sourcetable_stack_t. A
// SourcetableFetcher installs its result here via ReplaceHost; callers
// needing a single merged view call Flatten or FindMountpoint.
type SourcetableStack struct {
	mu      sync.RWMutex
	byKey   map[hostKey]*stackEntry
	entries []*stackEntry

	// lines holds routing metadata per mountpoint, refreshed each time
	// a host's table is replaced, so FindMountpointLine can answer
	// "where do I dial to pull this" without re-deriving it from the
	// flattened wire-format table.
	lines map[string]SourceLine
}

// NewSourcetableStack builds an empty stack.
func NewSourcetableStack() *SourcetableStack {
	return &SourcetableStack{
		byKey: make(map[hostKey]*stackEntry),
		lines: make(map[string]SourceLine),
	}
}

// ReplaceHost installs tbl as the current sourcetable for (host, port),
// the Go shape of stack_replace_host. A nil tbl removes the existing
// entry instead, the path the sourcetable fetcher's failure handling
// takes when keep_sourcetable is false. The stack is re-sorted by
// decreasing priority after every change.
func (s *SourcetableStack) ReplaceHost(host string, port int, tbl *Sourcetable) {
	key := hostKey{host, port}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tbl == nil {
		if _, ok := s.byKey[key]; ok {
			delete(s.byKey, key)
			s.rebuildLocked()
		}
		return
	}

	entry, ok := s.byKey[key]
	if !ok {
		entry = &stackEntry{key: key}
		s.byKey[key] = entry
	}
	entry.table = tbl
	s.rebuildLocked()
}

// FindMountpointLine returns the routing metadata for name from the
// highest-priority table that carries it, the Go shape of
// stack_find_mountpoint paired with its owning sourceline.
func (s *SourcetableStack) FindMountpointLine(name string) (SourceLine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lines[name]
	return l, ok
}

func (s *SourcetableStack) rebuildLocked() {
	entries := make([]*stackEntry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].table.priorityOf() > entries[j].table.priorityOf()
	})
	s.entries = entries

	lines := make(map[string]SourceLine)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		for _, m := range e.table.Mounts {
			lines[m.Name] = SourceLine{
				Mount:         m.Name,
				Host:          e.key.host,
				Port:          e.key.port,
				BitsPerSecond: m.Bitrate,
			}
		}
	}
	s.lines = lines
}

// Get returns the currently installed table for (host, port), if any.
func (s *SourcetableStack) Get(host string, port int) (*Sourcetable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[hostKey{host, port}]
	if !ok {
		return nil, false
	}
	return e.table, true
}

// Flatten concatenates every installed table's mountpoints in
// decreasing-priority order, the Go shape of stack_flatten.
func (s *SourcetableStack) Flatten() Sourcetable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out Sourcetable
	for _, e := range s.entries {
		out.Casters = append(out.Casters, e.table.Casters...)
		out.Networks = append(out.Networks, e.table.Networks...)
		out.Mounts = append(out.Mounts, e.table.Mounts...)
	}
	return out
}

// FindMountpoint returns the StreamEntry for name from the
// highest-priority table that carries it, the Go shape of
// stack_find_mountpoint.
func (s *SourcetableStack) FindMountpoint(name string) (StreamEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		for _, m := range e.table.Mounts {
			if m.Name == name {
				return m, true
			}
		}
	}
	return StreamEntry{}, false
}

// InstallSourcetable parses body and installs it for (host, port) at
// priority, returning the mountpoint count. This satisfies
// client.SourcetableInstaller structurally, letting a SourcetableFetcher
// hand its fetched body straight to a stack without either package
// importing the other.
func (s *SourcetableStack) InstallSourcetable(host string, port, priority int, body []byte) (int, error) {
	st, n, err := ParseSourcetable(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	st.Priority = priority
	s.ReplaceHost(host, port, st)
	return n, nil
}

// ClearSourcetable removes any existing entry for (host, port),
// satisfying client.SourcetableInstaller structurally.
func (s *SourcetableStack) ClearSourcetable(host string, port int) {
	s.ReplaceHost(host, port, nil)
}

// priorityOf is 0 for tables that don't opt into a priority field; it
// exists so stackEntry sorting works over the plain Sourcetable value
// object without forcing every caller to populate a stack-specific type.
func (st *Sourcetable) priorityOf() int {
	return st.Priority
}
