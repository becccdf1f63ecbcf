// Package funcs is the function table shared by the orchestrator and its
// workers. Go cannot ship closures, so a function is a named entry
// registered in the same table on both sides; the orchestrator dispatches
// the name and the worker looks it up.
package funcs

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// MapFunc processes one partition.
type MapFunc func(ctx context.Context, in *Input) (any, error)

// ReduceFunc combines the results of a group of map partitions.
type ReduceFunc func(ctx context.Context, in *ReduceInput) (any, error)

// Entry is one registered function.
type Entry struct {
	Name   string
	Map    MapFunc
	Reduce ReduceFunc
	// File is the source file defining the function; Module is its stem.
	// The packager ships File and resolves its imports.
	File   string
	Module string
}

// Table maps function names to entries.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// RegisterMap adds a map function under name.
func (t *Table) RegisterMap(name string, fn MapFunc) error {
	if fn == nil {
		return fmt.Errorf("map function %s is nil", name)
	}
	return t.register(Entry{Name: name, Map: fn}, fn)
}

// RegisterReduce adds a reduce function under name.
func (t *Table) RegisterReduce(name string, fn ReduceFunc) error {
	if fn == nil {
		return fmt.Errorf("reduce function %s is nil", name)
	}
	return t.register(Entry{Name: name, Reduce: fn}, fn)
}

// MustRegisterMap panics on a duplicate name, for init-time tables.
func (t *Table) MustRegisterMap(name string, fn MapFunc) {
	if err := t.RegisterMap(name, fn); err != nil {
		panic(err)
	}
}

func (t *Table) MustRegisterReduce(name string, fn ReduceFunc) {
	if err := t.RegisterReduce(name, fn); err != nil {
		panic(err)
	}
}

func (t *Table) register(e Entry, fn any) error {
	if name := strings.TrimSpace(e.Name); name == "" || name != e.Name {
		return fmt.Errorf("invalid function name %q", e.Name)
	}
	e.File = sourceFile(fn)
	if e.File != "" {
		e.Module = strings.TrimSuffix(filepath.Base(e.File), filepath.Ext(e.File))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.Name]; exists {
		return fmt.Errorf("function already registered: %s", e.Name)
	}
	t.entries[e.Name] = e
	return nil
}

// sourceFile returns the file where fn is defined, or "" when the runtime
// cannot tell.
func sourceFile(fn any) string {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return ""
	}
	file, _ := f.FileLine(pc)
	return file
}

func (t *Table) Get(name string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("function not found: %s", name)
	}
	return e, nil
}

// List returns the registered names in sorted order.
func (t *Table) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
