package function

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrDuplicateFunction = errors.New("function already registered")

type entry struct {
	fn       Function
	priority int
	seq      int
}

// Repository is the catalog of registered functions.
type Repository struct {
	mu      sync.RWMutex
	entries []entry
	byID    map[string]int
}

func NewRepository() *Repository {
	return &Repository{byID: map[string]int{}}
}

// Register adds fn with the given priority. Higher priorities are tried
// first; ties keep registration order.
func (r *Repository) Register(fn Function, priority int) error {
	if fn == nil || fn.ID() == "" {
		return errors.New("function must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[fn.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.ID())
	}
	r.byID[fn.ID()] = len(r.entries)
	r.entries = append(r.entries, entry{fn: fn, priority: priority, seq: len(r.entries)})
	return nil
}

// MustRegister is Register for static catalogs; it panics on error.
func (r *Repository) MustRegister(fn Function, priority int) {
	if err := r.Register(fn, priority); err != nil {
		panic(err)
	}
}

func (r *Repository) Lookup(id string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return r.entries[i].fn, true
}

func (r *Repository) Priority(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	return r.entries[i].priority, true
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ordered returns the entries in resolution order.
func (r *Repository) ordered() []entry {
	r.mu.RLock()
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Functions returns the registered functions in resolution order.
func (r *Repository) Functions() []Function {
	ordered := r.ordered()
	out := make([]Function, len(ordered))
	for i, e := range ordered {
		out[i] = e.fn
	}
	return out
}
