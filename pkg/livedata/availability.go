package livedata

import (
	"sync"

	"github.com/canopy-network/riskgraph/pkg/value"
)

// Availability answers, without subscribing, whether a requirement can be
// sourced from the live feed. Implementations must be safe for concurrent
// reads.
type Availability interface {
	IsAvailable(req value.ValueRequirement) bool
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func(req value.ValueRequirement) bool

func (f AvailabilityFunc) IsAvailable(req value.ValueRequirement) bool { return f(req) }

var (
	AllAvailable  Availability = AvailabilityFunc(func(value.ValueRequirement) bool { return true })
	NoneAvailable Availability = AvailabilityFunc(func(value.ValueRequirement) bool { return false })
)

type nameTarget struct {
	name   string
	target value.TargetSpecification
}

// FixedAvailability reports a fixed set of (value name, target) pairs as
// available, ignoring constraints.
type FixedAvailability struct {
	mu  sync.RWMutex
	set map[nameTarget]bool
}

func NewFixedAvailability(reqs ...value.ValueRequirement) *FixedAvailability {
	f := &FixedAvailability{set: map[nameTarget]bool{}}
	for _, r := range reqs {
		f.Add(r.Name, r.Target)
	}
	return f
}

func (f *FixedAvailability) Add(name string, target value.TargetSpecification) {
	f.mu.Lock()
	f.set[nameTarget{name, target}] = true
	f.mu.Unlock()
}

func (f *FixedAvailability) IsAvailable(req value.ValueRequirement) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set[nameTarget{req.Name, req.Target}]
}

// FieldAvailability reports a value available when its name is a field the
// feed publishes and the target is of a type the feed covers.
type FieldAvailability struct {
	Fields map[string]bool
	Types  map[value.TargetType]bool
}

func NewFieldAvailability(fields []string, types ...value.TargetType) FieldAvailability {
	fa := FieldAvailability{Fields: map[string]bool{}, Types: map[value.TargetType]bool{}}
	for _, f := range fields {
		fa.Fields[f] = true
	}
	if len(types) == 0 {
		types = []value.TargetType{value.TargetSecurity, value.TargetPrimitive}
	}
	for _, t := range types {
		fa.Types[t] = true
	}
	return fa
}

func (f FieldAvailability) IsAvailable(req value.ValueRequirement) bool {
	return f.Types[req.Target.Type] && f.Fields[req.Name]
}

// AnyOf is available when any of the given providers is.
func AnyOf(providers ...Availability) Availability {
	return AvailabilityFunc(func(req value.ValueRequirement) bool {
		for _, p := range providers {
			if p.IsAvailable(req) {
				return true
			}
		}
		return false
	})
}
