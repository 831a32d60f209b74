package value

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
)

// PropertyFunction is set on every ValueSpecification and names the
// function that produces it.
const PropertyFunction = "Function"

// Wildcard is the JSON/text form of "any value" for a property.
const Wildcard = "*"

type propertyValue struct {
	any    bool
	values []string
}

// Properties is an immutable multimap of property name to allowed values.
// A property may instead be a wildcard meaning any value is acceptable.
// The zero value is an empty set of properties.
type Properties struct {
	m map[string]propertyValue
}

func EmptyProperties() Properties {
	return Properties{}
}

func (p Properties) clone(extra int) map[string]propertyValue {
	m := make(map[string]propertyValue, len(p.m)+extra)
	for k, v := range p.m {
		m[k] = v
	}
	return m
}

// With returns a copy of p where name allows exactly the given values.
func (p Properties) With(name string, values ...string) Properties {
	if len(values) == 0 {
		return p.WithAny(name)
	}
	m := p.clone(1)
	m[name] = propertyValue{values: normalize(values)}
	return Properties{m: m}
}

// WithAny returns a copy of p where name accepts any value.
func (p Properties) WithAny(name string) Properties {
	m := p.clone(1)
	m[name] = propertyValue{any: true}
	return Properties{m: m}
}

func (p Properties) Without(name string) Properties {
	if _, ok := p.m[name]; !ok {
		return p
	}
	m := p.clone(0)
	delete(m, name)
	return Properties{m: m}
}

func (p Properties) Len() int { return len(p.m) }

func (p Properties) IsEmpty() bool { return len(p.m) == 0 }

func (p Properties) Has(name string) bool {
	_, ok := p.m[name]
	return ok
}

func (p Properties) IsAny(name string) bool {
	return p.m[name].any
}

// Values returns the concrete values of name, nil when absent or wildcard.
func (p Properties) Values(name string) []string {
	return slices.Clone(p.m[name].values)
}

// Value returns the single concrete value of name.
func (p Properties) Value(name string) (string, bool) {
	v, ok := p.m[name]
	if !ok || v.any || len(v.values) != 1 {
		return "", false
	}
	return v.values[0], true
}

func (p Properties) Names() []string {
	names := make([]string, 0, len(p.m))
	for k := range p.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsSatisfiedBy reports whether every constraint in p is met by other.
// A constraint is met when other defines the property and either side is a
// wildcard or the value sets intersect.
func (p Properties) IsSatisfiedBy(other Properties) bool {
	for name, want := range p.m {
		have, ok := other.m[name]
		if !ok {
			return false
		}
		if want.any || have.any {
			continue
		}
		if !intersects(want.values, have.values) {
			return false
		}
	}
	return true
}

// Compose narrows p to the values requested by constraints. Wildcard or
// multi-valued properties of p are restricted to the requested values;
// properties not constrained are kept as they are.
func (p Properties) Compose(constraints Properties) Properties {
	if constraints.IsEmpty() {
		return p
	}
	m := p.clone(0)
	for name, want := range constraints.m {
		have, ok := m[name]
		if !ok || want.any {
			continue
		}
		switch {
		case have.any:
			m[name] = propertyValue{values: want.values}
		case len(have.values) > 1:
			if common := intersection(have.values, want.values); len(common) > 0 {
				m[name] = propertyValue{values: common}
			}
		}
	}
	return Properties{m: m}
}

// Key is a canonical, deterministic encoding of p.
func (p Properties) Key() string {
	if len(p.m) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range p.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		v := p.m[name]
		if v.any {
			b.WriteString(Wildcard)
			continue
		}
		b.WriteByte('[')
		b.WriteString(strings.Join(v.values, ","))
		b.WriteByte(']')
	}
	b.WriteByte('}')
	return b.String()
}

func (p Properties) String() string { return p.Key() }

func (p Properties) Equal(o Properties) bool { return p.Key() == o.Key() }

// MarshalJSON encodes p as {"name": ["v1","v2"], "wild": ["*"]}.
func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(p.m))
	for k, v := range p.m {
		if v.any {
			out[k] = []string{Wildcard}
			continue
		}
		out[k] = v.values
	}
	return json.Marshal(out)
}

func (p *Properties) UnmarshalJSON(b []byte) error {
	var in map[string][]string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	props := Properties{}
	for k, vs := range in {
		if len(vs) == 0 || slices.Contains(vs, Wildcard) {
			props = props.WithAny(k)
			continue
		}
		props = props.With(k, vs...)
	}
	*p = props
	return nil
}

func normalize(values []string) []string {
	out := slices.Clone(values)
	sort.Strings(out)
	return slices.Compact(out)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if _, ok := slices.BinarySearch(b, x); ok {
			return true
		}
	}
	return false
}

func intersection(a, b []string) []string {
	var out []string
	for _, x := range a {
		if _, ok := slices.BinarySearch(b, x); ok {
			out = append(out, x)
		}
	}
	return out
}
