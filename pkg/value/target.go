package value

import (
	"fmt"
	"strings"
)

// TargetType is the kind of entity a value is computed about.
type TargetType int

const (
	TargetPrimitive TargetType = iota
	TargetSecurity
	TargetPosition
	TargetPortfolioNode
)

var targetTypeNames = map[TargetType]string{
	TargetPrimitive:     "PRIMITIVE",
	TargetSecurity:      "SECURITY",
	TargetPosition:      "POSITION",
	TargetPortfolioNode: "PORTFOLIO_NODE",
}

// TargetTypes lists every target type in declaration order.
var TargetTypes = []TargetType{TargetPrimitive, TargetSecurity, TargetPosition, TargetPortfolioNode}

func (t TargetType) String() string {
	if s, ok := targetTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TargetType(%d)", int(t))
}

func ParseTargetType(s string) (TargetType, error) {
	for t, name := range targetTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown target type %q", s)
}

func (t TargetType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TargetType) UnmarshalText(b []byte) error {
	parsed, err := ParseTargetType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UniqueID identifies an entity within a scheme, e.g. "TICKER~AAPL".
type UniqueID struct {
	Scheme string
	Value  string
}

const idSeparator = "~"

func NewID(scheme, value string) UniqueID {
	return UniqueID{Scheme: scheme, Value: value}
}

func ParseUniqueID(s string) (UniqueID, error) {
	scheme, v, ok := strings.Cut(s, idSeparator)
	if !ok || scheme == "" || v == "" {
		return UniqueID{}, fmt.Errorf("malformed unique id %q", s)
	}
	return UniqueID{Scheme: scheme, Value: v}, nil
}

func (u UniqueID) String() string {
	return u.Scheme + idSeparator + u.Value
}

func (u UniqueID) IsZero() bool {
	return u.Scheme == "" && u.Value == ""
}

func (u UniqueID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UniqueID) UnmarshalText(b []byte) error {
	parsed, err := ParseUniqueID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// TargetSpecification is the comparable reference to a computation target.
type TargetSpecification struct {
	Type TargetType `json:"type"`
	ID   UniqueID   `json:"id"`
}

func NewTargetSpec(t TargetType, id UniqueID) TargetSpecification {
	return TargetSpecification{Type: t, ID: id}
}

func (s TargetSpecification) String() string {
	return s.Type.String() + ":" + s.ID.String()
}

// ComputationTarget is a resolved target. Equality is by Spec; Value holds
// the resolved entity (security, position, node or primitive payload).
type ComputationTarget struct {
	Spec  TargetSpecification
	Value any
}

func NewTarget(t TargetType, id UniqueID, v any) ComputationTarget {
	return ComputationTarget{Spec: TargetSpecification{Type: t, ID: id}, Value: v}
}

func (c ComputationTarget) Type() TargetType { return c.Spec.Type }
func (c ComputationTarget) ID() UniqueID     { return c.Spec.ID }

func (c ComputationTarget) String() string {
	return c.Spec.String()
}
