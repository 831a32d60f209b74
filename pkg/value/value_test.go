package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueID(t *testing.T) {
	id, err := ParseUniqueID("TICKER~AAPL")
	require.NoError(t, err)
	assert.Equal(t, NewID("TICKER", "AAPL"), id)
	assert.Equal(t, "TICKER~AAPL", id.String())

	for _, bad := range []string{"", "TICKER", "~AAPL", "TICKER~"} {
		_, err := ParseUniqueID(bad)
		assert.Error(t, err, bad)
	}
}

func TestTargetTypeText(t *testing.T) {
	for _, tt := range TargetTypes {
		b, err := tt.MarshalText()
		require.NoError(t, err)
		var back TargetType
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, tt, back)
	}
	_, err := ParseTargetType("TRADE")
	assert.Error(t, err)
}

func TestPropertiesIsSatisfiedBy(t *testing.T) {
	usd := EmptyProperties().With("Currency", "USD")
	tests := []struct {
		name        string
		constraints Properties
		props       Properties
		want        bool
	}{
		{"empty constraints", EmptyProperties(), usd, true},
		{"exact match", usd, usd, true},
		{"missing property", usd, EmptyProperties(), false},
		{"different value", usd, EmptyProperties().With("Currency", "EUR"), false},
		{"wildcard output", usd, EmptyProperties().WithAny("Currency"), true},
		{"wildcard constraint", EmptyProperties().WithAny("Currency"), EmptyProperties().With("Currency", "GBP"), true},
		{"intersecting sets", usd, EmptyProperties().With("Currency", "EUR", "USD"), true},
		{"extra output properties", usd, usd.With("Curve", "FUNDING"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.constraints.IsSatisfiedBy(tt.props))
		})
	}
}

func TestPropertiesCompose(t *testing.T) {
	out := EmptyProperties().WithAny("Currency").With("Curve", "A", "B").With("Method", "X")
	req := EmptyProperties().With("Currency", "USD").With("Curve", "B")

	composed := out.Compose(req)
	v, ok := composed.Value("Currency")
	require.True(t, ok)
	assert.Equal(t, "USD", v)
	assert.Equal(t, []string{"B"}, composed.Values("Curve"))
	assert.Equal(t, []string{"X"}, composed.Values("Method"))

	// the receiver is never modified
	assert.True(t, out.IsAny("Currency"))
}

func TestPropertiesKeyDeterministic(t *testing.T) {
	a := EmptyProperties().With("B", "2", "1").With("A", "x")
	b := EmptyProperties().With("A", "x").With("B", "1", "2", "2")
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "{A=[x],B=[1,2]}", a.Key())
	assert.Equal(t, "{}", EmptyProperties().Key())
	assert.Equal(t, "{C=*}", EmptyProperties().WithAny("C").Key())
}

func TestPropertiesJSON(t *testing.T) {
	in := EmptyProperties().With("Currency", "USD").WithAny("Curve")
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Properties
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, in.Equal(out))
}

func TestSpecificationSatisfies(t *testing.T) {
	target := NewTargetSpec(TargetSecurity, NewID("TICKER", "AAPL"))
	spec := NewSpecification(FairValue, target, "fv", EmptyProperties().WithAny("Currency"))
	assert.Equal(t, "fv", spec.FunctionID())

	assert.True(t, spec.Satisfies(NewRequirement(FairValue, target, EmptyProperties())))
	assert.True(t, spec.Satisfies(NewRequirement(FairValue, target, EmptyProperties().With("Currency", "USD"))))
	assert.False(t, spec.Satisfies(NewRequirement(PV01, target, EmptyProperties())))
	other := NewTargetSpec(TargetSecurity, NewID("TICKER", "MSFT"))
	assert.False(t, spec.Satisfies(NewRequirement(FairValue, other, EmptyProperties())))

	composed := spec.Compose(NewRequirement(FairValue, target, EmptyProperties().With("Currency", "USD")))
	assert.Equal(t, []string{"USD"}, composed.Properties.Values("Currency"))
	assert.True(t, composed.Satisfies(composed.Requirement()))
}

func TestRequirementKeyEquality(t *testing.T) {
	target := NewTargetSpec(TargetPosition, NewID("POS", "1"))
	a := NewRequirement(MarketValue, target, EmptyProperties().With("Currency", "USD"))
	b := NewRequirement(MarketValue, target, EmptyProperties().With("Currency", "USD"))
	c := NewRequirement(MarketValue, target, EmptyProperties())
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
