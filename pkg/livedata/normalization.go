package livedata

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/puzpuzpuz/xsync/v4"
)

// RawRuleSet passes feed fields through unchanged.
const RawRuleSet = "Raw"

// FieldRule renames a raw feed field and optionally rescales numeric values.
type FieldRule struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// RuleSet maps the raw fields of one upstream message convention to value
// names. Fields without a rule are dropped unless PassThrough is set.
type RuleSet struct {
	ID          string      `json:"id"`
	Rules       []FieldRule `json:"rules"`
	PassThrough bool        `json:"passThrough"`
}

// Normalize returns the normalized copy of raw.
func (rs RuleSet) Normalize(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	mapped := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		v, ok := raw[r.From]
		if !ok {
			continue
		}
		mapped[r.From] = true
		if r.Multiplier != 0 {
			if f, isNum := function.AsFloat(v); isNum {
				v = f * r.Multiplier
			}
		}
		out[r.To] = v
	}
	if rs.PassThrough {
		for k, v := range raw {
			if _, done := out[k]; !done && !mapped[k] {
				out[k] = v
			}
		}
	}
	return out
}

// RuleSets is a registry of normalization rule sets. It always contains
// the Raw pass-through set.
type RuleSets struct {
	sets *xsync.Map[string, RuleSet]
}

func NewRuleSets(sets ...RuleSet) *RuleSets {
	r := &RuleSets{sets: xsync.NewMap[string, RuleSet]()}
	r.sets.Store(RawRuleSet, RuleSet{ID: RawRuleSet, PassThrough: true})
	for _, s := range sets {
		r.sets.Store(s.ID, s)
	}
	return r
}

func (r *RuleSets) Add(rs RuleSet) error {
	if rs.ID == "" {
		return fmt.Errorf("rule set without id")
	}
	r.sets.Store(rs.ID, rs)
	return nil
}

func (r *RuleSets) Get(id string) (RuleSet, bool) {
	return r.sets.Load(id)
}

func (r *RuleSets) IDs() []string {
	var ids []string
	r.sets.Range(func(id string, _ RuleSet) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// ReadRuleSets decodes a JSON array of rule sets.
func ReadRuleSets(r io.Reader) (*RuleSets, error) {
	var sets []RuleSet
	if err := json.NewDecoder(r).Decode(&sets); err != nil {
		return nil, fmt.Errorf("decode rule sets: %w", err)
	}
	out := NewRuleSets()
	for _, rs := range sets {
		if err := out.Add(rs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RuleSetsFromEnv loads the file named by LIVEDATA_RULESETS_FILE. Without
// it only the Raw rule set is available.
func RuleSetsFromEnv() (*RuleSets, error) {
	path := utils.Env("LIVEDATA_RULESETS_FILE", "")
	if path == "" {
		return NewRuleSets(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRuleSets(f)
}
