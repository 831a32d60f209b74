package types

import (
	"strings"
	"time"
)

// TickChannelPrefix prefixes the Redis pub/sub channel of every applied
// tick: riskgraph:ticks:<externalId>.
const TickChannelPrefix = "riskgraph:ticks:"

// TickEvent is the payload published for every applied tick.
type TickEvent struct {
	ExternalID string         `json:"externalId"`
	RuleSet    string         `json:"ruleSet"`
	Fields     map[string]any `json:"fields"`
	At         time.Time      `json:"at"`
}

func TickChannel(externalID string) string {
	return TickChannelPrefix + externalID
}

// ExternalIDFromChannel is the inverse of TickChannel. It returns "" for
// channels outside the tick namespace.
func ExternalIDFromChannel(channel string) string {
	id, ok := strings.CutPrefix(channel, TickChannelPrefix)
	if !ok {
		return ""
	}
	return id
}
