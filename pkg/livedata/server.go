package livedata

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/canopy-network/riskgraph/pkg/retry"
	"github.com/canopy-network/riskgraph/pkg/value"
	"go.uber.org/zap"
)

// PropertyRuleSet selects the normalization rule set of a live data value.
const PropertyRuleSet = "NormalizationRuleSet"

// Server is the live data snapshot store: it owns the LKV table, the
// subscriptions and the feed connection.
type Server struct {
	logger         *zap.Logger
	feed           Feed
	store          *Store
	subs           *SubscriptionManager
	rules          *RuleSets
	defaultRuleSet string
	reconnect      retry.Config
	listeners      []TickListener

	ticks     atomic.Uint64
	ignored   atomic.Uint64
	snapshots atomic.Uint64
}

type Option func(*Server)

// TickListener observes every normalized tick merged into the LKV table.
// Listeners run on the tick path and must not block.
type TickListener func(ctx context.Context, key Key, fields map[string]any)

func WithTickListener(l TickListener) Option {
	return func(s *Server) { s.listeners = append(s.listeners, l) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithRuleSets(rs *RuleSets) Option {
	return func(s *Server) { s.rules = rs }
}

// WithDefaultRuleSet sets the rule set used by specs that do not name one.
func WithDefaultRuleSet(id string) Option {
	return func(s *Server) { s.defaultRuleSet = id }
}

// WithReconnect sets the backoff used when the feed connection drops.
func WithReconnect(cfg retry.Config) Option {
	return func(s *Server) { s.reconnect = cfg }
}

func NewServer(feed Feed, opts ...Option) *Server {
	s := &Server{
		logger:         zap.NewNop(),
		feed:           feed,
		store:          NewStore(),
		defaultRuleSet: RawRuleSet,
		reconnect: retry.Config{
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2,
			JitterEnabled: true,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.rules == nil {
		s.rules = NewRuleSets()
	}
	s.subs = NewSubscriptionManager(feed, s.logger)
	// the last known value of a key lives only while someone subscribes to it
	s.subs.OnEnd(s.store.Invalidate)
	return s
}

func (s *Server) Store() *Store                       { return s.store }
func (s *Server) Subscriptions() *SubscriptionManager { return s.subs }
func (s *Server) RuleSets() *RuleSets                 { return s.rules }

// KeyOf maps a specification to its LKV key and field name.
func (s *Server) KeyOf(spec value.ValueSpecification) (Key, string) {
	return s.keyOf(spec.Name, spec.Target, spec.Properties)
}

func (s *Server) keyOf(name string, target value.TargetSpecification, props value.Properties) (Key, string) {
	rs := s.defaultRuleSet
	if v, ok := props.Value(PropertyRuleSet); ok {
		rs = v
	}
	return Key{ExternalID: target.ID.String(), RuleSet: rs}, name
}

// IsAvailable reports requirements whose value is already held in the
// LKV table.
func (s *Server) IsAvailable(req value.ValueRequirement) bool {
	key, field := s.keyOf(req.Name, req.Target, req.Constraints)
	_, ok := s.store.Field(key, field)
	return ok
}

// Subscribe takes one reference per spec. On error the references already
// taken by this call are released.
func (s *Server) Subscribe(ctx context.Context, specs []value.ValueSpecification, persistent bool) error {
	for i, spec := range specs {
		key, _ := s.KeyOf(spec)
		if _, ok := s.rules.Get(key.RuleSet); !ok {
			err := fmt.Errorf("unknown normalization rule set %q", key.RuleSet)
			return errors.Join(err, s.Unsubscribe(ctx, specs[:i]))
		}
		if err := s.subs.Subscribe(ctx, key, persistent); err != nil {
			return errors.Join(err, s.Unsubscribe(ctx, specs[:i]))
		}
	}
	return nil
}

// Unsubscribe releases one reference per spec.
func (s *Server) Unsubscribe(ctx context.Context, specs []value.ValueSpecification) error {
	var errs []error
	for _, spec := range specs {
		key, _ := s.KeyOf(spec)
		if _, err := s.subs.Unsubscribe(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Heartbeat refreshes the subscriptions of specs.
func (s *Server) Heartbeat(specs []value.ValueSpecification) {
	for _, spec := range specs {
		key, _ := s.KeyOf(spec)
		s.subs.Heartbeat(key)
	}
}

// HandleTick normalizes tick once per rule set subscribed to its instrument
// and merges the result into the LKV table. Ticks for instruments nobody
// subscribed to are dropped.
func (s *Server) HandleTick(ctx context.Context, tick Tick) {
	s.ticks.Add(1)
	applied := false
	for _, id := range s.rules.IDs() {
		key := Key{ExternalID: tick.ExternalID, RuleSet: id}
		if !s.subs.IsSubscribed(key) {
			continue
		}
		rs, _ := s.rules.Get(id)
		fields := rs.Normalize(tick.Fields)
		s.store.OnTick(key, fields)
		for _, l := range s.listeners {
			l(ctx, key, fields)
		}
		applied = true
	}
	if !applied {
		s.ignored.Add(1)
		metrics.TicksTotal.WithLabelValues("ignored").Inc()
		return
	}
	metrics.TicksTotal.WithLabelValues("applied").Inc()
}

// Snapshot returns an uninitialized snapshot. A zero asOf is replaced by
// the time the snapshot is initialized.
func (s *Server) Snapshot(asOf time.Time) *Snapshot {
	s.snapshots.Add(1)
	return newSnapshot(s.store, s.KeyOf, asOf)
}

// Run pumps ticks from the feed until ctx is done. When the feed stops
// with an error the server waits, re-establishes all subscriptions and
// reconnects. ErrFeedClosed ends Run.
func (s *Server) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.feed.Run(ctx, s.HandleTick)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrFeedClosed) {
			return err
		}
		attempt++
		delay := retry.Backoff(s.reconnect, attempt)
		s.logger.Warn("Live data feed disconnected, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.subs.Reestablish(ctx); err != nil {
			s.logger.Error("Failed to re-establish subscriptions", zap.Error(err))
			continue
		}
		attempt = 0
	}
}

// ExpireStale ends non-persistent subscriptions idle for longer than timeout.
func (s *Server) ExpireStale(ctx context.Context, timeout time.Duration) ([]Key, error) {
	return s.subs.ExpireStale(ctx, time.Now(), timeout)
}

// Stats is a summary of the server state.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Keys          int    `json:"keys"`
	Ticks         uint64 `json:"ticks"`
	IgnoredTicks  uint64 `json:"ignoredTicks"`
	Snapshots     uint64 `json:"snapshots"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Subscriptions: s.subs.Len(),
		Keys:          s.store.Len(),
		Ticks:         s.ticks.Load(),
		IgnoredTicks:  s.ignored.Load(),
		Snapshots:     s.snapshots.Load(),
	}
}
