package livedata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Tick is one message from the upstream feed, before normalization.
type Tick struct {
	ExternalID string         `json:"externalId"`
	Fields     map[string]any `json:"fields"`
	Received   time.Time      `json:"received"`
}

// TickHandler receives ticks from a feed.
type TickHandler func(ctx context.Context, tick Tick)

// Feed is the upstream market data connection. Subscribe and Unsubscribe
// are called at most once per instrument transition; Run delivers ticks
// until ctx is done and returns the reason it stopped.
type Feed interface {
	Subscribe(ctx context.Context, externalIDs []string) error
	Unsubscribe(ctx context.Context, externalIDs []string) error
	Run(ctx context.Context, handler TickHandler) error
}

var ErrFeedClosed = errors.New("feed closed")

// SimulatedFeed is an in-process feed. Ticks passed to Publish are
// delivered by Run in order.
type SimulatedFeed struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	subscribes   int
	unsubscribes int
	failNext     error

	ticks  chan Tick
	closed chan struct{}
	once   sync.Once
}

func NewSimulatedFeed(buffer int) *SimulatedFeed {
	if buffer <= 0 {
		buffer = 1024
	}
	return &SimulatedFeed{
		subscribed: map[string]bool{},
		ticks:      make(chan Tick, buffer),
		closed:     make(chan struct{}),
	}
}

func (f *SimulatedFeed) Subscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribes++
	return nil
}

func (f *SimulatedFeed) Unsubscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.unsubscribes++
	return nil
}

// FailNextSubscribe makes the next Subscribe call return err.
func (f *SimulatedFeed) FailNextSubscribe(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

// Publish queues a tick. It returns ErrFeedClosed after Close.
func (f *SimulatedFeed) Publish(externalID string, fields map[string]any) error {
	select {
	case <-f.closed:
		return ErrFeedClosed
	default:
	}
	select {
	case f.ticks <- Tick{ExternalID: externalID, Fields: fields, Received: time.Now()}:
		return nil
	case <-f.closed:
		return ErrFeedClosed
	}
}

func (f *SimulatedFeed) Run(ctx context.Context, handler TickHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return ErrFeedClosed
		case t := <-f.ticks:
			handler(ctx, t)
		}
	}
}

func (f *SimulatedFeed) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *SimulatedFeed) IsSubscribed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[id]
}

// Subscribed returns the currently subscribed ids, sorted.
func (f *SimulatedFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Calls returns the number of Subscribe and Unsubscribe calls made.
func (f *SimulatedFeed) Calls() (subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}
