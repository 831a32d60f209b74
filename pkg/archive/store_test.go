package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn keeps inserted rows in memory and answers selects by snapshot id.
type fakeConn struct {
	execs     []string
	rows      []Row
	insertErr error
}

func (f *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeConn) InsertRows(_ context.Context, _ string, rows [][]any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, r := range rows {
		f.rows = append(f.rows, Row{
			SnapshotID: r[0].(string),
			AsOf:       r[1].(time.Time),
			SpecKey:    r[2].(string),
			ExternalID: r[3].(string),
			RuleSet:    r[4].(string),
			Field:      r[5].(string),
			Value:      r[6].(string),
			ArchivedAt: r[7].(time.Time),
		})
	}
	return nil
}

func (f *fakeConn) Select(_ context.Context, dest any, _ string, args ...any) error {
	out := dest.(*[]Row)
	for _, r := range f.rows {
		if r.SnapshotID == args[0] {
			*out = append(*out, r)
		}
	}
	return nil
}

func spec(id string) value.ValueSpecification {
	target := value.NewTargetSpec(value.TargetSecurity, value.NewID("TICKER", id))
	return value.NewSpecification(value.MarketPrice, target, "MarketDataSourcing", value.EmptyProperties())
}

func initializedSnapshot(t *testing.T, asOf time.Time) *livedata.Snapshot {
	ctx := context.Background()
	server := livedata.NewServer(livedata.NewSimulatedFeed(0), livedata.WithLogger(zaptest.NewLogger(t)))
	specs := []value.ValueSpecification{spec("AAPL"), spec("MSFT")}
	require.NoError(t, server.Subscribe(ctx, specs, false))
	server.HandleTick(ctx, livedata.Tick{ExternalID: "TICKER~AAPL", Fields: map[string]any{value.MarketPrice: 150.5}})
	server.HandleTick(ctx, livedata.Tick{ExternalID: "TICKER~MSFT", Fields: map[string]any{value.MarketPrice: "n/a"}})

	snap := server.Snapshot(asOf)
	require.NoError(t, snap.Init(ctx, specs, 0))
	return snap
}

func TestStore_InitSchema(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, New(conn, nil).InitSchema(context.Background()))
	require.Len(t, conn.execs, 1)
	assert.True(t, strings.HasPrefix(conn.execs[0], "CREATE TABLE IF NOT EXISTS snapshot_values"))
	assert.Contains(t, conn.execs[0], "ENGINE = MergeTree")
}

func TestStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	store := New(conn, zaptest.NewLogger(t))
	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := initializedSnapshot(t, asOf)

	require.NoError(t, store.Save(ctx, snap))
	require.Len(t, conn.rows, 2)

	entries, err := store.Load(ctx, snap.ID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, asOf, entries[0].AsOf)
	assert.Equal(t, livedata.Key{ExternalID: "TICKER~AAPL", RuleSet: livedata.RawRuleSet}, entries[0].Key)
	assert.Equal(t, value.MarketPrice, entries[0].Field)
	assert.Equal(t, 150.5, entries[0].Value)
	assert.Equal(t, "n/a", entries[1].Value)

	_, err = store.Load(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStore_SaveRejectsUninitialized(t *testing.T) {
	server := livedata.NewServer(livedata.NewSimulatedFeed(0))
	err := New(&fakeConn{}, nil).Save(context.Background(), server.Snapshot(time.Time{}))
	assert.Error(t, err)
}

func TestStore_SaveWrapsInsertError(t *testing.T) {
	conn := &fakeConn{insertErr: errors.New("connection reset")}
	snap := initializedSnapshot(t, time.Time{})
	err := New(conn, nil).Save(context.Background(), snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
