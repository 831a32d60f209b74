// Package archive keeps initialized market data snapshots in ClickHouse so
// a cycle can be explained or replayed later.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

const DefaultTable = "snapshot_values"

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Conn is the part of the ClickHouse client the store uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	InsertRows(ctx context.Context, query string, rows [][]any) error
}

// Row is one archived snapshot value. Value holds the JSON encoding of the
// frozen value.
type Row struct {
	SnapshotID string    `ch:"snapshot_id" json:"snapshotId"`
	AsOf       time.Time `ch:"as_of" json:"asOf"`
	SpecKey    string    `ch:"spec" json:"spec"`
	ExternalID string    `ch:"external_id" json:"externalId"`
	RuleSet    string    `ch:"rule_set" json:"ruleSet"`
	Field      string    `ch:"field" json:"field"`
	Value      string    `ch:"value" json:"value"`
	ArchivedAt time.Time `ch:"archived_at" json:"archivedAt"`
}

// Entry is a decoded archived value.
type Entry struct {
	SnapshotID string       `json:"snapshotId"`
	AsOf       time.Time    `json:"asOf"`
	Spec       string       `json:"spec"`
	Key        livedata.Key `json:"key"`
	Field      string       `json:"field"`
	Value      any          `json:"value"`
}

type Store struct {
	conn   Conn
	table  string
	logger *zap.Logger
	now    func() time.Time
}

func New(conn Conn, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{conn: conn, table: DefaultTable, logger: logger, now: time.Now}
}

// InitSchema creates the archive table.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    snapshot_id String,
    as_of DateTime64(3, 'UTC'),
    spec String,
    external_id LowCardinality(String),
    rule_set LowCardinality(String),
    field LowCardinality(String),
    value String,
    archived_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(as_of)
ORDER BY (snapshot_id, spec)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Save writes every value of snap in a single batch. Snapshots without
// values are skipped.
func (s *Store) Save(ctx context.Context, snap *livedata.Snapshot) error {
	if !snap.IsInitialized() {
		return fmt.Errorf("snapshot %s is not initialized", snap.ID())
	}
	entries := snap.Entries()
	if len(entries) == 0 {
		return nil
	}

	asOf := snap.AsOf().UTC()
	archivedAt := s.now().UTC()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		encoded, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Spec.Key(), err)
		}
		rows = append(rows, []any{
			snap.ID(), asOf, e.Spec.Key(), e.Key.ExternalID, e.Key.RuleSet, e.Field, string(encoded), archivedAt,
		})
	}

	query := fmt.Sprintf("INSERT INTO %s (snapshot_id, as_of, spec, external_id, rule_set, field, value, archived_at)", s.table)
	if err := s.conn.InsertRows(ctx, query, rows); err != nil {
		return fmt.Errorf("archive snapshot %s: %w", snap.ID(), err)
	}
	s.logger.Debug("Archived snapshot", zap.String("snapshot", snap.ID()), zap.Int("values", len(rows)))
	return nil
}

// Load returns the archived values of snapshotID ordered by spec.
func (s *Store) Load(ctx context.Context, snapshotID string) ([]Entry, error) {
	var rows []Row
	query := fmt.Sprintf(`SELECT snapshot_id, as_of, spec, external_id, rule_set, field, value, archived_at
FROM %s WHERE snapshot_id = ? ORDER BY spec`, s.table)
	if err := s.conn.Select(ctx, &rows, query, snapshotID); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.SpecKey, err)
		}
		out = append(out, Entry{
			SnapshotID: r.SnapshotID,
			AsOf:       r.AsOf,
			Spec:       r.SpecKey,
			Key:        livedata.Key{ExternalID: r.ExternalID, RuleSet: r.RuleSet},
			Field:      r.Field,
			Value:      v,
		})
	}
	return out, nil
}
