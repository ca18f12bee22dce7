package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/canopy-network/dappscope/pkg/db/clickhouse"
	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/utils"
)

const TableName = "daily_snapshots"

// Conn is the part of the ClickHouse client the store uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Table(name string) string
	Close() error
}

// ClickHouseStore keeps one row per date in a ReplacingMergeTree versioned by build time,
// so a re-run for the same date replaces the earlier row. Reads use FINAL.
type ClickHouseStore struct {
	conn  Conn
	clock utils.Clock
}

type snapshotRow struct {
	Date               time.Time `ch:"date"`
	NewUsers           uint64    `ch:"new_users"`
	ActiveUsers        uint64    `ch:"active_users"`
	TotalSessions      uint64    `ch:"total_sessions"`
	AvgSessionDuration int64     `ch:"avg_session_duration_ns"`
	TotalTransactions  uint64    `ch:"total_transactions"`
	TotalGasUsed       string    `ch:"total_gas_used"`
	TopContracts       string    `ch:"top_contracts"`
	TopEvents          string    `ch:"top_events"`
	Metadata           string    `ch:"metadata"`
	Version            uint64    `ch:"version"`
}

const snapshotColumns = `date, new_users, active_users, total_sessions, avg_session_duration_ns,
	total_transactions, total_gas_used, top_contracts, top_events, metadata, version`

func NewClickHouseStore(ctx context.Context, conn Conn, clock utils.Clock) (*ClickHouseStore, error) {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	s := &ClickHouseStore{conn: conn, clock: clock}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseStore) init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			date Date,
			new_users UInt64,
			active_users UInt64,
			total_sessions UInt64,
			avg_session_duration_ns Int64,
			total_transactions UInt64,
			total_gas_used String,
			top_contracts String,
			top_events String,
			metadata String,
			version UInt64
		) ENGINE = %s(version)
		ORDER BY date
	`, s.conn.Table(TableName), clickhouse.ReplacingMergeTree)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", TableName, err)
	}
	return nil
}

func toRow(snap analytics.DailySnapshot, version uint64) (snapshotRow, error) {
	date, err := ParseDate(snap.Date)
	if err != nil {
		return snapshotRow{}, err
	}
	contracts, err := json.Marshal(snap.TopContracts)
	if err != nil {
		return snapshotRow{}, err
	}
	evs, err := json.Marshal(snap.TopEvents)
	if err != nil {
		return snapshotRow{}, err
	}
	md, err := json.Marshal(snap.Metadata)
	if err != nil {
		return snapshotRow{}, err
	}
	return snapshotRow{
		Date:               date,
		NewUsers:           snap.NewUsers,
		ActiveUsers:        snap.ActiveUsers,
		TotalSessions:      snap.TotalSessions,
		AvgSessionDuration: int64(snap.AvgSessionDuration),
		TotalTransactions:  snap.TotalTransactions,
		TotalGasUsed:       snap.TotalGasUsed,
		TopContracts:       string(contracts),
		TopEvents:          string(evs),
		Metadata:           string(md),
		Version:            version,
	}, nil
}

func fromRow(r snapshotRow) (analytics.DailySnapshot, error) {
	snap := analytics.DailySnapshot{
		Date:               r.Date.UTC().Format(analytics.DateLayout),
		NewUsers:           r.NewUsers,
		ActiveUsers:        r.ActiveUsers,
		TotalSessions:      r.TotalSessions,
		AvgSessionDuration: time.Duration(r.AvgSessionDuration),
		TotalTransactions:  r.TotalTransactions,
		TotalGasUsed:       r.TotalGasUsed,
	}
	if err := json.Unmarshal([]byte(r.TopContracts), &snap.TopContracts); err != nil {
		return analytics.DailySnapshot{}, fmt.Errorf("decode top_contracts of %s: %w", snap.Date, err)
	}
	if err := json.Unmarshal([]byte(r.TopEvents), &snap.TopEvents); err != nil {
		return analytics.DailySnapshot{}, fmt.Errorf("decode top_events of %s: %w", snap.Date, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &snap.Metadata); err != nil {
		return analytics.DailySnapshot{}, fmt.Errorf("decode metadata of %s: %w", snap.Date, err)
	}
	return snap, nil
}

func (s *ClickHouseStore) Save(ctx context.Context, snap analytics.DailySnapshot) error {
	row, err := toRow(snap, uint64(s.clock.Now().UnixNano()))
	if err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES", s.conn.Table(TableName), snapshotColumns))
	if err != nil {
		return errs.FromContext("snapshot.save", snap.Date, err)
	}
	defer func() { _ = batch.Close() }()

	if err := batch.AppendStruct(&row); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append snapshot %s: %w", snap.Date, err)
	}
	if err := batch.Send(); err != nil {
		return errs.FromContext("snapshot.save", snap.Date, err)
	}
	return nil
}

func (s *ClickHouseStore) Get(ctx context.Context, date string) (analytics.DailySnapshot, error) {
	if _, err := ParseDate(date); err != nil {
		return analytics.DailySnapshot{}, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s FINAL WHERE date = toDate(?)`, snapshotColumns, s.conn.Table(TableName))

	var rows []snapshotRow
	if err := s.conn.Select(ctx, &rows, query, date); err != nil {
		return analytics.DailySnapshot{}, errs.FromContext("snapshot.get", date, fmt.Errorf("query snapshot: %w", err))
	}
	if len(rows) == 0 {
		return analytics.DailySnapshot{}, errs.NotFoundKey("snapshot.get", date)
	}
	return fromRow(rows[0])
}

func (s *ClickHouseStore) List(ctx context.Context, from, to string) ([]analytics.DailySnapshot, error) {
	var (
		where []string
		args  []interface{}
	)
	if from != "" {
		where = append(where, "date >= toDate(?)")
		args = append(args, from)
	}
	if to != "" {
		where = append(where, "date <= toDate(?)")
		args = append(args, to)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s FINAL`, snapshotColumns, s.conn.Table(TableName))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date"

	var rows []snapshotRow
	if err := s.conn.Select(ctx, &rows, query, args...); err != nil {
		return nil, errs.FromContext("snapshot.list", "", fmt.Errorf("query snapshots: %w", err))
	}
	out := make([]analytics.DailySnapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *ClickHouseStore) Close() error { return s.conn.Close() }
