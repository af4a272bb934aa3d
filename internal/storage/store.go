package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrAlertNotFound is returned by GetAlert when no entry matches the key.
var ErrAlertNotFound = errors.New("alert not found")

// AlertStore is the durable deduplication record of observed alerts.
// No operation ever clears WasHandled once it is set.
type AlertStore interface {
	GetAlert(ctx context.Context, key AlertKey) (*AlertEntry, error)
	UpsertAlerts(ctx context.Context, entries []AlertEntry) error
	AlertsByAlertTimeRange(ctx context.Context, from, to time.Time) ([]AlertEntry, error)
	AlertsByInstanceRange(ctx context.Context, from, to time.Time) ([]AlertEntry, error)
	InstanceAlerts(ctx context.Context, eventID int64, instanceStart time.Time) ([]AlertEntry, error)
	EventAlerts(ctx context.Context, eventID int64) ([]AlertEntry, error)
	UnhandledAlerts(ctx context.Context, from, to time.Time) ([]AlertEntry, error)
	MarkHandled(ctx context.Context, keys []AlertKey) error
	ClaimAlerts(ctx context.Context, keys []AlertKey) ([]AlertKey, error)
	SetPreMuted(ctx context.Context, key AlertKey, muted bool) error
	NextUnhandledAlertTime(ctx context.Context) (time.Time, bool, error)
	PruneHandled(ctx context.Context, instanceStartBefore time.Time) (int64, error)
	GetStats(ctx context.Context) (*Stats, error)
}

// StateStore persists the single MonitorState row.
type StateStore interface {
	LoadState(ctx context.Context) (MonitorState, error)
	SaveState(ctx context.Context, state MonitorState) error
}

// SQLiteStore implements AlertStore and StateStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements
	getAlert    *sql.Stmt
	upsertAlert *sql.Stmt
	claimAlert  *sql.Stmt
	markHandled *sql.Stmt
}

const alertColumns = `event_id, alert_time, instance_start, instance_end,
	all_day, created_by_us, was_handled, flags`

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getAlert, err = s.db.Prepare(`
		SELECT ` + alertColumns + `
		FROM monitor_alerts
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?
	`)
	if err != nil {
		return err
	}

	// Merging keeps was_handled sticky. The pre-muted bit and the
	// descriptive fields take the newest observation; other flag bits
	// accumulate.
	s.upsertAlert, err = s.db.Prepare(`
		INSERT INTO monitor_alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, alert_time, instance_start) DO UPDATE SET
			instance_end  = excluded.instance_end,
			all_day       = excluded.all_day,
			created_by_us = excluded.created_by_us,
			was_handled   = MAX(monitor_alerts.was_handled, excluded.was_handled),
			flags         = (monitor_alerts.flags & ~` + strconv.Itoa(int(AlertFlagPreMuted)) + `) | excluded.flags,
			updated_at    = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}

	s.claimAlert, err = s.db.Prepare(`
		UPDATE monitor_alerts
		SET was_handled = 1, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = ? AND alert_time = ? AND instance_start = ? AND was_handled = 0
	`)
	if err != nil {
		return err
	}

	s.markHandled, err = s.db.Prepare(`
		UPDATE monitor_alerts
		SET was_handled = 1, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?
	`)
	if err != nil {
		return err
	}

	return nil
}

// GetAlert retrieves a single entry by key.
func (s *SQLiteStore) GetAlert(ctx context.Context, key AlertKey) (*AlertEntry, error) {
	row := s.getAlert.QueryRowContext(ctx,
		key.EventID, toMillis(key.AlertTime), toMillis(key.InstanceStart),
	)

	e, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &e, nil
}

// UpsertAlerts inserts or merges a batch of entries in a single transaction.
func (s *SQLiteStore) UpsertAlerts(ctx context.Context, entries []AlertEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := tx.StmtContext(ctx, s.upsertAlert)
	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.EventID, toMillis(e.AlertTime), toMillis(e.InstanceStart), toMillis(e.InstanceEnd),
			e.IsAllDay, e.CreatedByUs, e.WasHandled, int64(e.Flags),
		)
		if err != nil {
			return fmt.Errorf("upsert alert %d@%d: %w", e.EventID, toMillis(e.AlertTime), err)
		}
	}

	return tx.Commit()
}

// AlertsByAlertTimeRange returns entries whose alert time lies in [from, to].
func (s *SQLiteStore) AlertsByAlertTimeRange(ctx context.Context, from, to time.Time) ([]AlertEntry, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM monitor_alerts
		WHERE alert_time BETWEEN ? AND ?
		ORDER BY alert_time, event_id
	`, toMillis(from), toMillis(to))
}

// AlertsByInstanceRange returns entries whose instance start lies in [from, to].
func (s *SQLiteStore) AlertsByInstanceRange(ctx context.Context, from, to time.Time) ([]AlertEntry, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM monitor_alerts
		WHERE instance_start BETWEEN ? AND ?
		ORDER BY instance_start, alert_time, event_id
	`, toMillis(from), toMillis(to))
}

// InstanceAlerts returns every alert for one event instance.
func (s *SQLiteStore) InstanceAlerts(ctx context.Context, eventID int64, instanceStart time.Time) ([]AlertEntry, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM monitor_alerts
		WHERE event_id = ? AND instance_start = ?
		ORDER BY alert_time
	`, eventID, toMillis(instanceStart))
}

// EventAlerts returns every stored alert of an event across all instances.
func (s *SQLiteStore) EventAlerts(ctx context.Context, eventID int64) ([]AlertEntry, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM monitor_alerts
		WHERE event_id = ?
		ORDER BY instance_start, alert_time
	`, eventID)
}

// UnhandledAlerts returns entries not yet surfaced whose alert time lies in [from, to].
func (s *SQLiteStore) UnhandledAlerts(ctx context.Context, from, to time.Time) ([]AlertEntry, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM monitor_alerts
		WHERE was_handled = 0 AND alert_time BETWEEN ? AND ?
		ORDER BY alert_time, event_id
	`, toMillis(from), toMillis(to))
}

// MarkHandled sets WasHandled on every existing entry in keys, in one
// transaction. Unknown keys are ignored.
func (s *SQLiteStore) MarkHandled(ctx context.Context, keys []AlertKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := tx.StmtContext(ctx, s.markHandled)
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.EventID, toMillis(k.AlertTime), toMillis(k.InstanceStart)); err != nil {
			return fmt.Errorf("mark handled: %w", err)
		}
	}

	return tx.Commit()
}

// ClaimAlerts flips unhandled entries to handled and returns the keys this
// call flipped. A key that was already handled, or is unknown, is not
// returned, so concurrent callers never both win the same alert.
func (s *SQLiteStore) ClaimAlerts(ctx context.Context, keys []AlertKey) ([]AlertKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := tx.StmtContext(ctx, s.claimAlert)
	var won []AlertKey
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, k.EventID, toMillis(k.AlertTime), toMillis(k.InstanceStart))
		if err != nil {
			return nil, fmt.Errorf("claim alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			won = append(won, k)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return won, nil
}

// SetPreMuted sets or clears the pre-muted flag of one entry.
func (s *SQLiteStore) SetPreMuted(ctx context.Context, key AlertKey, muted bool) error {
	query := `UPDATE monitor_alerts SET flags = flags | ?, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?`
	if !muted {
		query = `UPDATE monitor_alerts SET flags = flags & ~?, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?`
	}

	res, err := s.db.ExecContext(ctx, query,
		int64(AlertFlagPreMuted), key.EventID, toMillis(key.AlertTime), toMillis(key.InstanceStart),
	)
	if err != nil {
		return fmt.Errorf("set pre-muted: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// NextUnhandledAlertTime returns the earliest alert time among unhandled
// entries. The boolean is false when nothing is pending.
func (s *SQLiteStore) NextUnhandledAlertTime(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(alert_time) FROM monitor_alerts WHERE was_handled = 0",
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next unhandled alert: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// PruneHandled deletes handled entries whose instance started before the
// cutoff. Unhandled entries are never pruned.
func (s *SQLiteStore) PruneHandled(ctx context.Context, instanceStartBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM monitor_alerts WHERE was_handled = 1 AND instance_start < ?",
		toMillis(instanceStartBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("prune handled alerts: %w", err)
	}
	return res.RowsAffected()
}

// CountPrunable reports how many entries PruneHandled would delete.
func (s *SQLiteStore) CountPrunable(ctx context.Context, instanceStartBefore time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM monitor_alerts WHERE was_handled = 1 AND instance_start < ?",
		toMillis(instanceStartBefore),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prunable alerts: %w", err)
	}
	return n, nil
}

// GetStats returns aggregate statistics about the store.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN was_handled = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN flags & ? != 0 THEN 1 ELSE 0 END), 0),
			MIN(instance_start),
			MAX(instance_start)
		FROM monitor_alerts
	`, int64(AlertFlagPreMuted)).Scan(
		&stats.TotalAlerts, &stats.HandledAlerts, &stats.PreMutedAlerts, &oldest, &newest,
	)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	stats.UnhandledAlerts = stats.TotalAlerts - stats.HandledAlerts
	if oldest.Valid {
		stats.OldestInstance = fromMillis(oldest.Int64)
	}
	if newest.Valid {
		stats.NewestInstance = fromMillis(newest.Int64)
	}

	next, ok, err := s.NextUnhandledAlertTime(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		stats.NextUnhandled = next
	}

	return stats, nil
}

// LoadState returns the persisted MonitorState, creating the default row on
// first access.
func (s *SQLiteStore) LoadState(ctx context.Context) (MonitorState, error) {
	def := DefaultMonitorState()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO monitor_state (id, first_scan_ever) VALUES (1, ?)", def.FirstScanEver,
	); err != nil {
		return MonitorState{}, fmt.Errorf("init monitor state: %w", err)
	}

	var st MonitorState
	var scanTo, fireFrom, nextFire int64
	err := s.db.QueryRowContext(ctx, `
		SELECT first_scan_ever, prev_event_scan_to, prev_event_fire_from_scan, next_event_fire_from_scan
		FROM monitor_state WHERE id = 1
	`).Scan(&st.FirstScanEver, &scanTo, &fireFrom, &nextFire)
	if err != nil {
		return MonitorState{}, fmt.Errorf("load monitor state: %w", err)
	}

	st.PrevEventScanTo = fromMillis(scanTo)
	st.PrevEventFireFromScan = fromMillis(fireFrom)
	st.NextEventFireFromScan = fromMillis(nextFire)
	return st, nil
}

// SaveState writes the MonitorState row in one statement. The scan cursor
// never moves backwards, and FirstScanEver never returns to true.
func (s *SQLiteStore) SaveState(ctx context.Context, st MonitorState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_state (id, first_scan_ever, prev_event_scan_to, prev_event_fire_from_scan, next_event_fire_from_scan)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_scan_ever           = MIN(monitor_state.first_scan_ever, excluded.first_scan_ever),
			prev_event_scan_to        = MAX(monitor_state.prev_event_scan_to, excluded.prev_event_scan_to),
			prev_event_fire_from_scan = excluded.prev_event_fire_from_scan,
			next_event_fire_from_scan = excluded.next_event_fire_from_scan,
			updated_at                = CURRENT_TIMESTAMP
	`, st.FirstScanEver, toMillis(st.PrevEventScanTo), toMillis(st.PrevEventFireFromScan), toMillis(st.NextEventFireFromScan))
	if err != nil {
		return fmt.Errorf("save monitor state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (AlertEntry, error) {
	var e AlertEntry
	var alertTime, start, end, flags int64
	if err := row.Scan(
		&e.EventID, &alertTime, &start, &end,
		&e.IsAllDay, &e.CreatedByUs, &e.WasHandled, &flags,
	); err != nil {
		return AlertEntry{}, err
	}
	e.AlertTime = fromMillis(alertTime)
	e.InstanceStart = fromMillis(start)
	e.InstanceEnd = fromMillis(end)
	e.Flags = AlertFlags(flags)
	return e, nil
}

// queryAlerts executes a query and scans results into AlertEntry slices.
func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...any) ([]AlertEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	entries := []AlertEntry{}
	for rows.Next() {
		e, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{s.getAlert, s.upsertAlert, s.claimAlert, s.markHandled}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
