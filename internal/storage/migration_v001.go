package storage

import "database/sql"

// migrateV001 creates the alert table, the single-row monitor state table and
// their indexes. Every statement uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS monitor_alerts (
			event_id       INTEGER NOT NULL,
			alert_time     INTEGER NOT NULL,
			instance_start INTEGER NOT NULL,
			instance_end   INTEGER NOT NULL DEFAULT 0,
			all_day        BOOLEAN NOT NULL DEFAULT 0,
			created_by_us  BOOLEAN NOT NULL DEFAULT 0,
			was_handled    BOOLEAN NOT NULL DEFAULT 0,
			flags          INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (event_id, alert_time, instance_start)
		)`,

		`CREATE TABLE IF NOT EXISTS monitor_state (
			id                        INTEGER PRIMARY KEY CHECK (id = 1),
			first_scan_ever           BOOLEAN NOT NULL DEFAULT 1,
			prev_event_scan_to        INTEGER NOT NULL DEFAULT 0,
			prev_event_fire_from_scan INTEGER NOT NULL DEFAULT 0,
			next_event_fire_from_scan INTEGER NOT NULL DEFAULT 0,
			updated_at                DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_monitor_alerts_alert_time     ON monitor_alerts(alert_time)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_alerts_instance_start ON monitor_alerts(instance_start)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_alerts_pending        ON monitor_alerts(was_handled, alert_time)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
