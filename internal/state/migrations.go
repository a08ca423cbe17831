package state

import (
	"database/sql"
	"fmt"

	"gmkit/internal/logging"
)

// RunMigrations applies additive schema changes to databases created by
// older builds. Each step is safe to re-run.
func RunMigrations(db *sql.DB) error {
	migrations := []struct {
		name  string
		apply func(*sql.DB) error
	}{
		{"delayed_events_attempts", addColumnIfMissing("delayed_events", "attempts", "INTEGER NOT NULL DEFAULT 0")},
		{"delayed_events_last_error", addColumnIfMissing("delayed_events", "last_error", "TEXT")},
		{"quests_status", addColumnIfMissing("quests", "status", "TEXT NOT NULL DEFAULT 'open'")},
		{"players_data", addColumnIfMissing("players", "data", "TEXT")},
	}

	for _, m := range migrations {
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

func addColumnIfMissing(table, column, definition string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		exists, err := columnExists(db, table, column)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		logging.StateDebug("Adding column %s.%s", table, column)
		_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
		return err
	}
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
