package notify

import (
	"database/sql"
	"fmt"
)

// Migrate creates the notification schema.
func Migrate(db *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"notification_settings", `
			CREATE TABLE IF NOT EXISTS notification_settings (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				name            TEXT    NOT NULL,
				service_type    TEXT    NOT NULL,
				config_json     TEXT    NOT NULL,
				enabled         INTEGER DEFAULT 1,
				notify_on_critical INTEGER DEFAULT 1,
				notify_on_warning  INTEGER DEFAULT 0,
				notify_on_healthy  INTEGER DEFAULT 0,
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		{"notification_history", `
			CREATE TABLE IF NOT EXISTS notification_history (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				setting_id      INTEGER,
				event_type      TEXT    NOT NULL,
				node_id         TEXT,
				server_id       TEXT,
				message         TEXT    NOT NULL,
				status          TEXT    NOT NULL DEFAULT 'pending',
				error_message   TEXT,
				sent_at         DATETIME,
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (setting_id) REFERENCES notification_settings(id) ON DELETE SET NULL
			);`},

		// Per-event-type rules for each notification service
		{"notification_event_rules", `
			CREATE TABLE IF NOT EXISTS notification_event_rules (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				service_id    INTEGER NOT NULL,
				event_type    TEXT    NOT NULL,
				enabled       INTEGER DEFAULT 1,
				cooldown_secs INTEGER DEFAULT 300,
				UNIQUE(service_id, event_type),
				FOREIGN KEY (service_id) REFERENCES notification_settings(id) ON DELETE CASCADE
			);`},
		{"notification_event_rules indexes", `
			CREATE INDEX IF NOT EXISTS idx_notif_rules_service ON notification_event_rules(service_id);`},

		// Quiet hours per service
		{"notification_quiet_hours", `
			CREATE TABLE IF NOT EXISTS notification_quiet_hours (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				service_id INTEGER NOT NULL UNIQUE,
				start_time TEXT    NOT NULL DEFAULT '22:00',
				end_time   TEXT    NOT NULL DEFAULT '07:00',
				enabled    INTEGER DEFAULT 0,
				FOREIGN KEY (service_id) REFERENCES notification_settings(id) ON DELETE CASCADE
			);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("notification migration failed at [%s]: %w", s.label, err)
		}
	}
	return nil
}

// SeedFromURLs creates an enabled critical+warning service per Shoutrrr URL
// when no services are configured yet. Used to bootstrap from NOTIFY_URLS.
func SeedFromURLs(db *sql.DB, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM notification_settings").Scan(&count); err != nil {
		return fmt.Errorf("count notification services: %w", err)
	}
	if count > 0 {
		return nil
	}

	for i, url := range urls {
		svc := &NotificationService{
			Name:             fmt.Sprintf("default-%d", i+1),
			ServiceType:      "shoutrrr",
			ConfigJSON:       fmt.Sprintf(`{"shoutrrr_url":%q}`, url),
			Enabled:          true,
			NotifyOnCritical: true,
			NotifyOnWarning:  true,
		}
		if _, err := CreateService(db, svc); err != nil {
			return err
		}
	}
	return nil
}
