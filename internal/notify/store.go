package notify

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// ── Services ────────────────────────────────────────────────────────────

const serviceColumns = `id, name, service_type, config_json, enabled,
	notify_on_critical, notify_on_warning, notify_on_healthy,
	created_at, updated_at`

// CreateService inserts a destination and returns its id.
func CreateService(db *sql.DB, svc *NotificationService) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO notification_settings
			(name, service_type, config_json, enabled,
			 notify_on_critical, notify_on_warning, notify_on_healthy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.ServiceType, svc.ConfigJSON,
		boolInt(svc.Enabled),
		boolInt(svc.NotifyOnCritical),
		boolInt(svc.NotifyOnWarning),
		boolInt(svc.NotifyOnHealthy))
	if err != nil {
		return 0, fmt.Errorf("create notification service: %w", err)
	}
	return res.LastInsertId()
}

// GetService looks a destination up by id; nil when it does not exist.
func GetService(db *sql.DB, id int64) (*NotificationService, error) {
	svc, err := scanService(db.QueryRow(
		`SELECT `+serviceColumns+` FROM notification_settings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns every configured destination.
func ListServices(db *sql.DB) ([]NotificationService, error) {
	return queryServices(db, `SELECT `+serviceColumns+` FROM notification_settings ORDER BY name`)
}

// ListEnabledServices returns the destinations the dispatcher considers.
func ListEnabledServices(db *sql.DB) ([]NotificationService, error) {
	return queryServices(db,
		`SELECT `+serviceColumns+` FROM notification_settings WHERE enabled = 1 ORDER BY name`)
}

func queryServices(db *sql.DB, query string) ([]NotificationService, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query notification services: %w", err)
	}
	defer rows.Close()

	var out []NotificationService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// UpdateService rewrites a destination's settings.
func UpdateService(db *sql.DB, svc *NotificationService) error {
	res, err := db.Exec(`
		UPDATE notification_settings SET
			name = ?, service_type = ?, config_json = ?, enabled = ?,
			notify_on_critical = ?, notify_on_warning = ?, notify_on_healthy = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		svc.Name, svc.ServiceType, svc.ConfigJSON,
		boolInt(svc.Enabled),
		boolInt(svc.NotifyOnCritical),
		boolInt(svc.NotifyOnWarning),
		boolInt(svc.NotifyOnHealthy),
		svc.ID)
	if err != nil {
		return fmt.Errorf("update notification service: %w", err)
	}
	return expectOneRow(res, "update notification service")
}

// DeleteService removes a destination; its rules and quiet hours go with
// it through the foreign keys.
func DeleteService(db *sql.DB, id int64) error {
	res, err := db.Exec(`DELETE FROM notification_settings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification service: %w", err)
	}
	return expectOneRow(res, "delete notification service")
}

// ── Event rules ─────────────────────────────────────────────────────────

// UpsertEventRule writes the per-event-type rule for a service.
func UpsertEventRule(db *sql.DB, rule *EventRule) error {
	_, err := db.Exec(`
		INSERT INTO notification_event_rules (service_id, event_type, enabled, cooldown_secs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id, event_type) DO UPDATE SET
			enabled       = excluded.enabled,
			cooldown_secs = excluded.cooldown_secs`,
		rule.ServiceID, rule.EventType, boolInt(rule.Enabled), rule.Cooldown)
	if err != nil {
		return fmt.Errorf("upsert event rule: %w", err)
	}
	return nil
}

// GetEventRules returns a service's rules, ordered by event type.
func GetEventRules(db *sql.DB, serviceID int64) ([]EventRule, error) {
	rows, err := db.Query(`
		SELECT id, service_id, event_type, enabled, cooldown_secs
		FROM notification_event_rules WHERE service_id = ?
		ORDER BY event_type`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("get event rules: %w", err)
	}
	defer rows.Close()

	var out []EventRule
	for rows.Next() {
		var r EventRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.EventType, &enabled, &r.Cooldown); err != nil {
			return nil, fmt.Errorf("scan event rule: %w", err)
		}
		r.Enabled = enabled == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteEventRule removes one rule.
func DeleteEventRule(db *sql.DB, id int64) error {
	_, err := db.Exec(`DELETE FROM notification_event_rules WHERE id = ?`, id)
	return err
}

// ── Quiet hours ─────────────────────────────────────────────────────────

// UpsertQuietHours writes a service's quiet-hours window.
func UpsertQuietHours(db *sql.DB, qh *QuietHours) error {
	_, err := db.Exec(`
		INSERT INTO notification_quiet_hours (service_id, start_time, end_time, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time   = excluded.end_time,
			enabled    = excluded.enabled`,
		qh.ServiceID, qh.StartTime, qh.EndTime, boolInt(qh.Enabled))
	if err != nil {
		return fmt.Errorf("upsert quiet hours: %w", err)
	}
	return nil
}

// GetQuietHours returns a service's window, or nil when none is set.
func GetQuietHours(db *sql.DB, serviceID int64) (*QuietHours, error) {
	var qh QuietHours
	var enabled int
	err := db.QueryRow(`
		SELECT id, service_id, start_time, end_time, enabled
		FROM notification_quiet_hours WHERE service_id = ?`, serviceID).
		Scan(&qh.ID, &qh.ServiceID, &qh.StartTime, &qh.EndTime, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quiet hours: %w", err)
	}
	qh.Enabled = enabled == 1
	return &qh, nil
}

// ── History ─────────────────────────────────────────────────────────────

// RecordNotification appends a delivery attempt, sent or failed.
func RecordNotification(db *sql.DB, rec *NotificationRecord) (int64, error) {
	var sentAt interface{}
	if !rec.SentAt.IsZero() {
		sentAt = rec.SentAt.UTC().Format(timeFormat)
	}

	res, err := db.Exec(`
		INSERT INTO notification_history
			(setting_id, event_type, node_id, server_id, message, status, error_message, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SettingID, rec.EventType, rec.NodeID, rec.ServerID,
		rec.Message, rec.Status, rec.ErrorMessage, sentAt)
	if err != nil {
		return 0, fmt.Errorf("record notification: %w", err)
	}
	return res.LastInsertId()
}

// RecentHistory returns the newest limit delivery attempts.
func RecentHistory(db *sql.DB, limit int) ([]NotificationRecord, error) {
	rows, err := db.Query(`
		SELECT id, COALESCE(setting_id,0), event_type,
		       COALESCE(node_id,''), COALESCE(server_id,''),
		       message, status, COALESCE(error_message,''),
		       COALESCE(sent_at,''), created_at
		FROM notification_history
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var r NotificationRecord
		var sentAt, createdAt string
		if err := rows.Scan(&r.ID, &r.SettingID, &r.EventType,
			&r.NodeID, &r.ServerID, &r.Message, &r.Status,
			&r.ErrorMessage, &sentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.SentAt = parseTime(sentAt)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── helpers ─────────────────────────────────────────────────────────────

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanService(s scannable) (NotificationService, error) {
	var svc NotificationService
	var enabled, critical, warning, healthy int
	var createdAt, updatedAt string

	err := s.Scan(&svc.ID, &svc.Name, &svc.ServiceType, &svc.ConfigJSON,
		&enabled, &critical, &warning, &healthy, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return svc, err
		}
		return svc, fmt.Errorf("scan notification service: %w", err)
	}
	svc.Enabled = enabled == 1
	svc.NotifyOnCritical = critical == 1
	svc.NotifyOnWarning = warning == 1
	svc.NotifyOnHealthy = healthy == 1
	svc.CreatedAt = parseTime(createdAt)
	svc.UpdatedAt = parseTime(updatedAt)
	return svc, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: not found", op)
	}
	return nil
}
