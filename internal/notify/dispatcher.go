package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"helmsman/internal/events"
)

// Sender delivers one message to one Shoutrrr URL. The indirection keeps
// real services out of the tests.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender is the production Sender.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// serviceConfig is the part of a service's config_json the dispatcher
// needs.
type serviceConfig struct {
	ShoutrrrURL string `json:"shoutrrr_url"`
}

// Dispatcher turns bus events into outbound notifications. For every
// enabled service it applies, in order: the severity flags, the
// per-event-type rules with their cooldowns, then quiet hours. Whatever
// survives is sent and recorded in the history table.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// last dispatch per (service, event type), for cooldowns
	mu   sync.Mutex
	seen map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher wires a dispatcher to the bus and settings database.
// A nil sender gets the real Shoutrrr one.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:     db,
		bus:    bus,
		sender: sender,
		seen:   make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins dispatching on a worker
// goroutine. Bus publishes are synchronous, so the subscription only
// enqueues; a full queue drops the event rather than stalling the
// publisher.
func (d *Dispatcher) Start() {
	queue := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case queue <- e:
		default:
			log.Printf("[notify] queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-queue:
				d.handle(e)
			case <-d.stopCh:
				// Flush what was already queued before stopping.
				for {
					select {
					case e := <-queue:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop shuts the worker down after it drains the queue.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) handle(e events.Event) {
	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("[notify] list services: %v", err)
		return
	}

	for _, svc := range services {
		if !d.severityAllowed(svc, e.Severity) {
			continue
		}
		if !d.eventRuleAllowed(svc.ID, e) {
			continue
		}
		if d.inQuietHours(svc.ID, e) {
			continue
		}
		d.dispatch(svc, e)
	}
}

func (d *Dispatcher) severityAllowed(svc NotificationService, sev events.Severity) bool {
	switch sev {
	case events.SeverityCritical:
		return svc.NotifyOnCritical
	case events.SeverityWarning:
		return svc.NotifyOnWarning
	case events.SeverityInfo:
		return svc.NotifyOnHealthy
	default:
		return false
	}
}

// eventRuleAllowed consults the service's per-event-type rules. No rules
// configured, or a type the rules never mention, means allow; a rule
// that matches gates on its enabled flag and cooldown. Rules that fail
// to load also allow: a broken settings row must not silence alerts.
func (d *Dispatcher) eventRuleAllowed(serviceID int64, e events.Event) bool {
	rules, err := GetEventRules(d.db, serviceID)
	if err != nil {
		log.Printf("[notify] rules for service %d: %v", serviceID, err)
		return true
	}
	if len(rules) == 0 {
		return true
	}

	for _, r := range rules {
		if r.EventType != string(e.Type) {
			continue
		}
		if !r.Enabled {
			return false
		}
		if r.Cooldown > 0 && !d.cooldownElapsed(serviceID, e.Type, time.Duration(r.Cooldown)*time.Second) {
			return false
		}
		return true
	}
	return true
}

// cooldownElapsed reports whether enough time passed since the last
// dispatch of this event type for this service, and marks now as the
// last dispatch when it did.
func (d *Dispatcher) cooldownElapsed(serviceID int64, typ events.EventType, cooldown time.Duration) bool {
	key := fmt.Sprintf("%d:%s", serviceID, typ)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	d.seen[key] = now
	return true
}

// inQuietHours suppresses non-critical events inside the configured
// window. Critical events always go out.
func (d *Dispatcher) inQuietHours(serviceID int64, e events.Event) bool {
	if e.Severity == events.SeverityCritical {
		return false
	}

	qh, err := GetQuietHours(d.db, serviceID)
	if err != nil || qh == nil || !qh.Enabled {
		return false
	}

	now := time.Now().UTC()
	minute := now.Hour()*60 + now.Minute()
	start := parseHHMM(qh.StartTime)
	end := parseHHMM(qh.EndTime)

	if start < end {
		return minute >= start && minute < end
	}
	// Window wraps midnight (22:00 to 07:00).
	return minute >= start || minute < end
}

func (d *Dispatcher) dispatch(svc NotificationService, e events.Event) {
	var cfg serviceConfig
	if err := json.Unmarshal([]byte(svc.ConfigJSON), &cfg); err != nil {
		log.Printf("[notify] service %d (%s): bad config: %v", svc.ID, svc.Name, err)
		return
	}
	if cfg.ShoutrrrURL == "" {
		log.Printf("[notify] service %d (%s): no shoutrrr_url configured", svc.ID, svc.Name)
		return
	}

	msg := formatMessage(e)
	sendErr := d.sender.Send(cfg.ShoutrrrURL, msg)

	rec := &NotificationRecord{
		SettingID: svc.ID,
		EventType: string(e.Type),
		NodeID:    e.NodeID,
		ServerID:  e.ServerID,
		Message:   msg,
	}
	if sendErr != nil {
		rec.Status = "failed"
		rec.ErrorMessage = sendErr.Error()
		log.Printf("[notify] send via %s: %v", svc.Name, sendErr)
	} else {
		rec.Status = "sent"
		rec.SentAt = time.Now().UTC()
	}

	if _, err := RecordNotification(d.db, rec); err != nil {
		log.Printf("[notify] record history: %v", err)
	}
}

// formatMessage renders an event as one line of notification text,
// tagged with severity and, when known, the node.
func formatMessage(e events.Event) string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] [%s] %s", e.Severity.String(), e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Severity.String(), e.Message)
}

// parseHHMM converts "HH:MM" to minutes since midnight; malformed input
// counts as midnight.
func parseHHMM(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
