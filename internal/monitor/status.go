package monitor

import "time"

// degradedAfter is how many missed intervals mark an active monitor as stale
const degradedAfter = 3

// Status is a side-effect free snapshot of one monitor
type Status struct {
	TenantID            string        `json:"tenant_id"`
	ServiceID           string        `json:"service_id"`
	State               State         `json:"state"`
	Active              bool          `json:"is_active"`
	Paths               []string      `json:"paths,omitempty"`
	Game                string        `json:"game,omitempty"`
	Platform            string        `json:"platform,omitempty"`
	EventsProcessed     int64         `json:"events_processed"`
	TrackedFiles        int           `json:"tracked_files"`
	Ticks               int64         `json:"ticks"`
	Interval            time.Duration `json:"-"`
	IntervalMs          int64         `json:"interval_ms"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	UptimeMs            int64         `json:"uptime_ms"`
	LastCheckAt         *time.Time    `json:"last_check_at,omitempty"`
	NextCheckAt         *time.Time    `json:"next_check_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	Degraded            bool          `json:"degraded"`
}

func (m *Manager) status(mon *monitor) Status {
	now := m.now()
	state := mon.State()
	if state == StateStarting {
		return Status{TenantID: mon.tenantID, ServiceID: mon.serviceID, State: state}
	}

	st := Status{
		TenantID:        mon.tenantID,
		ServiceID:       mon.serviceID,
		State:           state,
		Active:          state == StateActive,
		Paths:           append([]string(nil), mon.paths...),
		Game:            mon.game,
		Platform:        mon.platform,
		EventsProcessed: mon.eventsProcessed.Load(),
		TrackedFiles:    m.tracker.Files(mon.tenantID, mon.serviceID),
		Ticks:           mon.ticks.Load(),
		Interval:        mon.interval,
		IntervalMs:      mon.interval.Milliseconds(),
		StartedAt:       mon.startedAt,
	}
	if !st.Active {
		return st
	}

	mon.mu.Lock()
	lastCheck := mon.lastCheckAt
	st.ConsecutiveFailures = mon.consecutiveFailures
	st.LastError = mon.lastError
	failed := mon.lastTickFailed
	mon.mu.Unlock()

	st.UptimeMs = now.Sub(mon.startedAt).Milliseconds()
	ref := mon.startedAt
	if !lastCheck.IsZero() {
		st.LastCheckAt = &lastCheck
		ref = lastCheck
	}
	if next := mon.task.Next(); !next.IsZero() {
		st.NextCheckAt = &next
	}
	st.Degraded = failed || now.Sub(ref) > degradedAfter*mon.interval
	return st
}
