package health

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/monitor"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/reliability"
)

// BreakerSource exposes the per-service upstream circuit breakers
type BreakerSource interface {
	Breakers() *reliability.Breakers
}

// MonitorSource exposes the status of every active monitor
type MonitorSource interface {
	Statuses() []monitor.Status
}

// Pinger is a dependency that can verify its own availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// UpstreamCheck reports degraded while any service's circuit is open. One
// service failing does not make the hosting provider unreachable for others.
func UpstreamCheck(src BreakerSource) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		states := src.Breakers().States()
		open := src.Breakers().Open()
		meta := map[string]interface{}{
			"services":      len(states),
			"open_circuits": open,
		}
		if len(open) == 0 {
			return ComponentHealth{Status: StatusHealthy, Metadata: meta}
		}
		if len(open) == len(states) && len(states) > 1 {
			return ComponentHealth{
				Status:   StatusUnhealthy,
				Message:  "upstream circuit open for every service",
				Metadata: meta,
			}
		}
		return ComponentHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("upstream circuit open for %d service(s)", len(open)),
			Metadata: meta,
		}
	}
}

// MonitorCheck reports degraded while any monitor is failing or stale
func MonitorCheck(src MonitorSource) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		var degraded []string
		statuses := src.Statuses()
		for _, st := range statuses {
			if st.Degraded {
				degraded = append(degraded, st.TenantID+"/"+st.ServiceID)
			}
		}
		meta := map[string]interface{}{
			"active":   len(statuses),
			"degraded": degraded,
		}
		if len(degraded) == 0 {
			return ComponentHealth{Status: StatusHealthy, Metadata: meta}
		}
		return ComponentHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d of %d monitors degraded", len(degraded), len(statuses)),
			Metadata: meta,
		}
	}
}

// StoreCheck reports unhealthy when the store cannot be read
func StoreCheck(p Pinger) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// DeadLetterCheck reports degraded once the queue is warnAt percent full
func DeadLetterCheck(q *dlq.DeadLetterQueue, warnAt float64) HealthCheck {
	if warnAt <= 0 {
		warnAt = 80
	}
	return func(ctx context.Context) ComponentHealth {
		m := q.Metrics()
		utilization := m.Utilization()
		meta := map[string]interface{}{
			"size":        m.CurrentSize,
			"utilization": utilization,
		}
		if utilization >= warnAt {
			return ComponentHealth{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("dead letter queue at %.0f%% capacity", utilization),
				Metadata: meta,
			}
		}
		return ComponentHealth{Status: StatusHealthy, Metadata: meta}
	}
}
