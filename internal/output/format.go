package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// Policy is the visibility a payload is built under
type Policy struct {
	Visibility   types.Visibility
	ShowLocation bool
}

// ApplyOverride layers a tenant override over a feed's defaults
func ApplyOverride(feed types.FeedDescriptor, override *types.FeedOverride) Policy {
	p := Policy{Visibility: feed.Visibility, ShowLocation: feed.ShowLocation}
	if override == nil {
		return p
	}
	if override.Visibility != nil {
		p.Visibility = *override.Visibility
	}
	if override.ShowLocation != nil {
		p.ShowLocation = *override.ShowLocation
	}
	return p
}

// BuildPayload turns an event into a payload. When the policy hides
// locations, every position field carries security.LocationHidden instead
// of coordinates; a player without a position gets no location field.
func BuildPayload(event types.Event, tenant types.TenantContext, feed types.FeedDescriptor, policy Policy) Payload {
	meta := event.Metadata()
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	serviceID := tenant.ServiceID
	if serviceID == "" {
		serviceID = meta.ServiceID
	}

	p := Payload{
		ID:          uuid.NewString(),
		TenantID:    tenant.TenantID,
		ServiceID:   serviceID,
		EventType:   event.EventType(),
		Destination: feed.Destination,
		Visibility:  policy.Visibility,
		Color:       feed.Color,
		Timestamp:   ts,
	}
	f := fieldBuilder{show: policy.ShowLocation}

	switch e := event.(type) {
	case types.KillEvent:
		p.Title = "Kill"
		p.Description = fmt.Sprintf("%s killed %s", e.Killer.Name, e.Victim.Name)
		f.add("Killer", e.Killer.Name, true)
		f.add("Victim", e.Victim.Name, true)
		if e.Weapon != "" {
			f.add("Weapon", e.Weapon, true)
		}
		if e.Distance > 0 {
			f.add("Distance", strconv.FormatFloat(e.Distance, 'f', 1, 64)+"m", true)
		}
		f.location("Killer Location", e.Killer.Position)
		f.location("Victim Location", e.Victim.Position)
	case *types.KillEvent:
		return BuildPayload(*e, tenant, feed, policy)
	case types.PvEEvent:
		p.Title = "Death"
		p.Description = fmt.Sprintf("%s died: %s", e.Victim.Name, e.Cause)
		f.add("Player", e.Victim.Name, true)
		f.add("Cause", e.Cause, true)
		f.location("Location", e.Victim.Position)
	case *types.PvEEvent:
		return BuildPayload(*e, tenant, feed, policy)
	case types.ConnectionEvent:
		if e.Connected {
			p.Title = "Player Connected"
			p.Description = e.Player.Name + " joined the server"
		} else {
			p.Title = "Player Disconnected"
			p.Description = e.Player.Name + " left the server"
		}
		f.add("Player", e.Player.Name, true)
		if e.Player.ID != "" {
			f.add("ID", e.Player.ID, true)
		}
		f.location("Location", e.Player.Position)
	case *types.ConnectionEvent:
		return BuildPayload(*e, tenant, feed, policy)
	case types.StructureEvent:
		p.Title = "Structure " + titleCase(e.Action)
		p.Description = fmt.Sprintf("%s %s %s", e.Player.Name, e.Action, e.Object)
		f.add("Player", e.Player.Name, true)
		f.add("Object", e.Object, true)
		if e.Target != "" {
			f.add("On", e.Target, true)
		}
		if e.Tool != "" {
			f.add("Tool", e.Tool, true)
		}
		f.location("Location", e.Player.Position)
	case *types.StructureEvent:
		return BuildPayload(*e, tenant, feed, policy)
	case types.SystemEvent:
		p.Title = systemTitle(e.Kind)
		p.Description = e.Message
		if e.Severity != "" {
			f.add("Severity", e.Severity, true)
		}
		if e.Category != "" {
			f.add("Category", e.Category, true)
		}
		if e.User != "" {
			f.add("User", e.User, true)
		}
	case *types.SystemEvent:
		return BuildPayload(*e, tenant, feed, policy)
	default:
		p.Title = titleCase(string(event.EventType()))
		p.Description = meta.RawLine
	}

	if meta.SourceFile != "" {
		f.add("Source", meta.SourceFile, false)
	}
	p.Fields = f.fields
	p.LocationHidden = f.hidden
	return p
}

type fieldBuilder struct {
	show   bool
	hidden bool
	fields []Field
}

func (b *fieldBuilder) add(name, value string, inline bool) {
	b.fields = append(b.fields, Field{Name: name, Value: value, Inline: inline})
}

func (b *fieldBuilder) location(name string, pos *types.Position) {
	if pos == nil {
		return
	}
	if !b.show {
		b.hidden = true
		b.add(name, security.LocationHidden, true)
		return
	}
	b.add(name, formatPosition(pos), true)
}

func formatPosition(pos *types.Position) string {
	s := strconv.FormatFloat(pos.X, 'f', 1, 64) + ", " + strconv.FormatFloat(pos.Y, 'f', 1, 64)
	if pos.Z != 0 {
		s += ", " + strconv.FormatFloat(pos.Z, 'f', 1, 64)
	}
	return s
}

func systemTitle(kind types.EventType) string {
	switch kind {
	case types.EventServerRestart:
		return "Server Restart"
	case types.EventServerCrash:
		return "Server Crash"
	case types.EventServerStart:
		return "Server Started"
	case types.EventServerStop:
		return "Server Stopped"
	case types.EventBackup:
		return "Backup"
	case types.EventServerUpdate:
		return "Server Update"
	case types.EventMaintenance:
		return "Maintenance"
	case types.EventSystemError:
		return "Server Error"
	case types.EventSystemWarning:
		return "Server Warning"
	case types.EventAdminAction:
		return "Admin Action"
	default:
		return "Server Info"
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
