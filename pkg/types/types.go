package types

import (
	"context"
	"time"
)

// EventType identifies the kind of a classified event
type EventType string

const (
	EventKill          EventType = "kill"
	EventConnection    EventType = "connection"
	EventStructure     EventType = "structureEvent"
	EventPvE           EventType = "pveEvent"
	EventServerRestart EventType = "serverRestart"
	EventServerCrash   EventType = "serverCrash"
	EventServerStart   EventType = "serverStart"
	EventServerStop    EventType = "serverStop"
	EventBackup        EventType = "backupEvent"
	EventServerUpdate  EventType = "serverUpdate"
	EventMaintenance   EventType = "maintenance"
	EventSystemError   EventType = "systemError"
	EventSystemWarning EventType = "systemWarning"
	EventAdminAction   EventType = "adminAction"
	EventSystemInfo    EventType = "systemInfo"
)

// AllEventTypes returns every known event type
func AllEventTypes() []EventType {
	return []EventType{
		EventKill, EventConnection, EventStructure, EventPvE,
		EventServerRestart, EventServerCrash, EventServerStart, EventServerStop,
		EventBackup, EventServerUpdate, EventMaintenance,
		EventSystemError, EventSystemWarning, EventAdminAction, EventSystemInfo,
	}
}

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a classified log event. The concrete type is one of KillEvent,
// PvEEvent, ConnectionEvent, StructureEvent or SystemEvent.
type Event interface {
	EventType() EventType
	Metadata() Meta
}

// Meta holds the fields shared by every event
type Meta struct {
	Timestamp  time.Time `json:"timestamp"`
	ServiceID  string    `json:"service_id"`
	SourceFile string    `json:"source_file,omitempty"`
	RawLine    string    `json:"raw_line,omitempty"`
}

// Metadata returns the shared event fields
func (m Meta) Metadata() Meta {
	return m
}

// Position is a world coordinate as reported by the game server
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Player identifies a player in a game log line
type Player struct {
	Name     string    `json:"name"`
	ID       string    `json:"id,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// KillEvent is a player killed by another player
type KillEvent struct {
	Meta
	Killer   Player  `json:"killer"`
	Victim   Player  `json:"victim"`
	Weapon   string  `json:"weapon,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

func (KillEvent) EventType() EventType { return EventKill }

// PvEEvent is a player death not caused by another player
type PvEEvent struct {
	Meta
	Victim Player `json:"victim"`
	Cause  string `json:"cause"`
}

func (PvEEvent) EventType() EventType { return EventPvE }

// ConnectionEvent is a player joining or leaving the server
type ConnectionEvent struct {
	Meta
	Player    Player `json:"player"`
	Connected bool   `json:"connected"`
}

func (ConnectionEvent) EventType() EventType { return EventConnection }

// StructureEvent is a player placing, building or dismantling an object
type StructureEvent struct {
	Meta
	Player Player `json:"player"`
	Action string `json:"action"`
	Object string `json:"object"`
	Target string `json:"target,omitempty"`
	Tool   string `json:"tool,omitempty"`
}

func (StructureEvent) EventType() EventType { return EventStructure }

// SystemEvent is an operational event from the hosting provider's service log
type SystemEvent struct {
	Meta
	Kind     EventType `json:"kind"`
	Message  string    `json:"message"`
	Severity string    `json:"severity,omitempty"`
	Category string    `json:"category,omitempty"`
	User     string    `json:"user,omitempty"`
	Admin    bool      `json:"admin,omitempty"`
}

func (e SystemEvent) EventType() EventType { return e.Kind }

// SystemLogEntry is a raw entry from the provider's service log
type SystemLogEntry struct {
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	User      string    `json:"user,omitempty"`
	Admin     bool      `json:"admin,omitempty"`
}

// FileEntry is a directory entry returned by the remote file API
type FileEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	IsDir      bool      `json:"is_dir,omitempty"`
}

// TrackedFile is the last consumed state of a monitored file. Size is the
// consumed offset; ListedSize is the size the file had when it was recorded
// and may be larger while a partial line is held back.
type TrackedFile struct {
	Size          int64     `json:"size"`
	ListedSize    int64     `json:"listed_size,omitempty"`
	ModifiedAt    time.Time `json:"modified_at"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

// Credentials scope upstream API access to one service
type Credentials struct {
	ServiceID string `json:"service_id" yaml:"service_id"`
	APIToken  string `json:"api_token" yaml:"api_token"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// CredentialResolver looks up upstream credentials for a tenant.
// It returns nil, nil when the tenant has none.
type CredentialResolver interface {
	GetCredentials(ctx context.Context, tenantID string) (*Credentials, error)
}

// Visibility controls who may read a destination
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityAdmin  Visibility = "admin"
)

// FeedDescriptor maps an event type to a destination and display policy
type FeedDescriptor struct {
	Destination  string     `json:"destination" yaml:"destination"`
	Visibility   Visibility `json:"visibility" yaml:"visibility"`
	ShowLocation bool       `json:"show_location" yaml:"show_location"`
	Color        int        `json:"color" yaml:"color"`
	AllowedRoles []string   `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
}

// FeedOverride is a tenant's change to a feed's visibility policy
type FeedOverride struct {
	Visibility   *Visibility `json:"visibility,omitempty"`
	ShowLocation *bool       `json:"show_location,omitempty"`
}

// TenantContext identifies the tenant and service an event belongs to
type TenantContext struct {
	TenantID  string `json:"tenant_id"`
	ServiceID string `json:"service_id"`
}

// Destination is a delivery target created for a tenant on one channel
type Destination struct {
	TenantID   string     `json:"tenant_id"`
	Channel    string     `json:"channel"`
	Name       string     `json:"name"`
	Group      string     `json:"group,omitempty"`
	ID         string     `json:"id"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MonitorRegistration records an active monitor so it can be resumed after a restart
type MonitorRegistration struct {
	TenantID      string        `json:"tenant_id"`
	ServiceID     string        `json:"service_id"`
	Interval      time.Duration `json:"interval"`
	Game          string        `json:"game,omitempty"`
	Platform      string        `json:"platform,omitempty"`
	FromBeginning bool          `json:"from_beginning,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}
