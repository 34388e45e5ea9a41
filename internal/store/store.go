// Package store persists tenant credentials, feed overrides, delivery
// destinations and monitor registrations in a bbolt file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var (
	bucketCredentials  = []byte("credentials")  // key=tenant, val=json Credentials
	bucketOverrides    = []byte("overrides")    // key=tenant|eventType, val=json FeedOverride
	bucketDestinations = []byte("destinations") // key=tenant|channel|name, val=json Destination
	bucketMonitors     = []byte("monitors")     // key=tenant|service, val=json MonitorRegistration
)

const sep = "\x1f"

// Store is a bbolt-backed persistence layer
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCredentials, bucketOverrides, bucketDestinations, bucketMonitors} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.db.Path()
}

// Ping verifies the database can serve a read transaction
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMonitors) == nil {
			return errors.New("monitors bucket missing")
		}
		return nil
	})
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func (s *Store) get(bucket, k []byte, out interface{}) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(k)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	return found, err
}

func (s *Store) put(bucket, k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(k, data)
	})
}

func (s *Store) delete(bucket, k []byte) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		existed = b.Get(k) != nil
		return b.Delete(k)
	})
	return existed, err
}

// scan calls fn for every key under prefix
func (s *Store) scan(bucket, prefix []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCredentials implements types.CredentialResolver. It returns nil, nil
// when the tenant has no credentials.
func (s *Store) GetCredentials(ctx context.Context, tenantID string) (*types.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var creds types.Credentials
	found, err := s.get(bucketCredentials, key(tenantID), &creds)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for %s: %w", tenantID, err)
	}
	if !found {
		return nil, nil
	}
	return &creds, nil
}

// PutCredentials stores a tenant's upstream credentials
func (s *Store) PutCredentials(tenantID string, creds types.Credentials) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	return s.put(bucketCredentials, key(tenantID), creds)
}

// DeleteCredentials removes a tenant's credentials
func (s *Store) DeleteCredentials(tenantID string) (bool, error) {
	return s.delete(bucketCredentials, key(tenantID))
}

// GetOverride returns the tenant's override for an event type, or nil
func (s *Store) GetOverride(ctx context.Context, tenantID string, eventType types.EventType) (*types.FeedOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o types.FeedOverride
	found, err := s.get(bucketOverrides, key(tenantID, string(eventType)), &o)
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

// PutOverride stores a tenant's override for an event type
func (s *Store) PutOverride(tenantID string, eventType types.EventType, o types.FeedOverride) error {
	return s.put(bucketOverrides, key(tenantID, string(eventType)), o)
}

// DeleteOverride removes a tenant's override for an event type
func (s *Store) DeleteOverride(tenantID string, eventType types.EventType) (bool, error) {
	return s.delete(bucketOverrides, key(tenantID, string(eventType)))
}

// ListOverrides returns all overrides of a tenant keyed by event type
func (s *Store) ListOverrides(tenantID string) (map[types.EventType]types.FeedOverride, error) {
	out := make(map[types.EventType]types.FeedOverride)
	prefix := key(tenantID, "")
	err := s.scan(bucketOverrides, prefix, func(k, v []byte) error {
		var o types.FeedOverride
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		out[types.EventType(strings.TrimPrefix(string(k), string(prefix)))] = o
		return nil
	})
	return out, err
}

// GetDestination returns a previously created destination, or nil
func (s *Store) GetDestination(ctx context.Context, tenantID, channel, name string) (*types.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d types.Destination
	found, err := s.get(bucketDestinations, key(tenantID, channel, name), &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// PutDestination records a created destination
func (s *Store) PutDestination(ctx context.Context, d types.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.put(bucketDestinations, key(d.TenantID, d.Channel, d.Name), d)
}

// ListDestinations returns all destinations of a tenant, sorted by channel and name
func (s *Store) ListDestinations(tenantID string) ([]types.Destination, error) {
	var out []types.Destination
	err := s.scan(bucketDestinations, key(tenantID, ""), func(_, v []byte) error {
		var d types.Destination
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

// SaveMonitor records an active monitor
func (s *Store) SaveMonitor(reg types.MonitorRegistration) error {
	return s.put(bucketMonitors, key(reg.TenantID, reg.ServiceID), reg)
}

// DeleteMonitor removes a monitor registration
func (s *Store) DeleteMonitor(tenantID, serviceID string) error {
	_, err := s.delete(bucketMonitors, key(tenantID, serviceID))
	return err
}

// ListMonitors returns every registration, sorted by tenant and service
func (s *Store) ListMonitors() ([]types.MonitorRegistration, error) {
	var out []types.MonitorRegistration
	err := s.scan(bucketMonitors, nil, func(_, v []byte) error {
		var reg types.MonitorRegistration
		if err := json.Unmarshal(v, &reg); err != nil {
			return err
		}
		out = append(out, reg)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out, err
}
