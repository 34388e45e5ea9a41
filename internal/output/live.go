package output

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveSendBuffer = 64
)

// LiveChannel streams payloads to websocket subscribers of a tenant.
// Admin-visibility payloads only reach admin subscribers. A slow subscriber
// loses messages rather than holding up delivery.
type LiveChannel struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu   sync.RWMutex
	subs map[string]map[*liveSubscriber]struct{}

	dropped atomic.Int64
	closed  atomic.Bool
}

type liveSubscriber struct {
	conn  *websocket.Conn
	admin bool
	send  chan []byte
	once  sync.Once
}

func (s *liveSubscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// NewLiveChannel creates a live channel. allowOrigin decides cross-origin
// upgrades; nil accepts any origin.
func NewLiveChannel(logger *logging.Logger, allowOrigin func(r *http.Request) bool) *LiveChannel {
	if logger == nil {
		logger = logging.Nop()
	}
	if allowOrigin == nil {
		allowOrigin = func(r *http.Request) bool { return true }
	}
	return &LiveChannel{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		logger:   logger.WithComponent("live"),
		subs:     make(map[string]map[*liveSubscriber]struct{}),
	}
}

// Name returns the channel name
func (l *LiveChannel) Name() string {
	return "live"
}

// EnsureDestination returns a destination addressed by tenant and name.
// Subscribers receive every destination of their tenant.
func (l *LiveChannel) EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error) {
	if l.closed.Load() {
		return types.Destination{}, ErrChannelClosed
	}
	return types.Destination{
		TenantID:   req.TenantID,
		Channel:    l.Name(),
		Name:       req.Name,
		Group:      req.Group,
		ID:         req.TenantID + "/" + req.Name,
		Visibility: req.Visibility,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Send broadcasts the payload to the tenant's subscribers. Having no
// subscribers is not an error.
func (l *LiveChannel) Send(ctx context.Context, dest types.Destination, payload Payload) error {
	if l.closed.Load() {
		return ErrChannelClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for sub := range l.subs[dest.TenantID] {
		if payload.Visibility == types.VisibilityAdmin && !sub.admin {
			continue
		}
		select {
		case sub.send <- data:
		default:
			l.dropped.Add(1)
		}
	}
	return nil
}

// ServeWS upgrades the request and streams the tenant's payloads until the
// client goes away. Authorization happens before this is called.
func (l *LiveChannel) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string, admin bool) {
	if l.closed.Load() {
		http.Error(w, ErrChannelClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("tenant", tenantID).Msg("Websocket upgrade failed")
		return
	}

	sub := &liveSubscriber{conn: conn, admin: admin, send: make(chan []byte, liveSendBuffer)}
	l.register(tenantID, sub)
	l.logger.Debug().Str("tenant", tenantID).Bool("admin", admin).Msg("Live subscriber connected")

	go l.writePump(sub)
	l.readPump(tenantID, sub)
}

func (l *LiveChannel) register(tenantID string, sub *liveSubscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[tenantID]
	if !ok {
		set = make(map[*liveSubscriber]struct{})
		l.subs[tenantID] = set
	}
	set[sub] = struct{}{}
}

func (l *LiveChannel) unregister(tenantID string, sub *liveSubscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.subs[tenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(l.subs, tenantID)
		}
	}
	sub.close()
}

// readPump discards client messages and notices disconnects
func (l *LiveChannel) readPump(tenantID string, sub *liveSubscriber) {
	defer func() {
		l.unregister(tenantID, sub)
		sub.conn.Close()
		l.logger.Debug().Str("tenant", tenantID).Msg("Live subscriber disconnected")
	}()

	sub.conn.SetReadLimit(4096)
	sub.conn.SetReadDeadline(time.Now().Add(livePongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (l *LiveChannel) writePump(sub *liveSubscriber) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribers returns the number of connected subscribers of a tenant
func (l *LiveChannel) Subscribers(tenantID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[tenantID])
}

// Dropped returns how many messages were dropped for slow subscribers
func (l *LiveChannel) Dropped() int64 {
	return l.dropped.Load()
}

// Close disconnects every subscriber
func (l *LiveChannel) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for tenant, set := range l.subs {
		for sub := range set {
			sub.close()
		}
		delete(l.subs, tenant)
	}
	return nil
}
