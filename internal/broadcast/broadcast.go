// Package broadcast is the real-time state broadcaster (§4.5): a
// single-process publisher that fans locker, session, and fleet events out
// to every connected operator view. Publishing is best-effort per
// subscriber — a failing send removes that subscriber without aborting the
// rest of the fan-out.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/locker/manager"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/userflow"
	"github.com/rs/zerolog"
)

// MessageType enumerates the wire message families of §4.5.
type MessageType string

const (
	TypeStateUpdate      MessageType = "state_update"
	TypeSessionUpdate    MessageType = "session_update"
	TypeConnectionStatus MessageType = "connection_status"
	TypeError            MessageType = "error"
	TypeHeartbeat        MessageType = "heartbeat"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

// Message is the wire envelope: `{ type, timestamp (ISO-8601), data }`.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MarshalJSON renders Timestamp as RFC3339 (ISO-8601), matching the wire
// format the spec documents.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      MessageType `json:"type"`
		Timestamp string      `json:"timestamp"`
		Data      interface{} `json:"data,omitempty"`
	}
	return json.Marshal(wire{Type: m.Type, Timestamp: m.Timestamp.UTC().Format(time.RFC3339), Data: m.Data})
}

// StateUpdatePayload is the `data` field of a state_update message.
type StateUpdatePayload struct {
	KioskID     string    `json:"kiosk_id"`
	LockerID    int       `json:"locker_id"`
	State       string    `json:"state"`
	OwnerKey    string    `json:"owner_key,omitempty"`
	OwnerType   string    `json:"owner_type,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	IsVIP       bool      `json:"is_vip"`
	LastChanged time.Time `json:"last_changed"`
}

// SessionUpdatePayload is the `data` field of a session_update message.
type SessionUpdatePayload struct {
	SessionID      string `json:"session_id"`
	KioskID        string `json:"kiosk_id"`
	Status         string `json:"status"`
	SelectedLocker *int   `json:"selected_locker,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ConnectionStatusPayload is the `data` field of a connection_status message.
type ConnectionStatusPayload struct {
	Status           string    `json:"status"`
	ConnectedClients int       `json:"connected_clients"`
	LastUpdate       time.Time `json:"last_update"`
}

// Subscriber is a single fanned-out connection. Implementations own the
// actual transport (e.g. a websocket writer). The hub calls Send
// synchronously and applies no deadline to it, so a Send that blocks holds
// up the publish; a Send that returns an error gets the subscriber dropped.
type Subscriber interface {
	Send(Message) error
}

// Hub is the broadcast publisher: a set of subscriber connections guarded by
// a mutex, fanned out to on every publish. Iteration copies the subscriber
// slice first so a send failure can remove its entry without invalidating
// the iteration (§5).
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]Subscriber
	sendTimeout time.Duration
	logger      zerolog.Logger

	heartbeatCancel func()
	heartbeatWG     sync.WaitGroup
}

// NewHub constructs a Hub. sendTimeout <= 0 defaults to 2 seconds; the value
// is stored on the Hub but publish does not apply it to Send calls.
func NewHub(sendTimeout time.Duration) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Second
	}
	return &Hub{
		subs:        make(map[string]Subscriber),
		sendTimeout: sendTimeout,
		logger:      log.WithComponent("broadcast"),
	}
}

// Subscribe registers a connection under id, replacing any prior
// subscriber with the same id.
func (h *Hub) Subscribe(id string, sub Subscriber) {
	h.mu.Lock()
	h.subs[id] = sub
	n := len(h.subs)
	h.mu.Unlock()
	metrics.BroadcastSubscribers.WithLabelValues("all").Set(float64(n))
}

// Unsubscribe removes a connection.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	metrics.BroadcastSubscribers.WithLabelValues("all").Set(float64(n))
}

// Count reports the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// publish fans msg out to every subscriber, dropping any that fail to send.
func (h *Hub) publish(msg Message) {
	h.mu.RLock()
	targets := make(map[string]Subscriber, len(h.subs))
	for id, sub := range h.subs {
		targets[id] = sub
	}
	h.mu.RUnlock()

	var failed []string
	for id, sub := range targets {
		if err := sub.Send(msg); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, id := range failed {
		delete(h.subs, id)
	}
	h.mu.Unlock()
}

// PublishStateUpdate implements manager.Broadcaster.
func (h *Hub) PublishStateUpdate(u manager.StateUpdate) {
	h.publish(Message{
		Type:      TypeStateUpdate,
		Timestamp: time.Now(),
		Data: StateUpdatePayload{
			KioskID:     u.KioskID,
			LockerID:    u.LockerID,
			State:       string(u.Status),
			OwnerKey:    u.OwnerKey,
			OwnerType:   string(u.OwnerType),
			DisplayName: u.DisplayName,
			IsVIP:       u.IsVIP,
			LastChanged: u.LastChanged,
		},
	})
}

// PublishSessionUpdate implements userflow.Broadcaster.
func (h *Hub) PublishSessionUpdate(u userflow.SessionUpdate) {
	h.publish(Message{
		Type:      TypeSessionUpdate,
		Timestamp: time.Now(),
		Data: SessionUpdatePayload{
			SessionID:      u.SessionID,
			KioskID:        u.KioskID,
			Status:         string(u.Status),
			SelectedLocker: u.SelectedLocker,
			Reason:         u.Reason,
		},
	})
}

// PublishConnectionStatus announces the current subscriber count.
func (h *Hub) PublishConnectionStatus(status string) {
	h.publish(Message{
		Type:      TypeConnectionStatus,
		Timestamp: time.Now(),
		Data: ConnectionStatusPayload{
			Status:           status,
			ConnectedClients: h.Count(),
			LastUpdate:       time.Now(),
		},
	})
}

// PublishError announces an out-of-band error to every subscriber.
func (h *Hub) PublishError(errMsg, details string) {
	h.publish(Message{
		Type:      TypeError,
		Timestamp: time.Now(),
		Data: map[string]string{
			"error":   errMsg,
			"details": details,
		},
	})
}

// Pong replies to a single subscriber's ping, bypassing the broadcast
// fan-out; id not found is a silent no-op.
func (h *Hub) Pong(id string) {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := sub.Send(Message{Type: TypePong, Timestamp: time.Now()}); err != nil {
		h.Unsubscribe(id)
	}
}

// StartHeartbeat launches a periodic heartbeat broadcast at interval.
func (h *Hub) StartHeartbeat(interval time.Duration) {
	stop := make(chan struct{})
	h.heartbeatCancel = func() { close(stop) }
	h.heartbeatWG.Add(1)
	go func() {
		defer h.heartbeatWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.publish(Message{Type: TypeHeartbeat, Timestamp: time.Now()})
			}
		}
	}()
}

// StopHeartbeat cancels the heartbeat loop and waits for it to exit.
func (h *Hub) StopHeartbeat() {
	if h.heartbeatCancel != nil {
		h.heartbeatCancel()
	}
	h.heartbeatWG.Wait()
}

var (
	_ interface {
		PublishStateUpdate(manager.StateUpdate)
	} = (*Hub)(nil)
	_ interface {
		PublishSessionUpdate(userflow.SessionUpdate)
	} = (*Hub)(nil)
)
