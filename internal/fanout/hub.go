package fanout

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/metrics"
)

// Message is one fan-out payload.
type Message map[string]any

// Channel is one delivery path to a connected client. Implementations must
// make Send safe for concurrent use and return an error on a dead peer.
type Channel interface {
	Send(msg Message) error
	Close()
}

type recordKey struct {
	tenant   string
	model    string
	recordID int
}

// Hub tracks who is connected and what they subscribed to, and broadcasts
// mutation events best-effort. No persistence: a missed message is recovered
// by the client's next delta pull.
//
// Lock policy: subscribe/unsubscribe take the write lock; broadcasts copy the
// target set under the read lock and deliver outside any lock.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[Channel]bool   // user id -> open channels
	channelSubs map[string]map[string]bool    // channel name -> user ids
	recordSubs  map[recordKey]map[string]bool // record -> user ids
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[Channel]bool),
		channelSubs: make(map[string]map[string]bool),
		recordSubs:  make(map[recordKey]map[string]bool),
	}
}

// Attach registers a client channel for a user.
func (h *Hub) Attach(userID string, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[Channel]bool)
	}
	h.subscribers[userID][ch] = true
	log.Info().Str("user_id", userID).Int("connections", len(h.subscribers[userID])).Msg("fanout attached")
}

// Detach removes one client channel. When it was the user's last connection,
// the user's channel and record subscriptions go with it.
func (h *Hub) Detach(userID string, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(userID, ch)
}

func (h *Hub) detachLocked(userID string, ch Channel) {
	conns, ok := h.subscribers[userID]
	if !ok {
		return
	}
	delete(conns, ch)
	if len(conns) > 0 {
		return
	}

	delete(h.subscribers, userID)
	for name, users := range h.channelSubs {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.channelSubs, name)
		}
	}
	for key, users := range h.recordSubs {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.recordSubs, key)
		}
	}
	log.Info().Str("user_id", userID).Msg("fanout detached")
}

// SubscribeChannel subscribes a user to a named channel.
func (h *Hub) SubscribeChannel(userID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channelSubs[channel] == nil {
		h.channelSubs[channel] = make(map[string]bool)
	}
	h.channelSubs[channel][userID] = true
}

// UnsubscribeChannel removes a user from a named channel.
func (h *Hub) UnsubscribeChannel(userID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if users, ok := h.channelSubs[channel]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.channelSubs, channel)
		}
	}
}

// SubscribeRecords subscribes a user to updates on specific records.
func (h *Hub) SubscribeRecords(userID, tenantID, model string, recordIDs []int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range recordIDs {
		key := recordKey{tenant: tenantID, model: model, recordID: id}
		if h.recordSubs[key] == nil {
			h.recordSubs[key] = make(map[string]bool)
		}
		h.recordSubs[key][userID] = true
	}
}

// UnsubscribeRecords removes a user's record subscriptions.
func (h *Hub) UnsubscribeRecords(userID, tenantID, model string, recordIDs []int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range recordIDs {
		key := recordKey{tenant: tenantID, model: model, recordID: id}
		if users, ok := h.recordSubs[key]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(h.recordSubs, key)
			}
		}
	}
}

// BroadcastToUser delivers to every open channel of one user. A channel that
// fails delivery is silently detached.
func (h *Hub) BroadcastToUser(userID string, msg Message) {
	h.mu.RLock()
	conns := make([]Channel, 0, len(h.subscribers[userID]))
	for ch := range h.subscribers[userID] {
		conns = append(conns, ch)
	}
	h.mu.RUnlock()

	for _, ch := range conns {
		if err := ch.Send(msg); err != nil {
			metrics.FanoutDrops.Inc()
			h.mu.Lock()
			h.detachLocked(userID, ch)
			h.mu.Unlock()
			ch.Close()
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
}

// BroadcastToChannel delivers to every user subscribed to a named channel.
func (h *Hub) BroadcastToChannel(channel string, msg Message) {
	h.mu.RLock()
	users := make([]string, 0, len(h.channelSubs[channel]))
	for userID := range h.channelSubs[channel] {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	for _, userID := range users {
		h.BroadcastToUser(userID, msg)
	}
}

// BroadcastRecordUpdate notifies the users subscribed to (tenant, model,
// record) about a mutation.
func (h *Hub) BroadcastRecordUpdate(tenantID, model string, recordID int, kind string, payload any) {
	key := recordKey{tenant: tenantID, model: model, recordID: recordID}

	h.mu.RLock()
	users := make([]string, 0, len(h.recordSubs[key]))
	for userID := range h.recordSubs[key] {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	if len(users) == 0 {
		return
	}

	msg := Message{
		"type":      "model_update",
		"model":     model,
		"record_id": recordID,
		"operation": kind,
		"data":      payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	for _, userID := range users {
		h.BroadcastToUser(userID, msg)
	}

	log.Debug().Str("model", model).Int("record_id", recordID).Str("operation", kind).
		Int("subscribers", len(users)).Msg("record update broadcast")
}

// ConnectionCount reports open channels across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, conns := range h.subscribers {
		total += len(conns)
	}
	return total
}
