package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/fanout"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tenant and user identity come from the bearer token, not the
	// origin; cross-origin browser clients are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is what clients send over the socket.
type wsClientMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Model     string `json:"model,omitempty"`
	RecordIDs []int  `json:"record_ids,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// HandleWebSocket upgrades GET /ws/{user_id} and runs the subscription loop
// until the client disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	pathUser := chi.URLParam(r, "user_id")
	authedUser := auth.UserID(r.Context())
	if pathUser == "" || pathUser != authedUser {
		writeError(w, r, http.StatusForbidden, "PermissionDenied", "user_id does not match token subject")
		return
	}
	tenantID := auth.TenantID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := fanout.NewWSChannel(conn)
	s.Hub.Attach(pathUser, ch)
	defer func() {
		s.Hub.Detach(pathUser, ch)
		ch.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("user_id", pathUser).Msg("websocket closed")
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = ch.Send(fanout.Message{"type": "error", "message": "invalid JSON"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Channel == "" {
				_ = ch.Send(fanout.Message{"type": "error", "message": "channel is required"})
				continue
			}
			s.Hub.SubscribeChannel(pathUser, msg.Channel)
			_ = ch.Send(fanout.Message{"type": "status", "message": "subscribed to " + msg.Channel, "channel": msg.Channel})

		case "unsubscribe":
			if msg.Channel == "" {
				_ = ch.Send(fanout.Message{"type": "error", "message": "channel is required"})
				continue
			}
			s.Hub.UnsubscribeChannel(pathUser, msg.Channel)
			_ = ch.Send(fanout.Message{"type": "status", "message": "unsubscribed from " + msg.Channel, "channel": msg.Channel})

		case "ping":
			_ = ch.Send(fanout.Message{"type": "pong", "timestamp": msg.Timestamp})

		case "subscribe_model":
			if msg.Model == "" || len(msg.RecordIDs) == 0 {
				_ = ch.Send(fanout.Message{"type": "error", "message": "model and record_ids are required"})
				continue
			}
			s.Hub.SubscribeRecords(pathUser, tenantID, msg.Model, msg.RecordIDs)
			_ = ch.Send(fanout.Message{
				"type": "status", "message": "subscribed to model updates",
				"model": msg.Model, "record_ids": msg.RecordIDs,
			})

		case "unsubscribe_model":
			if msg.Model == "" || len(msg.RecordIDs) == 0 {
				_ = ch.Send(fanout.Message{"type": "error", "message": "model and record_ids are required"})
				continue
			}
			s.Hub.UnsubscribeRecords(pathUser, tenantID, msg.Model, msg.RecordIDs)
			_ = ch.Send(fanout.Message{
				"type": "status", "message": "unsubscribed from model updates",
				"model": msg.Model, "record_ids": msg.RecordIDs,
			})

		default:
			_ = ch.Send(fanout.Message{
				"type": "error", "message": "unknown message type: " + msg.Type,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}
