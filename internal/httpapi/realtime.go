package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"

	"qms/ticket-engine/internal/broadcast"
	"qms/ticket-engine/internal/models"
)

const (
	closeNormal         = 1000
	closeGoingAway      = 1001
	closeSlowSubscriber = 4008

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// eventMessage is the wire form of a ticket event on both transports.
type eventMessage struct {
	Type       models.EventType `json:"type"`
	Topic      string           `json:"topic"`
	Sequence   uint64           `json:"sequence"`
	Ticket     models.Ticket    `json:"ticket"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func topicFromRequest(r *http.Request) string {
	if r == nil {
		return models.TopicQueueUpdates
	}
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		return models.TopicQueueUpdates
	}
	return topic
}

// stream forwards events from sub to send until the subscription ends,
// ctx is done or send fails.
func stream(ctx context.Context, sub *broadcast.Subscription[models.Event], send func([]byte) error) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(eventMessage{
			Type:       msg.Payload.Type,
			Topic:      msg.Topic,
			Sequence:   msg.Sequence,
			Ticket:     msg.Payload.Ticket,
			OccurredAt: msg.Payload.OccurredAt,
		})
		if err != nil {
			return err
		}
		if err := send(payload); err != nil {
			return err
		}
	}
}

func closeReason(err error) (int, string) {
	switch {
	case errors.Is(err, broadcast.ErrSlowSubscriber):
		return closeSlowSubscriber, "slow_subscriber"
	case errors.Is(err, broadcast.ErrBrokerClosed):
		return closeGoingAway, "server shutting down"
	default:
		return closeNormal, "closed"
	}
}

func (h *Handler) serveSockJS(session sockjs.Session) {
	topic := topicFromRequest(session.Request())
	sub, err := h.events.Subscribe(topic)
	if err != nil {
		code, reason := closeReason(err)
		_ = session.Close(uint32(code), reason)
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Inbound frames are ignored; Recv only fails once the session ends.
		for {
			if _, err := session.Recv(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.logger.Debug("sockjs subscriber connected", "session", session.ID(), "topic", topic)
	err = stream(ctx, sub, func(payload []byte) error {
		return session.Send(string(payload))
	})
	code, reason := closeReason(err)
	if code != closeNormal {
		h.logger.Info("closing sockjs subscriber", "session", session.ID(), "reason", reason, "dropped", sub.Dropped())
	}
	_ = session.Close(uint32(code), reason)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topic := topicFromRequest(r)
	sub, err := h.events.Subscribe(topic)
	if err != nil {
		writeError(w, requestID(r), http.StatusServiceUnavailable, "try_again", "event stream unavailable")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	h.logger.Debug("websocket subscriber connected", "remote", clientIP(r), "topic", topic)
	err = stream(ctx, sub, func(payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, payload)
	})
	code, reason := closeReason(err)
	if code != closeNormal {
		h.logger.Info("closing websocket subscriber", "remote", clientIP(r), "reason", reason, "dropped", sub.Dropped())
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
