package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go-chat-realtime/internal/notify"
	"go-chat-realtime/internal/presence"
)

// Routing keys consumed from the chat events exchange.
const (
	MessageSent       = "chat.message.sent"
	MessageUpdated    = "chat.message.updated"
	MessageDeleted    = "chat.message.deleted"
	ReactionAdded     = "chat.message.reaction.added"
	ReactionRemoved   = "chat.message.reaction.removed"
	ChatCreated       = "chat.created"
	ChatUpdated       = "chat.updated"
	MemberAdded       = "chat.member.added"
	MemberRemoved     = "chat.member.removed"
	UserStatusUpdated = "user.status.updated"
	NotificationPush  = "notification.push"
)

var RoutingKeys = []string{
	MessageSent, MessageUpdated, MessageDeleted,
	ReactionAdded, ReactionRemoved,
	ChatCreated, ChatUpdated,
	MemberAdded, MemberRemoved,
	UserStatusUpdated, NotificationPush,
}

// ErrMalformedPayload marks a message that can never be processed.
var ErrMalformedPayload = errors.New("malformed payload")

type Deliverer interface {
	DeliverToRoom(ctx context.Context, roomID, event string, payload any) error
	DeliverToUser(ctx context.Context, userID, event string, payload any) error
}

type Presence interface {
	SetStatus(ctx context.Context, userID string, status presence.Status) (*presence.UserPresence, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type Pusher interface {
	Push(ctx context.Context, n notify.Notification) error
}

// Handler maps broker messages onto router deliveries.
type Handler struct {
	router   Deliverer
	presence Presence
	push     Pusher
	log      *zap.Logger
}

func NewHandler(router Deliverer, p Presence, push Pusher, log *zap.Logger) *Handler {
	return &Handler{router: router, presence: p, push: push, log: log.Named("events")}
}

type messageSent struct {
	MessageID   string          `json:"messageId"`
	ChatID      string          `json:"chatId"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	ParentID    string          `json:"parentId,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type messageUpdated struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	EditedBy  string    `json:"editedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type messageDeleted struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	DeletedBy string    `json:"deletedBy"`
	DeletedAt time.Time `json:"deletedAt"`
}

type reaction struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	DeletedAt time.Time `json:"deletedAt"`
}

type chatMember struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

type chatCreated struct {
	ChatID    string       `json:"chatId"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	CreatedBy string       `json:"createdBy"`
	Members   []chatMember `json:"members"`
	CreatedAt time.Time    `json:"createdAt"`
}

type chatUpdated struct {
	ChatID    string          `json:"chatId"`
	Changes   json.RawMessage `json:"changes"`
	UpdatedBy string          `json:"updatedBy"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type memberAdded struct {
	ChatID    string     `json:"chatId"`
	Member    chatMember `json:"member"`
	AddedBy   string     `json:"addedBy"`
	Timestamp time.Time  `json:"timestamp"`
}

type memberRemoved struct {
	ChatID    string    `json:"chatId"`
	MemberID  string    `json:"memberId"`
	RemovedBy string    `json:"removedBy"`
	Timestamp time.Time `json:"timestamp"`
}

type statusUpdated struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Handle processes one broker message. A returned error means the message
// must not be redelivered. Unknown routing keys are logged and accepted.
func (h *Handler) Handle(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case MessageSent:
		var m messageSent
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		return h.router.DeliverToRoom(ctx, m.ChatID, "new_message", map[string]any{
			"id":          m.MessageID,
			"chatId":      m.ChatID,
			"senderId":    m.SenderID,
			"senderName":  m.SenderName,
			"content":     m.Content,
			"type":        m.Type,
			"parentId":    m.ParentID,
			"attachments": m.Attachments,
			"timestamp":   m.CreatedAt,
			"status":      "delivered",
		})

	case MessageUpdated:
		var m messageUpdated
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		return h.router.DeliverToRoom(ctx, m.ChatID, "message_edited", map[string]any{
			"messageId":  m.MessageID,
			"chatId":     m.ChatID,
			"newContent": m.Content,
			"editedBy":   m.EditedBy,
			"editedAt":   m.UpdatedAt,
		})

	case MessageDeleted:
		var m messageDeleted
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		return h.router.DeliverToRoom(ctx, m.ChatID, "message_deleted", map[string]any{
			"messageId": m.MessageID,
			"chatId":    m.ChatID,
			"deletedBy": m.DeletedBy,
			"deletedAt": m.DeletedAt,
		})

	case ReactionAdded, ReactionRemoved:
		var m reaction
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		payload := map[string]any{
			"messageId": m.MessageID,
			"chatId":    m.ChatID,
			"emoji":     m.Emoji,
			"userId":    m.UserID,
		}
		event := "reaction_added"
		if routingKey == ReactionAdded {
			payload["username"] = m.Username
			payload["timestamp"] = m.CreatedAt
		} else {
			event = "reaction_removed"
			payload["timestamp"] = m.DeletedAt
		}
		return h.router.DeliverToRoom(ctx, m.ChatID, event, payload)

	case ChatCreated:
		var m chatCreated
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		userIDs := make([]string, 0, len(m.Members))
		for _, member := range m.Members {
			userIDs = append(userIDs, member.UserID)
		}
		payload := map[string]any{
			"chatId":    m.ChatID,
			"name":      m.Name,
			"type":      m.Type,
			"createdBy": m.CreatedBy,
			"members":   m.Members,
			"userIds":   userIDs,
			"timestamp": m.CreatedAt,
		}
		var errs []error
		for _, id := range userIDs {
			errs = append(errs, h.router.DeliverToUser(ctx, id, "chat_created", payload))
		}
		return errors.Join(errs...)

	case ChatUpdated:
		var m chatUpdated
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		return h.router.DeliverToRoom(ctx, m.ChatID, "chat_updated", map[string]any{
			"chatId":    m.ChatID,
			"changes":   m.Changes,
			"updatedBy": m.UpdatedBy,
			"timestamp": m.UpdatedAt,
		})

	case MemberAdded:
		var m memberAdded
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		payload := map[string]any{
			"chatId":    m.ChatID,
			"member":    m.Member,
			"addedBy":   m.AddedBy,
			"timestamp": m.Timestamp,
		}
		return h.toRoomAndUser(ctx, m.ChatID, m.Member.UserID, "member_added", payload)

	case MemberRemoved:
		var m memberRemoved
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("chatId", m.ChatID); err != nil {
			return err
		}
		payload := map[string]any{
			"chatId":    m.ChatID,
			"memberId":  m.MemberID,
			"removedBy": m.RemovedBy,
			"timestamp": m.Timestamp,
		}
		return h.toRoomAndUser(ctx, m.ChatID, m.MemberID, "member_removed", payload)

	case UserStatusUpdated:
		var m statusUpdated
		if err := decode(body, &m); err != nil {
			return err
		}
		if err := requireField("userId", m.UserID); err != nil {
			return err
		}
		_, err := h.presence.SetStatus(ctx, m.UserID, presence.Status(m.Status))
		switch {
		case errors.Is(err, presence.ErrOffline):
			h.log.Debug("status update for offline user skipped", zap.String("user_id", m.UserID))
			return nil
		case errors.Is(err, presence.ErrInvalidStatus):
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return err

	case NotificationPush:
		var n notify.Notification
		if err := decode(body, &n); err != nil {
			return err
		}
		if err := requireField("userId", n.UserID); err != nil {
			return err
		}
		return h.notification(ctx, n)

	default:
		h.log.Warn("unhandled routing key", zap.String("routing_key", routingKey))
		return nil
	}
}

func (h *Handler) toRoomAndUser(ctx context.Context, roomID, userID, event string, payload any) error {
	err := h.router.DeliverToRoom(ctx, roomID, event, payload)
	if userID == "" {
		return err
	}
	return errors.Join(err, h.router.DeliverToUser(ctx, userID, event, payload))
}

// notification reaches online users over their sockets and offline ones by push.
func (h *Handler) notification(ctx context.Context, n notify.Notification) error {
	online, err := h.presence.IsOnline(ctx, n.UserID)
	if err != nil {
		return err
	}
	if online {
		return h.router.DeliverToUser(ctx, n.UserID, "notification", n)
	}
	if !n.ShouldPush {
		return nil
	}
	return h.push.Push(ctx, n)
}

func decode(body []byte, dest any) error {
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func requireField(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformedPayload, field)
	}
	return nil
}
