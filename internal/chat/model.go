package chat

import (
	"encoding/json"
	"time"
)

// Events a client may send.
const (
	EventAuthenticate   = "authenticate"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventUpdatePresence = "update_presence"
	EventSetActiveChat  = "set_active_chat"
	EventGetPresence    = "get_presence"
	EventGetOnlineUsers = "get_online_users"
	EventReaction       = "message_reaction"
)

// Events the gateway itself sends back.
const (
	EventError         = "error"
	EventRoomJoined    = "room_joined"
	EventRoomLeft      = "room_left"
	EventNewMessage    = "new_message"
	EventPresenceBulk  = "presence_bulk"
	EventOnlineUsers   = "online_users"
	EventReactionAdded = "message_reaction_added"
)

// Error codes carried by error events.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnknownEvent     = "UNKNOWN_EVENT"
	CodeForbidden        = "FORBIDDEN"
	CodeNotInRoom        = "NOT_IN_ROOM"
	CodeInvalidStatus    = "INVALID_STATUS"
	CodeInternal         = "INTERNAL_ERROR"
)

// Actions published to the persistence queue.
const (
	ActionSendMessage = "send_message"
	ActionAddReaction = "add_reaction"
)

// InboundFrame is what the frontend SENDS to us.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

// sendMessageRequest targets a room, or a single user when RecipientID is set.
type sendMessageRequest struct {
	RoomID      string          `json:"roomId"`
	RecipientID string          `json:"recipientId"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	ParentID    string          `json:"parentId"`
	Attachments json.RawMessage `json:"attachments"`
	TempID      string          `json:"tempId"`
}

type presenceRequest struct {
	Status string `json:"status"`
}

type activeChatRequest struct {
	ChatID string `json:"chatId"`
}

type bulkPresenceRequest struct {
	UserIDs []string `json:"userIds"`
}

type reactionRequest struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Message is the real-time rendering of a chat message before persistence.
type Message struct {
	ID          string          `json:"id"`
	TempID      string          `json:"tempId,omitempty"`
	ChatID      string          `json:"chatId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	ParentID    string          `json:"parentId,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
}

type Reaction struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type OnlineUser struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}
