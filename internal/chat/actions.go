package chat

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-chat-realtime/internal/presence"
)

func decode(data json.RawMessage, dest any) error {
	if len(data) == 0 {
		return fail(CodeInvalidPayload, "missing data")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fail(CodeInvalidPayload, "invalid data")
	}
	return nil
}

func decodeRoom(data json.RawMessage) (string, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return "", err
	}
	if req.RoomID == "" {
		return "", fail(CodeInvalidPayload, "roomId is required")
	}
	return req.RoomID, nil
}

func (h *Handler) requireJoined(c *Client, roomID string) error {
	if !h.registry.InRoom(c.sock.ID, roomID) {
		return fail(CodeNotInRoom, "join room %s first", roomID)
	}
	return nil
}

func (h *Handler) joinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}

	if h.participants != nil {
		ok, err := h.participants.IsParticipant(ctx, roomID, c.identity.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fail(CodeForbidden, "not a participant of room %s", roomID)
		}
	}

	if _, err := h.registry.JoinRoom(ctx, c.sock.ID, roomID); err != nil {
		return err
	}
	c.emit(EventRoomJoined, map[string]any{"roomId": roomID, "timestamp": time.Now()})
	return nil
}

func (h *Handler) leaveRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if _, err := h.registry.LeaveRoom(ctx, c.sock.ID, roomID); err != nil {
		return err
	}
	c.emit(EventRoomLeft, map[string]any{"roomId": roomID, "timestamp": time.Now()})
	return nil
}

// sendMessage hands the message to persistence first; only an accepted
// message is shown to the room, or to both sides of a direct message.
func (h *Handler) sendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return fail(CodeInvalidPayload, "content is required")
	}
	switch {
	case req.RoomID != "":
		if err := h.requireJoined(c, req.RoomID); err != nil {
			return err
		}
	case req.RecipientID == "":
		return fail(CodeInvalidPayload, "roomId or recipientId is required")
	}

	msg := Message{
		ID:          uuid.NewString(),
		TempID:      req.TempID,
		ChatID:      req.RoomID,
		SenderID:    c.identity.UserID,
		SenderName:  c.identity.Username,
		Content:     req.Content,
		Type:        req.Type,
		ParentID:    req.ParentID,
		Attachments: req.Attachments,
		Timestamp:   time.Now(),
		Status:      "sent",
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if req.RoomID == "" {
		msg.RecipientID = req.RecipientID
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, ActionSendMessage, msg); err != nil {
			return err
		}
	}

	var err error
	if req.RoomID != "" {
		err = h.router.DeliverToRoom(ctx, req.RoomID, EventNewMessage, msg)
	} else {
		err = errors.Join(
			h.router.DeliverToUser(ctx, req.RecipientID, EventNewMessage, msg),
			h.router.DeliverToUser(ctx, c.identity.UserID, EventNewMessage, msg),
		)
	}
	if err != nil {
		return err
	}

	if err := h.metrics.MessageSent(ctx, req.RoomID); err != nil {
		c.log.Debug("message counter not updated", zap.Error(err))
	}
	return nil
}

func (h *Handler) typing(ctx context.Context, c *Client, data json.RawMessage, typing bool) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if err := h.requireJoined(c, roomID); err != nil {
		return err
	}
	return h.router.Typing(ctx, c.member(), roomID, typing)
}

func (h *Handler) updatePresence(ctx context.Context, c *Client, data json.RawMessage) error {
	var req presenceRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.presence.SetStatus(ctx, c.identity.UserID, presence.Status(req.Status))
	if errors.Is(err, presence.ErrInvalidStatus) {
		return fail(CodeInvalidStatus, "invalid status %q", req.Status)
	}
	return err
}

// setActiveChat clears the pointer when chatId is empty.
func (h *Handler) setActiveChat(ctx context.Context, c *Client, data json.RawMessage) error {
	var req activeChatRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ChatID == "" {
		return h.presence.ClearActiveChat(ctx, c.identity.UserID)
	}
	return h.presence.SetActiveChat(ctx, c.identity.UserID, req.ChatID)
}

func (h *Handler) getPresence(ctx context.Context, c *Client, data json.RawMessage) error {
	var req bulkPresenceRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if len(req.UserIDs) == 0 {
		return fail(CodeInvalidPayload, "userIds is required")
	}
	presences, err := h.presence.GetBulk(ctx, req.UserIDs)
	if err != nil {
		return err
	}
	c.emit(EventPresenceBulk, map[string]any{"presences": presences})
	return nil
}

// getOnlineUsers lists the room's members that currently have a connection.
func (h *Handler) getOnlineUsers(ctx context.Context, c *Client, data json.RawMessage) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	members, err := h.router.RoomUsers(ctx, roomID)
	if err != nil {
		return err
	}

	users := []OnlineUser{}
	if len(members) > 0 {
		presences, err := h.presence.GetBulk(ctx, members)
		if err != nil {
			return err
		}
		for _, p := range presences {
			if p.IsOnline() {
				users = append(users, OnlineUser{UserID: p.UserID, Status: string(p.Status), LastSeen: p.LastSeen})
			}
		}
		slices.SortFunc(users, func(a, b OnlineUser) int { return strings.Compare(a.UserID, b.UserID) })
	}
	c.emit(EventOnlineUsers, map[string]any{"roomId": roomID, "users": users})
	return nil
}

func (h *Handler) addReaction(ctx context.Context, c *Client, data json.RawMessage) error {
	var req reactionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.RoomID == "" || req.MessageID == "" || req.Emoji == "" {
		return fail(CodeInvalidPayload, "roomId, messageId and emoji are required")
	}
	if err := h.requireJoined(c, req.RoomID); err != nil {
		return err
	}

	r := Reaction{
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		Emoji:     req.Emoji,
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		Timestamp: time.Now(),
	}
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, ActionAddReaction, r); err != nil {
			return err
		}
	}
	return h.router.DeliverToRoom(ctx, req.RoomID, EventReactionAdded, r)
}
