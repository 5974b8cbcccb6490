package kvs

import "fmt"

// Shared key namespace. Every instance reads and writes these.
const (
	ConnectionsHash  = "socket_connections"
	PresenceHash     = "user_presence"
	OnlineUsersSet   = "online_users"
	BroadcastChannel = "realtime:broadcast"
	ReaperLockKey    = "reaper:lock"
)

func RoomUsersKey(roomID string) string {
	return fmt.Sprintf("room:%s:users", roomID)
}

func UserRoomsKey(userID string) string {
	return fmt.Sprintf("user:%s:rooms", userID)
}

func TypingKey(roomID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", roomID, userID)
}

func InstanceAliveKey(instanceID string) string {
	return fmt.Sprintf("instance:%s:alive", instanceID)
}

func RevisionKey(hash, field string) string {
	return fmt.Sprintf("rev:%s:%s", hash, field)
}
