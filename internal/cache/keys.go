package cache

import "fmt"

// Key layout:
//   presence:room:<room>   Hash<connectionId -> entry JSON>, expires after ttl of inactivity
//   presence:rooms         Set<room> of rooms with at least one mirrored member
const (
	keyRoomFmt = "presence:room:%s"
	keyRooms   = "presence:rooms"
)

func roomKey(roomName string) string { return fmt.Sprintf(keyRoomFmt, roomName) }
