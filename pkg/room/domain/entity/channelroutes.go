package entity

import "fmt"

func RoomChannel(roomName string) string {
	return fmt.Sprintf("room:%s", roomName)
}

func UserChannel(roomName, userID string) string {
	return fmt.Sprintf("group:%s:user:%s", roomName, userID)
}
