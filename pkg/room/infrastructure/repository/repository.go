package repository

import "github.com/lightlink/signaling-service/pkg/room/domain/entity"

// RoomRepository stores rooms by name and members by participant id.
// Single operations are safe for concurrent use; compound updates are
// serialized by the caller.
type RoomRepository interface {
	GetRoomByName(name string) (*entity.Room, error)
	LoadOrStore(room *entity.Room) *entity.Room
	DeleteRoom(name string)
	Rooms() []*entity.Room

	GetMemberByID(id string) (entity.Member, error)
	StoreMember(member entity.Member)
	// DeleteMember removes id only while it still maps to member.
	DeleteMember(id string, member entity.Member) bool
}
