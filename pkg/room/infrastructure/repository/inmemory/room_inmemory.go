package inmemory

import (
	"sort"
	"sync"

	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
)

type InMemoryRoomRepository struct {
	rooms   *sync.Map // name -> *entity.Room
	members *sync.Map // participant id -> entity.Member
}

func NewInMemoryRoomRepository() *InMemoryRoomRepository {
	return &InMemoryRoomRepository{
		rooms:   &sync.Map{},
		members: &sync.Map{},
	}
}

func (repo *InMemoryRoomRepository) GetRoomByName(name string) (*entity.Room, error) {
	rawRoom, ok := repo.rooms.Load(name)
	if !ok {
		return nil, entity.ErrRoomNotFound
	}

	return rawRoom.(*entity.Room), nil
}

func (repo *InMemoryRoomRepository) LoadOrStore(newRoom *entity.Room) *entity.Room {
	roomIface, loaded := repo.rooms.LoadOrStore(newRoom.Name, newRoom)
	if loaded {
		return roomIface.(*entity.Room)
	}

	return newRoom
}

func (repo *InMemoryRoomRepository) DeleteRoom(name string) {
	repo.rooms.Delete(name)
}

// Rooms returns every stored room ordered by name.
func (repo *InMemoryRoomRepository) Rooms() []*entity.Room {
	rooms := []*entity.Room{}
	repo.rooms.Range(func(_, value any) bool {
		rooms = append(rooms, value.(*entity.Room))
		return true
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	return rooms
}

func (repo *InMemoryRoomRepository) GetMemberByID(id string) (entity.Member, error) {
	rawMember, ok := repo.members.Load(id)
	if !ok {
		return nil, entity.ErrParticipantNotFound
	}

	return rawMember.(entity.Member), nil
}

func (repo *InMemoryRoomRepository) StoreMember(member entity.Member) {
	repo.members.Store(member.ID(), member)
}

func (repo *InMemoryRoomRepository) DeleteMember(id string, member entity.Member) bool {
	return repo.members.CompareAndDelete(id, member)
}
