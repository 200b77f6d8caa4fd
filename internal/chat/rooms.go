package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/donorchat/internal/clock"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
	"github.com/teris-io/shortid"
)

const roomsCollection = "rooms"

type CreateRoomParams struct {
	Type         types.RoomType
	Name         string
	DonationRef  string
	Participants []types.Participant
}

type RoomFilter struct {
	// IsActive selects rooms by state. Nil lists active rooms only.
	IsActive *bool
	Limit    int
}

type RoomPatch struct {
	Name        *string
	DonationRef *string
	IsActive    *bool
}

// RoomStore manages room records and their membership.
type RoomStore struct {
	db    database.Store
	clock clock.Clock
	log   *log.Logger
	locks keyedMutex
	newId func() (string, error)
}

func NewRoomStore(db database.Store, clk clock.Clock, logger *log.Logger) *RoomStore {
	return &RoomStore{
		db:    db,
		clock: clk,
		log:   logger,
		newId: shortid.Generate,
	}
}

func (s *RoomStore) Create(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if !params.Type.Valid() {
		return types.Room{}, types.NewValidationError("invalid room type %q", params.Type)
	}
	if len(params.Participants) == 0 {
		return types.Room{}, types.NewValidationError("a room needs at least one participant")
	}

	now := s.clock.Now().UTC()
	room := types.Room{
		Type:        params.Type,
		Name:        params.Name,
		DonationRef: params.DonationRef,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		ActivityTs:  now.UnixMicro(),
	}

	for _, p := range params.Participants {
		if p.UserId == "" {
			return types.Room{}, types.NewValidationError("participant user id is required")
		}
		if room.HasParticipant(p.UserId) {
			continue
		}
		if p.Role == "" {
			p.Role = types.RoleMember
		}
		p.IsTyping = false
		p.UnreadCount = 0
		p.JoinedAt = now
		room.Participants = append(room.Participants, p)
		room.ParticipantIds = append(room.ParticipantIds, p.UserId)
	}

	id, err := s.newId()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}
	room.Id = id

	if _, err := s.db.Create(ctx, roomsCollection, room); err != nil {
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	s.log.Printf("created %s room %q with %d participants", room.Type, room.Id, len(room.Participants))
	return room, nil
}

func (s *RoomStore) Get(ctx context.Context, roomId string) (types.Room, error) {
	doc, err := s.db.Get(ctx, roomsCollection, roomId)
	if err != nil {
		return types.Room{}, storeError(err, "room", roomId)
	}

	var room types.Room
	if err := doc.Decode(&room); err != nil {
		return types.Room{}, err
	}
	return room, nil
}

// ListForUser returns the user's rooms, most recently active first.
func (s *RoomStore) ListForUser(ctx context.Context, userId string, filter RoomFilter) ([]types.Room, error) {
	active := true
	if filter.IsActive != nil {
		active = *filter.IsActive
	}

	docs, err := s.db.Query(ctx, roomsCollection, database.Query{
		Where: []database.Predicate{
			database.Where("participant_ids", database.OpContains, userId),
			database.Where("is_active", database.OpEq, active),
		},
		OrderBy: []database.Order{{Field: "activity_ts", Desc: true}},
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]types.Room, 0, len(docs))
	for _, doc := range docs {
		var room types.Room
		if err := doc.Decode(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// FindOrCreateDirectRoom returns the active direct room shared by exactly a
// and b for donationRef, creating it if there is none.
func (s *RoomStore) FindOrCreateDirectRoom(ctx context.Context, a, b types.Participant, donationRef string) (types.Room, bool, error) {
	if a.UserId == "" || b.UserId == "" {
		return types.Room{}, false, types.NewValidationError("both participants are required")
	}
	if a.UserId == b.UserId {
		return types.Room{}, false, types.NewValidationError("cannot open a direct room with yourself")
	}

	unlock := s.locks.Lock("direct:" + pairKey(a.UserId, b.UserId, donationRef))
	defer unlock()

	docs, err := s.db.Query(ctx, roomsCollection, database.Query{
		Where: []database.Predicate{
			database.Where("participant_ids", database.OpContains, a.UserId),
			database.Where("type", database.OpEq, string(types.RoomTypeDirect)),
			database.Where("is_active", database.OpEq, true),
		},
	})
	if err != nil {
		return types.Room{}, false, fmt.Errorf("find direct room: %w", err)
	}

	for _, doc := range docs {
		var room types.Room
		if err := doc.Decode(&room); err != nil {
			return types.Room{}, false, err
		}
		if len(room.Participants) == 2 && room.HasParticipant(b.UserId) && room.DonationRef == donationRef {
			return room, false, nil
		}
	}

	a.Role, b.Role = types.RoleOwner, types.RoleMember
	room, err := s.Create(ctx, CreateRoomParams{
		Type:         types.RoomTypeDirect,
		DonationRef:  donationRef,
		Participants: []types.Participant{a, b},
	})
	return room, err == nil, err
}

// AddParticipant adds p to the room and reactivates it if needed. Adding an
// existing participant is a no-op.
func (s *RoomStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) (types.Room, error) {
	if p.UserId == "" {
		return types.Room{}, types.NewValidationError("participant user id is required")
	}

	return s.mutate(ctx, roomId, func(room *types.Room, now time.Time) (database.Patch, error) {
		if room.HasParticipant(p.UserId) {
			return nil, nil
		}
		if p.Role == "" {
			p.Role = types.RoleMember
		}
		p.IsTyping = false
		p.UnreadCount = 0
		p.JoinedAt = now

		room.Participants = append(room.Participants, p)
		room.ParticipantIds = append(room.ParticipantIds, p.UserId)
		room.IsActive = true
		return database.Patch{
			"participants":    room.Participants,
			"participant_ids": room.ParticipantIds,
			"is_active":       true,
		}, nil
	})
}

// RemoveParticipant drops userId from the room. A room left with no
// participants becomes inactive.
func (s *RoomStore) RemoveParticipant(ctx context.Context, roomId, userId string) (types.Room, error) {
	return s.mutate(ctx, roomId, func(room *types.Room, _ time.Time) (database.Patch, error) {
		if !room.HasParticipant(userId) {
			return nil, types.NewNotFoundError("participant", userId)
		}

		participants := make([]types.Participant, 0, len(room.Participants)-1)
		ids := make([]string, 0, len(room.Participants)-1)
		for _, p := range room.Participants {
			if p.UserId != userId {
				participants = append(participants, p)
				ids = append(ids, p.UserId)
			}
		}
		room.Participants = participants
		room.ParticipantIds = ids
		room.IsActive = len(participants) > 0

		return database.Patch{
			"participants":    participants,
			"participant_ids": ids,
			"is_active":       room.IsActive,
		}, nil
	})
}

func (s *RoomStore) UpdateMetadata(ctx context.Context, roomId string, patch RoomPatch) (types.Room, error) {
	return s.mutate(ctx, roomId, func(room *types.Room, _ time.Time) (database.Patch, error) {
		p := database.Patch{}
		if patch.Name != nil {
			room.Name = *patch.Name
			p["name"] = room.Name
		}
		if patch.DonationRef != nil {
			room.DonationRef = *patch.DonationRef
			p["donation_ref"] = room.DonationRef
		}
		if patch.IsActive != nil {
			if *patch.IsActive && len(room.Participants) == 0 {
				return nil, types.NewValidationError("cannot activate a room without participants")
			}
			room.IsActive = *patch.IsActive
			p["is_active"] = room.IsActive
		}
		if len(p) == 0 {
			return nil, types.NewValidationError("nothing to update")
		}
		return p, nil
	})
}

// UpdateParticipant applies fn to userId's membership record.
func (s *RoomStore) UpdateParticipant(ctx context.Context, roomId, userId string, fn func(*types.Participant)) (types.Room, error) {
	return s.mutate(ctx, roomId, func(room *types.Room, _ time.Time) (database.Patch, error) {
		p, ok := room.Participant(userId)
		if !ok {
			return nil, types.NewNotFoundError("participant", userId)
		}
		fn(p)
		return database.Patch{"participants": room.Participants}, nil
	})
}

// Touch records msg as the room's latest activity.
func (s *RoomStore) Touch(ctx context.Context, msg types.Message) (types.Room, error) {
	return s.mutate(ctx, msg.RoomId, func(room *types.Room, _ time.Time) (database.Patch, error) {
		if msg.Ts < room.ActivityTs {
			return nil, nil
		}
		room.LastMessage = &types.LastMessage{
			MessageId: msg.Id,
			SenderId:  msg.SenderId,
			Text:      preview(msg),
			Timestamp: msg.CreatedAt,
		}
		room.ActivityTs = msg.Ts
		return database.Patch{
			"last_message": room.LastMessage,
			"activity_ts":  room.ActivityTs,
		}, nil
	})
}

// RedactLastMessage clears the preview text of the room's last message if
// that message is messageId.
func (s *RoomStore) RedactLastMessage(ctx context.Context, roomId, messageId string) (types.Room, error) {
	return s.mutate(ctx, roomId, func(room *types.Room, _ time.Time) (database.Patch, error) {
		last := room.LastMessage
		if last == nil || last.MessageId != messageId || last.Text == "" {
			return nil, nil
		}
		last.Text = ""
		return database.Patch{"last_message": last}, nil
	})
}

// mutate runs a read-modify-write cycle on one room. fn returns the fields
// it changed, or a nil patch to leave the room untouched.
func (s *RoomStore) mutate(ctx context.Context, roomId string, fn func(room *types.Room, now time.Time) (database.Patch, error)) (types.Room, error) {
	unlock := s.locks.Lock(roomId)
	defer unlock()

	room, err := s.Get(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	now := s.clock.Now().UTC()
	patch, err := fn(&room, now)
	if err != nil {
		return types.Room{}, err
	}
	if patch == nil {
		return room, nil
	}

	room.UpdatedAt = now
	patch["updated_at"] = now
	if err := s.db.Update(ctx, roomsCollection, roomId, patch); err != nil {
		return types.Room{}, storeError(err, "room", roomId)
	}
	return room, nil
}

func pairKey(a, b, ref string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + ref
}

const previewLength = 80

func preview(msg types.Message) string {
	if msg.Deleted {
		return ""
	}
	if msg.Text == "" && len(msg.Attachments) > 0 {
		return msg.Attachments[0].Name
	}
	text := []rune(msg.Text)
	if len(text) > previewLength {
		return string(text[:previewLength]) + "…"
	}
	return msg.Text
}
