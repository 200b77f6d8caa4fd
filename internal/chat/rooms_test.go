package chat

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/donorchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomStoreCreate(t *testing.T) {
	tcases := []struct {
		name         string
		params       CreateRoomParams
		expectErr    bool
		participants []string
	}{
		{
			name:      "no participants",
			params:    CreateRoomParams{Type: types.RoomTypeGroup},
			expectErr: true,
		},
		{
			name: "invalid type",
			params: CreateRoomParams{
				Type:         "broadcast",
				Participants: []types.Participant{{UserId: alice.Id}},
			},
			expectErr: true,
		},
		{
			name: "missing user id",
			params: CreateRoomParams{
				Type:         types.RoomTypeGroup,
				Participants: []types.Participant{{Username: "nobody"}},
			},
			expectErr: true,
		},
		{
			name: "duplicates are dropped",
			params: CreateRoomParams{
				Type: types.RoomTypeDonation,
				Participants: []types.Participant{
					{UserId: alice.Id, Role: types.RoleOwner},
					{UserId: bob.Id},
					{UserId: alice.Id},
				},
			},
			participants: []string{alice.Id, bob.Id},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, nil)

			room, err := e.Rooms.Create(context.Background(), tc.params)
			if tc.expectErr {
				assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
				return
			}
			require.NoError(t, err)

			assert.NotEmpty(t, room.Id, "expected room id to be generated")
			assert.True(t, room.IsActive, "expected new room to be active")
			assert.Equal(t, tc.participants, room.ParticipantIds)
			assert.Equal(t, epoch, room.CreatedAt)
			assert.Equal(t, epoch, room.UpdatedAt)

			p, ok := room.Participant(bob.Id)
			require.True(t, ok)
			assert.Equal(t, types.RoleMember, p.Role, "expected default role to be member")

			stored, err := e.Rooms.Get(context.Background(), room.Id)
			require.NoError(t, err)
			assert.Equal(t, room.ParticipantIds, stored.ParticipantIds)
		})
	}
}

func TestRoomStoreGetNotFound(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Rooms.Get(context.Background(), "missing")
	assert.True(t, types.IsNotFound(err), "expected not found error, got %v", err)
}

func TestRoomStoreListForUser(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	first := e.room(t, types.RoomTypeDirect, alice, bob)
	e.clock.Advance(time.Second)
	second := e.room(t, types.RoomTypeGroup, alice, carol)
	e.clock.Advance(time.Second)
	e.room(t, types.RoomTypeDirect, bob, carol)

	rooms, err := e.Rooms.ListForUser(ctx, alice.Id, RoomFilter{})
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, second.Id, rooms[0].Id, "expected most recently active room first")
	assert.Equal(t, first.Id, rooms[1].Id)

	e.clock.Advance(time.Second)
	e.send(t, bob, first.Id, "hello")

	rooms, err = e.Rooms.ListForUser(ctx, alice.Id, RoomFilter{})
	require.NoError(t, err)
	assert.Equal(t, first.Id, rooms[0].Id, "expected a new message to move the room to the top")
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "hello", rooms[0].LastMessage.Text)

	rooms, err = e.Rooms.ListForUser(ctx, alice.Id, RoomFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	inactive := false
	_, err = e.Rooms.UpdateMetadata(ctx, second.Id, RoomPatch{IsActive: &inactive})
	require.NoError(t, err)

	rooms, err = e.Rooms.ListForUser(ctx, alice.Id, RoomFilter{})
	require.NoError(t, err)
	require.Len(t, rooms, 1, "expected inactive rooms to be excluded by default")
	assert.Equal(t, first.Id, rooms[0].Id)

	rooms, err = e.Rooms.ListForUser(ctx, alice.Id, RoomFilter{IsActive: &inactive})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, second.Id, rooms[0].Id)
}

func TestRoomStoreMembership(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	room := e.room(t, types.RoomTypeGroup, alice, bob)

	e.clock.Advance(time.Minute)
	updated, err := e.Rooms.AddParticipant(ctx, room.Id, types.Participant{UserId: carol.Id, Username: carol.Username})
	require.NoError(t, err)
	assert.Equal(t, []string{alice.Id, bob.Id, carol.Id}, updated.ParticipantIds)
	assert.Equal(t, epoch.Add(time.Minute), updated.UpdatedAt, "expected mutation to move updatedAt")

	again, err := e.Rooms.AddParticipant(ctx, room.Id, types.Participant{UserId: carol.Id})
	require.NoError(t, err)
	assert.Len(t, again.Participants, 3, "expected adding an existing participant to be a no-op")

	for _, u := range []types.User{alice, bob} {
		_, err = e.Rooms.RemoveParticipant(ctx, room.Id, u.Id)
		require.NoError(t, err)
	}

	_, err = e.Rooms.RemoveParticipant(ctx, room.Id, alice.Id)
	assert.True(t, types.IsNotFound(err), "expected removing a non-participant to fail, got %v", err)

	last, err := e.Rooms.RemoveParticipant(ctx, room.Id, carol.Id)
	require.NoError(t, err)
	assert.Empty(t, last.Participants)
	assert.False(t, last.IsActive, "expected room with no participants to be inactive")

	reactivated, err := e.Rooms.AddParticipant(ctx, room.Id, types.Participant{UserId: bob.Id})
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive, "expected adding a participant to reactivate the room")
}

func TestRoomStoreUpdateMetadata(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	room := e.room(t, types.RoomTypeDonation, alice, bob)

	name, ref := "Winter coats", "donation-42"
	updated, err := e.Rooms.UpdateMetadata(ctx, room.Id, RoomPatch{Name: &name, DonationRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, ref, updated.DonationRef)

	_, err = e.Rooms.UpdateMetadata(ctx, room.Id, RoomPatch{})
	assert.True(t, types.IsValidation(err), "expected empty patch to be rejected, got %v", err)

	_, err = e.Rooms.UpdateMetadata(ctx, "missing", RoomPatch{Name: &name})
	assert.True(t, types.IsNotFound(err), "expected not found error, got %v", err)
}

func TestFindOrCreateDirectRoom(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	room, created, err := e.OpenDirectRoom(ctx, alice, bob, "donation-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.RoomTypeDirect, room.Type)
	assert.Equal(t, "donation-1", room.DonationRef)

	same, created, err := e.OpenDirectRoom(ctx, bob, alice, "donation-1")
	require.NoError(t, err)
	assert.False(t, created, "expected the existing room to be reused")
	assert.Equal(t, room.Id, same.Id)

	other, created, err := e.OpenDirectRoom(ctx, alice, bob, "donation-2")
	require.NoError(t, err)
	assert.True(t, created, "expected a different donation to get its own room")
	assert.NotEqual(t, room.Id, other.Id)

	_, _, err = e.OpenDirectRoom(ctx, alice, alice, "donation-1")
	assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
}

func TestEngineRoomPermissions(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	room := e.room(t, types.RoomTypeGroup, alice, bob)

	_, err := e.GetRoom(ctx, carol, room.Id)
	assert.True(t, types.IsPermission(err), "expected permission error, got %v", err)

	name := "renamed"
	_, err = e.UpdateRoom(ctx, bob, room.Id, RoomPatch{Name: &name})
	assert.True(t, types.IsPermission(err), "expected only the owner to update the room, got %v", err)

	_, err = e.AddParticipant(ctx, bob, room.Id, types.Participant{UserId: carol.Id})
	assert.True(t, types.IsPermission(err), "expected only the owner to add participants, got %v", err)

	updated, err := e.AddParticipant(ctx, alice, room.Id, types.Participant{UserId: carol.Id, Username: carol.Username})
	require.NoError(t, err)
	assert.True(t, updated.HasParticipant(carol.Id))

	_, err = e.LeaveRoom(ctx, types.User{Id: "u-stranger"}, room.Id)
	assert.True(t, types.IsPermission(err), "expected leaving a room you are not in to fail, got %v", err)
}

func Test_preview(t *testing.T) {
	long := make([]rune, previewLength+10)
	for i := range long {
		long[i] = 'a'
	}

	tcases := []struct {
		name string
		msg  types.Message
		want string
	}{
		{name: "text", msg: types.Message{Text: "hi"}, want: "hi"},
		{name: "attachment only", msg: types.Message{Attachments: []types.Attachment{{Name: "receipt.pdf"}}}, want: "receipt.pdf"},
		{name: "deleted", msg: types.Message{Text: "secret", Deleted: true}, want: ""},
		{name: "truncated", msg: types.Message{Text: string(long)}, want: string(long[:previewLength]) + "…"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, preview(tc.msg))
		})
	}
}
