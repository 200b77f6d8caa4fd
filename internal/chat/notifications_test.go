package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreadCounts(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	group := e.room(t, types.RoomTypeGroup, alice, bob, carol)
	direct := e.room(t, types.RoomTypeDirect, alice, bob)

	const n = 4
	for i := 0; i < n; i++ {
		e.send(t, alice, group.Id, fmt.Sprintf("group %d", i))
	}
	e.send(t, alice, direct.Id, "direct")

	tcases := []struct {
		name   string
		user   types.User
		total  int
		byRoom map[string]int
	}{
		{name: "sender has nothing unread", user: alice, total: 0, byRoom: map[string]int{}},
		{name: "bob", user: bob, total: n + 1, byRoom: map[string]int{group.Id: n, direct.Id: 1}},
		{name: "carol", user: carol, total: n, byRoom: map[string]int{group.Id: n}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := e.Unread(ctx, tc.user)
			require.NoError(t, err)
			assert.Equal(t, tc.total, u.Total)
			assert.Equal(t, tc.byRoom, u.ByRoom)
			assert.Len(t, u.Notifications, tc.total)

			sum := 0
			for _, c := range u.ByRoom {
				sum += c
			}
			assert.Equal(t, u.Total, sum, "expected the total to equal the sum of room counts")
		})
	}

	room, err := e.Rooms.Get(ctx, group.Id)
	require.NoError(t, err)
	p, _ := room.Participant(bob.Id)
	assert.Equal(t, n, p.UnreadCount, "expected the cached participant count to follow")

	cleared, err := e.MarkRead(ctx, bob, group.Id)
	require.NoError(t, err)
	assert.Equal(t, n, cleared)

	count, err := e.Notifications.RoomUnread(ctx, group.Id, bob.Id)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = e.Notifications.RoomUnread(ctx, direct.Id, bob.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expected other rooms to be untouched")

	count, err = e.Notifications.RoomUnread(ctx, group.Id, carol.Id)
	require.NoError(t, err)
	assert.Equal(t, n, count, "expected other participants to be untouched")

	total, err := e.Notifications.UnreadCount(ctx, bob.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	room, err = e.Rooms.Get(ctx, group.Id)
	require.NoError(t, err)
	p, _ = room.Participant(bob.Id)
	assert.Zero(t, p.UnreadCount)
	assert.True(t, epoch.Equal(p.LastReadAt), "expected last read time to be recorded")

	page, err := e.Messages.List(ctx, MessageFilter{RoomId: group.Id})
	require.NoError(t, err)
	for _, m := range page {
		assert.Equal(t, types.StatusRead, m.Status, "expected marking read to advance message %q", m.Text)
	}

	_, err = e.MarkRead(ctx, types.User{Id: "u-stranger"}, group.Id)
	assert.True(t, types.IsPermission(err), "expected permission error, got %v", err)
}

func TestReceiptsFollowPresence(t *testing.T) {
	tcases := []struct {
		name    string
		setup   func(p *Presence, roomId string)
		status  types.MessageStatus
		notified bool
	}{
		{
			name:    "offline recipient",
			setup:   func(*Presence, string) {},
			status:  types.StatusSent,
			notified: true,
		},
		{
			name:    "online recipient",
			setup:   func(p *Presence, _ string) { p.Connect(bob.Id) },
			status:  types.StatusDelivered,
			notified: true,
		},
		{
			name: "recipient viewing the room",
			setup: func(p *Presence, roomId string) {
				p.Connect(bob.Id)
				p.View(roomId, bob.Id)
			},
			status:  types.StatusRead,
			notified: false,
		},
		{
			name: "recipient viewing another room",
			setup: func(p *Presence, _ string) {
				p.Connect(bob.Id)
				p.View("elsewhere", bob.Id)
			},
			status:  types.StatusDelivered,
			notified: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			ctx := context.Background()
			room := e.room(t, types.RoomTypeDirect, alice, bob)
			tc.setup(e.Presence, room.Id)

			msg := e.send(t, alice, room.Id, "hello")

			stored, err := e.Messages.Get(ctx, msg.Id)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.Status)

			count, err := e.Notifications.UnreadCount(ctx, bob.Id)
			require.NoError(t, err)
			if tc.notified {
				assert.Equal(t, 1, count)
			} else {
				assert.Zero(t, count, "expected no notification for a user looking at the room")
			}
		})
	}
}

func TestFanoutFailureDoesNotFailSend(t *testing.T) {
	store := &failingStore{
		MemoryStore: database.NewMemoryStore(),
		collection:  notificationsCollection,
		err:         types.NewTransientStoreError("create notifications", errors.New("connection reset")),
	}
	e := newTestEngine(t, store)
	ctx := context.Background()
	room := e.room(t, types.RoomTypeGroup, alice, bob, carol)

	msg, err := e.SendMessage(ctx, alice, room.Id, "still delivered", nil, "")
	require.NoError(t, err, "expected the send to succeed when notifications fail")

	page, err := e.Messages.List(ctx, MessageFilter{RoomId: room.Id})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, msg.Id, page[0].Id)

	err = e.Notifications.OnMessageSent(ctx, msg, room)
	require.Error(t, err)
	assert.Equal(t, types.KindNotificationFanout, types.KindOf(err))
	assert.Contains(t, err.Error(), bob.Id)
	assert.Contains(t, err.Error(), carol.Id)

	e.stats.AssertCalled(t, "Incr", MetricFanoutErrors)
}

func TestPurgeOnLeave(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	room := e.room(t, types.RoomTypeGroup, alice, bob)

	e.send(t, alice, room.Id, "one")
	e.send(t, alice, room.Id, "two")

	count, err := e.Notifications.UnreadCount(ctx, bob.Id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = e.LeaveRoom(ctx, bob, room.Id)
	require.NoError(t, err)

	count, err = e.Notifications.UnreadCount(ctx, bob.Id)
	require.NoError(t, err)
	assert.Zero(t, count, "expected notifications of a left room to be purged")
}
