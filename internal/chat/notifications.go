package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/npezzotti/donorchat/internal/clock"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
)

const notificationsCollection = "notifications"

// Unread is a user's unread state. Total always equals the sum of ByRoom
// because both are computed from the same read of the notifications.
type Unread struct {
	Total         int                  `json:"total"`
	ByRoom        map[string]int       `json:"by_room"`
	Notifications []types.Notification `json:"notifications"`
}

// Aggregator turns sent messages into per-recipient notifications and
// delivery receipts, and answers unread queries.
type Aggregator struct {
	db       database.Store
	rooms    *RoomStore
	messages *MessageStore
	presence *Presence
	clock    clock.Clock
	log      *log.Logger
}

func NewAggregator(db database.Store, rooms *RoomStore, messages *MessageStore, presence *Presence, clk clock.Clock, logger *log.Logger) *Aggregator {
	return &Aggregator{
		db:       db,
		rooms:    rooms,
		messages: messages,
		presence: presence,
		clock:    clk,
		log:      logger,
	}
}

// OnMessageSent notifies every participant except the sender. Participants
// looking at the room count as having read the message and get no
// notification. The returned error is a NotificationFanoutError listing every
// recipient that could not be notified.
func (a *Aggregator) OnMessageSent(ctx context.Context, msg types.Message, room types.Room) error {
	var (
		errs   []error
		status = types.StatusSent
	)

	for _, p := range room.Participants {
		if p.UserId == msg.SenderId {
			continue
		}

		if a.presence.IsViewing(room.Id, p.UserId) {
			status = types.StatusRead
			continue
		}
		if a.presence.IsOnline(p.UserId) && types.StatusDelivered.After(status) {
			status = types.StatusDelivered
		}

		n := types.Notification{
			Id:         uuid.NewString(),
			UserId:     p.UserId,
			RoomId:     room.Id,
			MessageId:  msg.Id,
			SenderId:   msg.SenderId,
			SenderName: msg.SenderName,
			Preview:    preview(msg),
			CreatedAt:  msg.CreatedAt,
			CreatedTs:  msg.Ts,
		}
		if _, err := a.db.Create(ctx, notificationsCollection, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %q: %w", p.UserId, err))
			continue
		}
		if err := a.refreshUnreadHint(ctx, room.Id, p.UserId); err != nil {
			errs = append(errs, fmt.Errorf("unread hint for %q: %w", p.UserId, err))
		}
	}

	if status != types.StatusSent {
		if _, err := a.messages.UpdateStatus(ctx, msg.Id, status); err != nil {
			errs = append(errs, fmt.Errorf("receipt for %q: %w", msg.Id, err))
		}
	}

	if len(errs) > 0 {
		return types.NewNotificationFanoutError(errors.Join(errs...))
	}
	return nil
}

// MarkRead clears userId's unread notifications for roomId and marks the
// underlying messages read. It returns how many notifications were cleared.
func (a *Aggregator) MarkRead(ctx context.Context, roomId, userId string) (int, error) {
	room, err := a.rooms.Get(ctx, roomId)
	if err != nil {
		return 0, err
	}
	if !room.HasParticipant(userId) {
		return 0, types.NewPermissionError("user %q is not a participant of room %q", userId, roomId)
	}

	cleared, err := a.clear(ctx, roomId, userId)
	if err != nil {
		return 0, err
	}

	for _, n := range cleared {
		if _, err := a.messages.UpdateStatus(ctx, n.MessageId, types.StatusRead); err != nil && !types.IsNotFound(err) {
			return 0, err
		}
	}

	now := a.clock.Now().UTC()
	if _, err := a.rooms.UpdateParticipant(ctx, roomId, userId, func(p *types.Participant) {
		p.UnreadCount = 0
		p.LastReadAt = now
	}); err != nil {
		return 0, err
	}

	return len(cleared), nil
}

// Purge drops userId's outstanding notifications for roomId, used when the
// user leaves the room.
func (a *Aggregator) Purge(ctx context.Context, roomId, userId string) error {
	cleared, err := a.clear(ctx, roomId, userId)
	if err != nil {
		return err
	}
	if len(cleared) > 0 {
		a.log.Printf("purged %d notifications for %q in room %q", len(cleared), userId, roomId)
	}
	return nil
}

// Redact clears the preview of every notification for messageId, read or
// not.
func (a *Aggregator) Redact(ctx context.Context, messageId string) error {
	docs, err := a.db.Query(ctx, notificationsCollection, database.Query{
		Where: []database.Predicate{database.Where("message_id", database.OpEq, messageId)},
	})
	if err != nil {
		return fmt.Errorf("query notifications: %w", err)
	}

	for _, doc := range docs {
		var n types.Notification
		if err := doc.Decode(&n); err != nil {
			return err
		}
		if n.Preview == "" {
			continue
		}
		if err := a.db.Update(ctx, notificationsCollection, doc.Id, database.Patch{"preview": ""}); err != nil {
			return storeError(err, "notification", doc.Id)
		}
	}
	return nil
}

func (a *Aggregator) Unread(ctx context.Context, userId string) (Unread, error) {
	notifications, err := a.unread(ctx, userId, "")
	if err != nil {
		return Unread{}, err
	}

	u := Unread{
		Total:         len(notifications),
		ByRoom:        make(map[string]int),
		Notifications: notifications,
	}
	for _, n := range notifications {
		u.ByRoom[n.RoomId]++
	}
	return u, nil
}

func (a *Aggregator) UnreadCount(ctx context.Context, userId string) (int, error) {
	u, err := a.Unread(ctx, userId)
	return u.Total, err
}

func (a *Aggregator) RoomUnread(ctx context.Context, roomId, userId string) (int, error) {
	notifications, err := a.unread(ctx, userId, roomId)
	return len(notifications), err
}

func (a *Aggregator) clear(ctx context.Context, roomId, userId string) ([]types.Notification, error) {
	notifications, err := a.unread(ctx, userId, roomId)
	if err != nil {
		return nil, err
	}
	for _, n := range notifications {
		if err := a.db.Update(ctx, notificationsCollection, n.Id, database.Patch{"read": true}); err != nil {
			return nil, storeError(err, "notification", n.Id)
		}
	}
	return notifications, nil
}

// unread returns userId's unread notifications, newest first, optionally
// restricted to one room.
func (a *Aggregator) unread(ctx context.Context, userId, roomId string) ([]types.Notification, error) {
	where := []database.Predicate{
		database.Where("user_id", database.OpEq, userId),
		database.Where("read", database.OpEq, false),
	}
	if roomId != "" {
		where = append(where, database.Where("room_id", database.OpEq, roomId))
	}

	docs, err := a.db.Query(ctx, notificationsCollection, database.Query{
		Where:   where,
		OrderBy: []database.Order{{Field: "created_ts", Desc: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	notifications := make([]types.Notification, 0, len(docs))
	for _, doc := range docs {
		var n types.Notification
		if err := doc.Decode(&n); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// refreshUnreadHint copies the authoritative room count into the cached
// participant field shown in room lists.
func (a *Aggregator) refreshUnreadHint(ctx context.Context, roomId, userId string) error {
	count, err := a.RoomUnread(ctx, roomId, userId)
	if err != nil {
		return err
	}
	_, err = a.rooms.UpdateParticipant(ctx, roomId, userId, func(p *types.Participant) {
		p.UnreadCount = count
	})
	return err
}
