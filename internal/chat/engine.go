package chat

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/donorchat/internal/blob"
	"github.com/npezzotti/donorchat/internal/clock"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/npezzotti/donorchat/internal/types"
)

const (
	MetricActiveSessions      = "NumActiveSessions"
	MetricMessagesSent        = "MessagesSent"
	MetricFanoutErrors        = "NotificationFanoutErrors"
	MetricSubscriptionRetries = "SubscriptionRetries"
)

const (
	DefaultPageSize   = 25
	MaxPageSize       = 100
	MaxAttachmentSize = 10 << 20
)

type Options struct {
	Clock         clock.Clock
	TypingTimeout time.Duration
	PageSize      int
	// BackOff builds the retry policy for failed subscriptions.
	BackOff func() backoff.BackOff
}

type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Engine wires the chat components together and exposes the operations a
// signed-in user can perform.
type Engine struct {
	Rooms         *RoomStore
	Messages      *MessageStore
	Typing        *TypingTracker
	Notifications *Aggregator
	Presence      *Presence
	Feeds         *Fanout

	db       database.Store
	blobs    blob.Store
	clock    clock.Clock
	log      *log.Logger
	stats    stats.StatsProvider
	pageSize int
}

func NewEngine(db database.Store, blobs blob.Store, logger *log.Logger, st stats.StatsProvider, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	for _, metric := range []string{MetricActiveSessions, MetricMessagesSent, MetricFanoutErrors, MetricSubscriptionRetries} {
		st.RegisterMetric(metric)
	}

	e := &Engine{
		db:       db,
		blobs:    blobs,
		clock:    clk,
		log:      logger,
		stats:    st,
		pageSize: pageSize,
	}
	e.Presence = NewPresence()
	e.Rooms = NewRoomStore(db, clk, logger)
	e.Messages = NewMessageStore(db, e.Rooms, clk, logger)
	e.Typing = NewTypingTracker(clk, opts.TypingTimeout)
	e.Notifications = NewAggregator(db, e.Rooms, e.Messages, e.Presence, clk, logger)
	e.Feeds = NewFanout(db, e.Rooms, e.Messages, e.Typing, e.Notifications, logger, st, opts.BackOff)

	e.Messages.OnSent(e.messageSent)
	return e
}

func (e *Engine) PageSize() int {
	return e.pageSize
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

// messageSent runs the side effects of a committed message. Failures here
// are logged and never fail the send.
func (e *Engine) messageSent(ctx context.Context, msg types.Message, room types.Room) {
	e.stats.Incr(MetricMessagesSent)
	e.Typing.Clear(room.Id, msg.SenderId)

	if _, err := e.Rooms.Touch(ctx, msg); err != nil {
		e.log.Printf("error updating last message of room %q: %v", room.Id, err)
	}

	if err := e.Notifications.OnMessageSent(ctx, msg, room); err != nil {
		e.log.Printf("message %q in room %q: %v", msg.Id, room.Id, err)
		e.stats.Incr(MetricFanoutErrors)
	}
}

func (e *Engine) ListRooms(ctx context.Context, user types.User, filter RoomFilter) ([]types.Room, error) {
	return e.Rooms.ListForUser(ctx, user.Id, filter)
}

func (e *Engine) GetRoom(ctx context.Context, user types.User, roomId string) (types.Room, error) {
	return e.participantRoom(ctx, user, roomId)
}

// CreateRoom creates a room owned by user. user is added to the
// participants if the caller left them out.
func (e *Engine) CreateRoom(ctx context.Context, user types.User, params CreateRoomParams) (types.Room, error) {
	owner := types.Participant{UserId: user.Id, Username: user.Username, Role: types.RoleOwner}

	participants := []types.Participant{owner}
	for _, p := range params.Participants {
		if p.UserId == user.Id {
			continue
		}
		p.Role = types.RoleMember
		participants = append(participants, p)
	}
	params.Participants = participants

	return e.Rooms.Create(ctx, params)
}

// OpenDirectRoom finds or creates the direct room between user and other
// for a donation. The bool reports whether a room was created.
func (e *Engine) OpenDirectRoom(ctx context.Context, user, other types.User, donationRef string) (types.Room, bool, error) {
	return e.Rooms.FindOrCreateDirectRoom(ctx,
		types.Participant{UserId: user.Id, Username: user.Username},
		types.Participant{UserId: other.Id, Username: other.Username},
		donationRef,
	)
}

func (e *Engine) AddParticipant(ctx context.Context, user types.User, roomId string, p types.Participant) (types.Room, error) {
	if _, err := e.ownedRoom(ctx, user, roomId); err != nil {
		return types.Room{}, err
	}
	p.Role = types.RoleMember
	return e.Rooms.AddParticipant(ctx, roomId, p)
}

func (e *Engine) UpdateRoom(ctx context.Context, user types.User, roomId string, patch RoomPatch) (types.Room, error) {
	if _, err := e.ownedRoom(ctx, user, roomId); err != nil {
		return types.Room{}, err
	}
	return e.Rooms.UpdateMetadata(ctx, roomId, patch)
}

// LeaveRoom removes user from the room and drops their outstanding
// notifications for it.
func (e *Engine) LeaveRoom(ctx context.Context, user types.User, roomId string) (types.Room, error) {
	room, err := e.Rooms.RemoveParticipant(ctx, roomId, user.Id)
	if err != nil {
		if types.IsNotFound(err) {
			if _, getErr := e.Rooms.Get(ctx, roomId); getErr == nil {
				return types.Room{}, types.NewPermissionError("user %q is not a participant of room %q", user.Id, roomId)
			}
		}
		return types.Room{}, err
	}

	e.Typing.Clear(roomId, user.Id)
	if err := e.Notifications.Purge(ctx, roomId, user.Id); err != nil {
		e.log.Printf("error purging notifications of %q in room %q: %v", user.Id, roomId, err)
	}
	return room, nil
}

func (e *Engine) SendMessage(ctx context.Context, user types.User, roomId, text string, attachments []types.Attachment, replyTo string) (types.Message, error) {
	return e.Messages.Send(ctx, SendParams{
		RoomId:      roomId,
		Sender:      user,
		Text:        text,
		Attachments: attachments,
		ReplyTo:     replyTo,
	})
}

// SendFile uploads file to blob storage and sends it as a message with an
// optional caption.
func (e *Engine) SendFile(ctx context.Context, user types.User, roomId string, file FileUpload, caption string) (types.Message, error) {
	if file.Name == "" {
		return types.Message{}, types.NewValidationError("file name is required")
	}
	if file.MimeType == "" {
		return types.Message{}, types.NewValidationError("file mime type is required")
	}
	if len(file.Data) > MaxAttachmentSize {
		return types.Message{}, types.NewValidationError("file exceeds %d bytes", MaxAttachmentSize)
	}
	if e.blobs == nil {
		return types.Message{}, types.NewValidationError("file uploads are not enabled")
	}

	if _, err := e.participantRoom(ctx, user, roomId); err != nil {
		return types.Message{}, err
	}

	url, err := e.blobs.Upload(ctx, path.Join("rooms", roomId, file.Name), file.Data)
	if err != nil {
		return types.Message{}, types.NewTransientStoreError("upload attachment", err)
	}

	return e.SendMessage(ctx, user, roomId, caption, []types.Attachment{{
		Url:      url,
		Name:     file.Name,
		Size:     int64(len(file.Data)),
		MimeType: file.MimeType,
	}}, "")
}

// DeleteMessage soft-deletes one of the user's messages and clears its text
// from the room preview and from notifications. Deleting an already deleted
// message repeats the clearing, so a failed attempt can be retried.
func (e *Engine) DeleteMessage(ctx context.Context, user types.User, messageId string) (types.Message, error) {
	msg, err := e.Messages.SoftDelete(ctx, messageId, user.Id)
	if err != nil {
		return types.Message{}, err
	}
	if _, err := e.Rooms.RedactLastMessage(ctx, msg.RoomId, msg.Id); err != nil {
		return types.Message{}, fmt.Errorf("redact room preview: %w", err)
	}
	if err := e.Notifications.Redact(ctx, msg.Id); err != nil {
		return types.Message{}, fmt.Errorf("redact notifications: %w", err)
	}
	return msg, nil
}

// ListMessages returns a page of messages older than before, newest first.
func (e *Engine) ListMessages(ctx context.Context, user types.User, roomId string, before int64, limit int) ([]types.Message, error) {
	if _, err := e.participantRoom(ctx, user, roomId); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return e.Messages.List(ctx, MessageFilter{RoomId: roomId, Before: before, Limit: limit})
}

func (e *Engine) SetTyping(ctx context.Context, user types.User, roomId string, isTyping bool) error {
	if _, err := e.participantRoom(ctx, user, roomId); err != nil {
		return err
	}
	e.Typing.SetTyping(roomId, user.Id, isTyping)
	return nil
}

func (e *Engine) MarkRead(ctx context.Context, user types.User, roomId string) (int, error) {
	return e.Notifications.MarkRead(ctx, roomId, user.Id)
}

func (e *Engine) Unread(ctx context.Context, user types.User) (Unread, error) {
	return e.Notifications.Unread(ctx, user.Id)
}

func (e *Engine) participantRoom(ctx context.Context, user types.User, roomId string) (types.Room, error) {
	room, err := e.Rooms.Get(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}
	if !room.HasParticipant(user.Id) {
		return types.Room{}, types.NewPermissionError("user %q is not a participant of room %q", user.Id, roomId)
	}
	return room, nil
}

func (e *Engine) ownedRoom(ctx context.Context, user types.User, roomId string) (types.Room, error) {
	room, err := e.participantRoom(ctx, user, roomId)
	if err != nil {
		return types.Room{}, err
	}
	if p, _ := room.Participant(user.Id); p.Role != types.RoleOwner {
		return types.Room{}, types.NewPermissionError("only the room owner can change room %q", roomId)
	}
	return room, nil
}
