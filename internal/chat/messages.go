package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/donorchat/internal/clock"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
)

const (
	messagesCollection = "messages"
	MaxTextLength      = 4000
	MaxAttachments     = 10
)

type SendParams struct {
	RoomId      string
	Sender      types.User
	Text        string
	Attachments []types.Attachment
	ReplyTo     string
}

type MessageFilter struct {
	RoomId string
	// Before is an exclusive cursor on Message.Ts. Zero means newest.
	Before int64
	Limit  int
}

// SentHook runs after a message is committed. ctx is detached from the
// sender's cancellation.
type SentHook func(ctx context.Context, msg types.Message, room types.Room)

// MessageStore persists messages and enforces their ordering and lifecycle.
type MessageStore struct {
	db    database.Store
	rooms *RoomStore
	clock clock.Clock
	log   *log.Logger
	locks keyedMutex

	tsLock sync.Mutex
	lastTs int64

	hooks []SentHook
}

func NewMessageStore(db database.Store, rooms *RoomStore, clk clock.Clock, logger *log.Logger) *MessageStore {
	return &MessageStore{
		db:    db,
		rooms: rooms,
		clock: clk,
		log:   logger,
	}
}

// OnSent registers a hook. Hooks must be registered before the first Send.
func (s *MessageStore) OnSent(hook SentHook) {
	s.hooks = append(s.hooks, hook)
}

func (s *MessageStore) Send(ctx context.Context, params SendParams) (types.Message, error) {
	if err := validateSend(params); err != nil {
		return types.Message{}, err
	}

	room, err := s.rooms.Get(ctx, params.RoomId)
	if err != nil {
		return types.Message{}, err
	}
	if !room.HasParticipant(params.Sender.Id) {
		return types.Message{}, types.NewPermissionError("user %q is not a participant of room %q", params.Sender.Id, room.Id)
	}
	if !room.IsActive {
		return types.Message{}, types.NewPermissionError("room %q is not active", room.Id)
	}

	if params.ReplyTo != "" {
		parent, err := s.Get(ctx, params.ReplyTo)
		if err != nil {
			return types.Message{}, err
		}
		if parent.RoomId != room.Id {
			return types.Message{}, types.NewValidationError("reply target %q belongs to another room", params.ReplyTo)
		}
	}

	attachments := make([]types.Attachment, len(params.Attachments))
	for i, a := range params.Attachments {
		if a.Id == "" {
			a.Id = uuid.NewString()
		}
		attachments[i] = a
	}

	ts := s.nextTs()
	msg := types.Message{
		Id:          uuid.NewString(),
		RoomId:      room.Id,
		SenderId:    params.Sender.Id,
		SenderName:  params.Sender.Username,
		Text:        params.Text,
		Attachments: attachments,
		Status:      types.StatusSent,
		ReplyTo:     params.ReplyTo,
		CreatedAt:   time.UnixMicro(ts).UTC(),
		Ts:          ts,
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}

	if _, err := s.db.Create(ctx, messagesCollection, msg); err != nil {
		return types.Message{}, fmt.Errorf("send message: %w", err)
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range s.hooks {
		hook(hookCtx, msg, room)
	}

	return msg, nil
}

func (s *MessageStore) Get(ctx context.Context, messageId string) (types.Message, error) {
	msg, err := s.getRaw(ctx, messageId)
	if err != nil {
		return types.Message{}, err
	}
	return msg.Redacted(), nil
}

// List returns one page of a room's messages, newest first.
func (s *MessageStore) List(ctx context.Context, filter MessageFilter) ([]types.Message, error) {
	if filter.RoomId == "" {
		return nil, types.NewValidationError("room id is required")
	}
	if filter.Limit < 0 {
		return nil, types.NewValidationError("limit cannot be negative")
	}

	where := []database.Predicate{database.Where("room_id", database.OpEq, filter.RoomId)}
	if filter.Before > 0 {
		where = append(where, database.Where("ts", database.OpLt, filter.Before))
	}

	docs, err := s.db.Query(ctx, messagesCollection, database.Query{
		Where:   where,
		OrderBy: []database.Order{{Field: "ts", Desc: true}},
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]types.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UpdateStatus moves a message's delivery status forward. Requests that
// would move it backwards, or leave it unchanged, are no-ops.
func (s *MessageStore) UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error) {
	if !status.Valid() {
		return types.Message{}, types.NewValidationError("invalid message status %q", status)
	}

	unlock := s.locks.Lock(messageId)
	defer unlock()

	msg, err := s.getRaw(ctx, messageId)
	if err != nil {
		return types.Message{}, err
	}
	if !status.After(msg.Status) {
		return msg.Redacted(), nil
	}

	if err := s.db.Update(ctx, messagesCollection, messageId, database.Patch{"status": status}); err != nil {
		return types.Message{}, storeError(err, "message", messageId)
	}
	msg.Status = status
	return msg.Redacted(), nil
}

// SoftDelete hides a message's content while keeping its place in the room.
// Only the sender may delete a message.
func (s *MessageStore) SoftDelete(ctx context.Context, messageId, requesterId string) (types.Message, error) {
	unlock := s.locks.Lock(messageId)
	defer unlock()

	msg, err := s.getRaw(ctx, messageId)
	if err != nil {
		return types.Message{}, err
	}
	if msg.SenderId != requesterId {
		return types.Message{}, types.NewPermissionError("only the sender can delete message %q", messageId)
	}
	if msg.Deleted {
		return msg.Redacted(), nil
	}

	now := s.clock.Now().UTC()
	if err := s.db.Update(ctx, messagesCollection, messageId, database.Patch{
		"deleted":    true,
		"deleted_at": now,
	}); err != nil {
		return types.Message{}, storeError(err, "message", messageId)
	}

	msg.Deleted = true
	msg.DeletedAt = &now
	s.log.Printf("message %q in room %q deleted by sender", messageId, msg.RoomId)
	return msg.Redacted(), nil
}

func (s *MessageStore) getRaw(ctx context.Context, messageId string) (types.Message, error) {
	doc, err := s.db.Get(ctx, messagesCollection, messageId)
	if err != nil {
		return types.Message{}, storeError(err, "message", messageId)
	}

	var msg types.Message
	if err := doc.Decode(&msg); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

// nextTs returns a strictly increasing microsecond timestamp, so messages
// from this process never tie on Ts.
func (s *MessageStore) nextTs() int64 {
	s.tsLock.Lock()
	defer s.tsLock.Unlock()

	ts := s.clock.Now().UnixMicro()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}

func decodeMessage(doc database.Document) (types.Message, error) {
	var msg types.Message
	if err := doc.Decode(&msg); err != nil {
		return types.Message{}, err
	}
	return msg.Redacted(), nil
}

func validateSend(params SendParams) error {
	if params.RoomId == "" {
		return types.NewValidationError("room id is required")
	}
	if params.Sender.Id == "" {
		return types.NewValidationError("sender is required")
	}
	if strings.TrimSpace(params.Text) == "" && len(params.Attachments) == 0 {
		return types.NewValidationError("message needs text or an attachment")
	}
	if len([]rune(params.Text)) > MaxTextLength {
		return types.NewValidationError("message text exceeds %d characters", MaxTextLength)
	}
	if len(params.Attachments) > MaxAttachments {
		return types.NewValidationError("a message can carry at most %d attachments", MaxAttachments)
	}
	for _, a := range params.Attachments {
		if err := validateAttachment(a); err != nil {
			return err
		}
	}
	return nil
}

func validateAttachment(a types.Attachment) error {
	switch {
	case a.Url == "":
		return types.NewValidationError("attachment url is required")
	case a.Name == "":
		return types.NewValidationError("attachment name is required")
	case a.MimeType == "":
		return types.NewValidationError("attachment mime type is required")
	case a.Size < 0:
		return types.NewValidationError("attachment size cannot be negative")
	}
	return nil
}
