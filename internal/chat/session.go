package chat

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
)

var ErrSessionClosed = errors.New("session closed")

type EventKind string

const (
	EventRooms    EventKind = "rooms"
	EventRoom     EventKind = "room"
	EventMessages EventKind = "messages"
	EventTyping   EventKind = "typing"
	EventUnread   EventKind = "unread"
	EventError    EventKind = "error"
)

// Event describes one change to a session's state.
type Event struct {
	Kind   EventKind
	RoomId string
	Rooms  []types.Room
	// Room is nil on an EventRoom when the open room was closed under the
	// user, e.g. after they were removed from it.
	Room     *types.Room
	Messages []types.Message
	// Reset replaces the message list. Older marks a page loaded by
	// LoadMoreMessages, to be placed ahead of what is already shown.
	Reset bool
	Older bool
	// Removed lists optimistic message ids that are no longer shown.
	Removed []string
	Typing  []string
	Unread  *Unread
	// Err is set on an EventError: a feed stopped updating until the store
	// recovers. RoomId is empty for the room list and unread feeds.
	Err error
}

// State is what a user currently sees.
type State struct {
	CurrentRoom   *types.Room
	Rooms         []types.Room
	Messages      []types.Message
	TypingUsers   []string
	UnreadCount   int
	Notifications []types.Notification
	HasMore       bool
}

// Session is one connected user's view of the engine: their room list,
// the room they have open and its messages, and their unread state. emit is
// called with the session lock held; it must not block or call back into
// the session.
type Session struct {
	engine *Engine
	user   types.User
	emit   func(Event)
	log    *log.Logger

	mu           sync.Mutex
	state        State
	gen          uint64
	roomUnsubs   []database.Unsubscribe
	globalUnsubs []database.Unsubscribe
	closed       bool
}

func (e *Engine) NewSession(ctx context.Context, user types.User, emit func(Event)) (*Session, error) {
	if user.Id == "" {
		return nil, types.NewValidationError("user id is required")
	}
	if emit == nil {
		emit = func(Event) {}
	}

	s := &Session{
		engine: e,
		user:   user,
		emit:   emit,
		log:    e.log,
	}

	e.Presence.Connect(user.Id)
	e.stats.Incr(MetricActiveSessions)

	unsubRooms, err := e.Feeds.SubscribeRoomList(ctx, user.Id, RoomFilter{}, s.onRooms, s.onFeedError)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.addGlobal(unsubRooms)

	unsubUnread, err := e.Feeds.SubscribeUnread(ctx, user.Id, s.onUnread, s.onFeedError)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.addGlobal(unsubUnread)

	return s, nil
}

func (s *Session) User() types.User {
	return s.user
}

// State returns a copy of the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.CurrentRoom != nil {
		room := *st.CurrentRoom
		st.CurrentRoom = &room
	}
	st.Rooms = slices.Clone(st.Rooms)
	st.Messages = slices.Clone(st.Messages)
	st.TypingUsers = slices.Clone(st.TypingUsers)
	st.Notifications = slices.Clone(st.Notifications)
	return st
}

// OpenRoom makes roomId the open room, replacing any previous one, and marks
// it read.
func (s *Session) OpenRoom(ctx context.Context, roomId string) (types.Room, error) {
	room, err := s.engine.GetRoom(ctx, s.user, roomId)
	if err != nil {
		return types.Room{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Room{}, ErrSessionClosed
	}
	previous := s.closeRoomLocked()
	gen := s.gen
	s.state.CurrentRoom = &room
	s.engine.Presence.View(room.Id, s.user.Id)
	s.mu.Unlock()

	for _, unsub := range previous {
		unsub()
	}

	onErr := func(err error) { s.onRoomError(gen, room.Id, err) }
	unsubRoom, err := s.engine.Feeds.SubscribeRoom(ctx, room.Id, func(r types.Room) { s.onRoom(gen, r) }, onErr)
	if err != nil {
		s.abandonRoom(gen)
		return types.Room{}, err
	}
	unsubMsgs, err := s.engine.Feeds.SubscribeMessages(ctx, room.Id, s.engine.pageSize, func(b MessageBatch) { s.onMessages(gen, b) }, onErr)
	if err != nil {
		unsubRoom()
		s.abandonRoom(gen)
		return types.Room{}, err
	}

	s.mu.Lock()
	if s.gen != gen {
		// another room was opened meanwhile
		s.mu.Unlock()
		unsubRoom()
		unsubMsgs()
		return room, nil
	}
	s.roomUnsubs = []database.Unsubscribe{unsubRoom, unsubMsgs}
	s.mu.Unlock()

	if _, err := s.engine.MarkRead(ctx, s.user, room.Id); err != nil {
		s.log.Printf("error marking room %q read for %q: %v", room.Id, s.user.Id, err)
	}
	return room, nil
}

// CloseRoom closes the open room, if any.
func (s *Session) CloseRoom() {
	s.mu.Lock()
	unsubs := s.closeRoomLocked()
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// SendText sends a text message. When roomId is the open room the message
// is shown right away as pending and withdrawn if the send fails.
func (s *Session) SendText(ctx context.Context, roomId, text, replyTo string) (types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return types.Message{}, types.NewValidationError("message text is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Message{}, ErrSessionClosed
	}
	var (
		gen     = s.gen
		pending *types.Message
	)
	if s.state.CurrentRoom != nil && s.state.CurrentRoom.Id == roomId {
		now := s.engine.clock.Now().UTC()
		pending = &types.Message{
			Id:         "local-" + uuid.NewString(),
			RoomId:     roomId,
			SenderId:   s.user.Id,
			SenderName: s.user.Username,
			Text:       text,
			Status:     types.StatusSent,
			ReplyTo:    replyTo,
			CreatedAt:  now,
			Ts:         now.UnixMicro(),
			Pending:    true,
		}
		s.state.Messages = append(s.state.Messages, *pending)
		s.emit(Event{Kind: EventMessages, RoomId: roomId, Messages: []types.Message{*pending}})
	}
	s.mu.Unlock()

	msg, err := s.engine.SendMessage(ctx, s.user, roomId, text, nil, replyTo)

	if pending != nil {
		s.mu.Lock()
		if s.gen == gen && !s.closed {
			s.state.Messages = removeMessage(s.state.Messages, pending.Id)
			ev := Event{Kind: EventMessages, RoomId: roomId, Removed: []string{pending.Id}}
			// the subscription may already have delivered a newer copy
			if err == nil && indexOfMessage(s.state.Messages, msg.Id) < 0 {
				s.state.Messages = mergeMessage(s.state.Messages, msg)
				ev.Messages = []types.Message{msg}
			}
			s.emit(ev)
		}
		s.mu.Unlock()
	}

	return msg, err
}

func (s *Session) SendFile(ctx context.Context, roomId string, file FileUpload, caption string) (types.Message, error) {
	if s.isClosed() {
		return types.Message{}, ErrSessionClosed
	}
	return s.engine.SendFile(ctx, s.user, roomId, file, caption)
}

func (s *Session) DeleteMessage(ctx context.Context, messageId string) (types.Message, error) {
	if s.isClosed() {
		return types.Message{}, ErrSessionClosed
	}
	return s.engine.DeleteMessage(ctx, s.user, messageId)
}

// LoadMoreMessages loads the page of messages before the oldest one shown
// and returns how many were added.
func (s *Session) LoadMoreMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if s.state.CurrentRoom == nil {
		s.mu.Unlock()
		return 0, types.NewValidationError("no room is open")
	}
	roomId := s.state.CurrentRoom.Id
	gen := s.gen
	var before int64
	for _, m := range s.state.Messages {
		if !m.Pending {
			before = m.Ts
			break
		}
	}
	s.mu.Unlock()

	page, err := s.engine.ListMessages(ctx, s.user, roomId, before, s.engine.pageSize)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.closed {
		return 0, nil
	}

	older := make([]types.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if indexOfMessage(s.state.Messages, page[i].Id) < 0 {
			older = append(older, page[i])
		}
	}
	s.state.Messages = append(older, s.state.Messages...)
	s.state.HasMore = len(page) == s.engine.pageSize
	s.emit(Event{Kind: EventMessages, RoomId: roomId, Messages: older, Older: true})
	return len(older), nil
}

// SetTyping signals typing in roomId. For the open room membership was
// checked on open.
func (s *Session) SetTyping(ctx context.Context, roomId string, isTyping bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	open := s.state.CurrentRoom != nil && s.state.CurrentRoom.Id == roomId
	s.mu.Unlock()

	if open {
		s.engine.Typing.SetTyping(roomId, s.user.Id, isTyping)
		return nil
	}
	return s.engine.SetTyping(ctx, s.user, roomId, isTyping)
}

func (s *Session) MarkRead(ctx context.Context, roomId string) (int, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	return s.engine.MarkRead(ctx, s.user, roomId)
}

func (s *Session) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if s.isClosed() {
		return types.Room{}, ErrSessionClosed
	}
	return s.engine.CreateRoom(ctx, s.user, params)
}

func (s *Session) OpenDirectRoom(ctx context.Context, other types.User, donationRef string) (types.Room, error) {
	if s.isClosed() {
		return types.Room{}, ErrSessionClosed
	}
	room, _, err := s.engine.OpenDirectRoom(ctx, s.user, other, donationRef)
	if err != nil {
		return types.Room{}, err
	}
	return s.OpenRoom(ctx, room.Id)
}

// LeaveRoom removes the user from roomId, closing it first if it is open.
func (s *Session) LeaveRoom(ctx context.Context, roomId string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var unsubs []database.Unsubscribe
	if s.state.CurrentRoom != nil && s.state.CurrentRoom.Id == roomId {
		unsubs = s.closeRoomLocked()
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	_, err := s.engine.LeaveRoom(ctx, s.user, roomId)
	return err
}

// Close cancels every subscription and takes the user offline for this
// session. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := append(s.closeRoomLocked(), s.globalUnsubs...)
	s.globalUnsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.engine.Presence.Disconnect(s.user.Id)
	s.engine.stats.Decr(MetricActiveSessions)
}

func (s *Session) addGlobal(unsub database.Unsubscribe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalUnsubs = append(s.globalUnsubs, unsub)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// closeRoomLocked clears the open room and invalidates its callbacks. The
// caller runs the returned unsubscribes.
func (s *Session) closeRoomLocked() []database.Unsubscribe {
	s.gen++
	unsubs := s.roomUnsubs
	s.roomUnsubs = nil

	if room := s.state.CurrentRoom; room != nil {
		s.engine.Presence.Unview(room.Id, s.user.Id)
		s.engine.Typing.Clear(room.Id, s.user.Id)
	}
	s.state.CurrentRoom = nil
	s.state.Messages = nil
	s.state.TypingUsers = nil
	s.state.HasMore = false
	return unsubs
}

func (s *Session) abandonRoom(gen uint64) {
	s.mu.Lock()
	var unsubs []database.Unsubscribe
	if s.gen == gen {
		unsubs = s.closeRoomLocked()
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (s *Session) onRooms(rooms []types.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state.Rooms = rooms
	s.emit(Event{Kind: EventRooms, Rooms: slices.Clone(rooms)})
}

func (s *Session) onUnread(u Unread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state.UnreadCount = u.Total
	s.state.Notifications = u.Notifications
	s.emit(Event{Kind: EventUnread, Unread: &u})
}

func (s *Session) onFeedError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) onRoomError(gen uint64, roomId string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return
	}
	s.emit(Event{Kind: EventError, RoomId: roomId, Err: err})
}

func (s *Session) onRoom(gen uint64, room types.Room) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}

	if !room.HasParticipant(s.user.Id) {
		unsubs := s.closeRoomLocked()
		s.emit(Event{Kind: EventRoom, RoomId: room.Id})
		s.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	defer s.mu.Unlock()

	s.state.CurrentRoom = &room
	s.emit(Event{Kind: EventRoom, RoomId: room.Id, Room: &room})

	typing := make([]string, 0)
	for _, p := range room.Participants {
		if p.IsTyping && p.UserId != s.user.Id {
			typing = append(typing, p.UserId)
		}
	}
	if !slices.Equal(typing, s.state.TypingUsers) {
		s.state.TypingUsers = typing
		s.emit(Event{Kind: EventTyping, RoomId: room.Id, Typing: slices.Clone(typing)})
	}
}

func (s *Session) onMessages(gen uint64, batch MessageBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return
	}

	if batch.Reset {
		msgs := slices.Clone(batch.Messages)
		for _, m := range s.state.Messages {
			if m.Pending {
				msgs = append(msgs, m)
			}
		}
		s.state.Messages = msgs
		s.state.HasMore = len(batch.Messages) >= s.engine.pageSize
		s.emit(Event{Kind: EventMessages, RoomId: batch.RoomId, Messages: slices.Clone(batch.Messages), Reset: true})
		return
	}

	applied := make([]types.Message, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		// updates to messages above the loaded page belong to LoadMoreMessages
		if indexOfMessage(s.state.Messages, m.Id) < 0 && olderThanShown(s.state.Messages, m) {
			continue
		}
		s.state.Messages = mergeMessage(s.state.Messages, m)
		applied = append(applied, m)
	}
	if len(applied) > 0 {
		s.emit(Event{Kind: EventMessages, RoomId: batch.RoomId, Messages: applied})
	}
}

func olderThanShown(msgs []types.Message, msg types.Message) bool {
	for _, m := range msgs {
		if !m.Pending {
			return msg.Before(m)
		}
	}
	return false
}

// mergeMessage inserts msg in room order, or replaces the copy with the same
// id. Pending messages always stay last.
func mergeMessage(msgs []types.Message, msg types.Message) []types.Message {
	if i := indexOfMessage(msgs, msg.Id); i >= 0 {
		msgs[i] = msg
		return msgs
	}

	i := len(msgs)
	for j, m := range msgs {
		if m.Pending || msg.Before(m) {
			i = j
			break
		}
	}
	return slices.Insert(msgs, i, msg)
}

func removeMessage(msgs []types.Message, id string) []types.Message {
	if i := indexOfMessage(msgs, id); i >= 0 {
		return slices.Delete(msgs, i, i+1)
	}
	return msgs
}

func indexOfMessage(msgs []types.Message, id string) int {
	return slices.IndexFunc(msgs, func(m types.Message) bool { return m.Id == id })
}
