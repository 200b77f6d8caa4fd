package chat

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/npezzotti/donorchat/internal/types"
)

// MessageBatch is one delivery from a message subscription. Messages are in
// room order. A Reset batch replaces everything the subscriber holds;
// otherwise each message is an insert or an in-place update keyed by id.
type MessageBatch struct {
	RoomId   string          `json:"room_id"`
	Messages []types.Message `json:"messages"`
	Reset    bool            `json:"reset,omitempty"`
}

// Fanout turns document store change feeds into per-view subscriptions.
// Each subscription delivers on its own goroutine, one callback at a time,
// in commit order. Once Unsubscribe returns no new callback starts. A
// callback already running when Unsubscribe is called, including one that
// calls Unsubscribe itself, is allowed to finish.
//
// A subscription that cannot read the store after retrying reports the
// error to its onErr callback, if any, and reloads on the next change.
type Fanout struct {
	db            database.Store
	rooms         *RoomStore
	messages      *MessageStore
	typing        *TypingTracker
	notifications *Aggregator
	log           *log.Logger
	stats         stats.StatsProvider
	newBackOff    func() backoff.BackOff

	mu             sync.Mutex
	typingWatchers map[string]map[*subscription]func([]string)
}

func NewFanout(db database.Store, rooms *RoomStore, messages *MessageStore, typing *TypingTracker, notifications *Aggregator, logger *log.Logger, st stats.StatsProvider, newBackOff func() backoff.BackOff) *Fanout {
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	f := &Fanout{
		db:             db,
		rooms:          rooms,
		messages:       messages,
		typing:         typing,
		notifications:  notifications,
		log:            logger,
		stats:          st,
		newBackOff:     newBackOff,
		typingWatchers: make(map[string]map[*subscription]func([]string)),
	}
	typing.OnChange(f.typingChanged)
	return f
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

type subscription struct {
	queue  *database.Queue[func()]
	ctx    context.Context
	cancel context.CancelFunc
	onErr  func(error)

	// gate is held while a callback runs; inCallback is set for its duration.
	gate       sync.Mutex
	inCallback atomic.Bool

	mu      sync.Mutex
	done    bool
	unsubs  []database.Unsubscribe
	onClose func()
	once    sync.Once
}

func newSubscription(onErr func(error)) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		queue:  database.NewQueue[func()](),
		ctx:    ctx,
		cancel: cancel,
		onErr:  onErr,
	}
	go s.queue.Run(func(task func()) { task() })
	return s
}

func (s *subscription) push(task func()) {
	s.queue.Push(task)
}

func (s *subscription) closed() bool {
	return s.queue.Closed()
}

// deliver runs fn unless the subscription has been cancelled.
func (s *subscription) deliver(fn func()) {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.closed() {
		return
	}

	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
}

func (s *subscription) add(unsub database.Unsubscribe) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.queue.Close()
		s.cancel()

		s.mu.Lock()
		s.done = true
		unsubs := s.unsubs
		s.unsubs = nil
		onClose := s.onClose
		s.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		if onClose != nil {
			onClose()
		}
	})

	// wait out a callback that passed the gate before the queue closed,
	// unless one is running, which may be the caller
	if !s.inCallback.Load() {
		s.gate.Lock()
		s.gate.Unlock()
	}
}

// SubscribeRoomList delivers the user's room list now and again after every
// change to one of their rooms.
func (f *Fanout) SubscribeRoomList(ctx context.Context, userId string, filter RoomFilter, cb func([]types.Room), onErr func(error)) (database.Unsubscribe, error) {
	sub := newSubscription(onErr)

	refresh := f.coalesced(sub, "room list", func() error {
		rooms, err := f.rooms.ListForUser(sub.ctx, userId, filter)
		if err != nil {
			return err
		}
		sub.deliver(func() { cb(rooms) })
		return nil
	})

	where := []database.Predicate{database.Where("participant_ids", database.OpContains, userId)}
	if err := f.watch(ctx, sub, roomsCollection, where, func(database.Change) { refresh() }); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	refresh()
	return sub.Unsubscribe, nil
}

// SubscribeUnread delivers the user's unread state now and again after
// every change to one of their notifications.
func (f *Fanout) SubscribeUnread(ctx context.Context, userId string, cb func(Unread), onErr func(error)) (database.Unsubscribe, error) {
	sub := newSubscription(onErr)

	refresh := f.coalesced(sub, "unread", func() error {
		unread, err := f.notifications.Unread(sub.ctx, userId)
		if err != nil {
			return err
		}
		sub.deliver(func() { cb(unread) })
		return nil
	})

	where := []database.Predicate{database.Where("user_id", database.OpEq, userId)}
	if err := f.watch(ctx, sub, notificationsCollection, where, func(database.Change) { refresh() }); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	refresh()
	return sub.Unsubscribe, nil
}

// SubscribeMessages delivers the newest limit messages of a room as a Reset
// batch, then every later message and message update as it commits. Until
// a window has been delivered, every change triggers a fresh window read.
func (f *Fanout) SubscribeMessages(ctx context.Context, roomId string, limit int, cb func(MessageBatch), onErr func(error)) (database.Unsubscribe, error) {
	sub := newSubscription(onErr)

	// primed is only touched on the subscription goroutine
	primed := false

	load := func() {
		var window []types.Message
		err := f.retry(sub.ctx, "message window", func() (err error) {
			window, err = f.messages.List(sub.ctx, MessageFilter{RoomId: roomId, Limit: limit})
			return err
		})
		if err != nil {
			f.subscriptionFailed(sub, "message window", err)
			return
		}

		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
		primed = true
		sub.deliver(func() { cb(MessageBatch{RoomId: roomId, Messages: window, Reset: true}) })
	}

	onChange := func(ch database.Change) {
		sub.push(func() {
			if ch.Kind == database.ChangeResync {
				load()
				return
			}
			if !primed {
				// the window read failed; the new one includes this change
				load()
				return
			}
			msg, err := decodeMessage(ch.Doc)
			if err != nil {
				f.log.Printf("message subscription for room %q: %v", roomId, err)
				return
			}
			sub.deliver(func() { cb(MessageBatch{RoomId: roomId, Messages: []types.Message{msg}}) })
		})
	}

	where := []database.Predicate{database.Where("room_id", database.OpEq, roomId)}
	if err := f.watch(ctx, sub, messagesCollection, where, onChange); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	sub.push(load)
	return sub.Unsubscribe, nil
}

// SubscribeRoom delivers one room, with participants' typing flags filled
// in, now and again after every room or typing change.
func (f *Fanout) SubscribeRoom(ctx context.Context, roomId string, cb func(types.Room), onErr func(error)) (database.Unsubscribe, error) {
	sub := newSubscription(onErr)

	// current and typing are only touched on the subscription goroutine
	var (
		current *types.Room
		typing  []string
	)

	emit := func() {
		room := withTyping(*current, typing)
		sub.deliver(func() { cb(room) })
	}

	load := func() {
		var room types.Room
		err := f.retry(sub.ctx, "room", func() (err error) {
			room, err = f.rooms.Get(sub.ctx, roomId)
			return err
		})
		if err != nil {
			f.subscriptionFailed(sub, "room", err)
			return
		}
		current = &room
		typing = f.typing.Typing(roomId)
		emit()
	}

	onChange := func(ch database.Change) {
		sub.push(func() {
			if ch.Kind == database.ChangeResync {
				load()
				return
			}
			var room types.Room
			if err := ch.Doc.Decode(&room); err != nil {
				f.log.Printf("room subscription for %q: %v", roomId, err)
				return
			}
			current = &room
			emit()
		})
	}

	f.addTypingWatcher(roomId, sub, func(users []string) {
		sub.push(func() {
			typing = users
			if current != nil {
				emit()
			}
		})
	})

	where := []database.Predicate{database.Where("id", database.OpEq, roomId)}
	if err := f.watch(ctx, sub, roomsCollection, where, onChange); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	sub.push(load)
	return sub.Unsubscribe, nil
}

// watch registers a store subscription for sub, retrying transient
// failures with backoff.
func (f *Fanout) watch(ctx context.Context, sub *subscription, collection string, where []database.Predicate, fn func(database.Change)) error {
	return f.retry(ctx, "subscribe "+collection, func() error {
		unsub, err := f.db.Subscribe(ctx, collection, where, fn)
		if err != nil {
			return err
		}
		sub.add(unsub)
		return nil
	})
}

func (f *Fanout) retry(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !types.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(f.newBackOff(), ctx), func(err error, next time.Duration) {
		f.log.Printf("%s failed, retrying in %s: %v", what, next, err)
		f.stats.Incr(MetricSubscriptionRetries)
	})
}

// coalesced returns a trigger that schedules fn on sub's goroutine unless a
// run is already pending.
func (f *Fanout) coalesced(sub *subscription, what string, fn func() error) func() {
	var pending atomic.Bool

	run := func() {
		pending.Store(false)
		if err := f.retry(sub.ctx, what, fn); err != nil {
			f.subscriptionFailed(sub, what, err)
		}
	}

	return func() {
		if pending.CompareAndSwap(false, true) {
			sub.push(run)
		}
	}
}

func (f *Fanout) subscriptionFailed(sub *subscription, what string, err error) {
	if sub.ctx.Err() != nil {
		return
	}
	f.log.Printf("%s subscription gave up until the next change: %v", what, err)
	if sub.onErr != nil {
		sub.deliver(func() { sub.onErr(err) })
	}
}

func (f *Fanout) addTypingWatcher(roomId string, sub *subscription, fn func([]string)) {
	f.mu.Lock()
	watchers, ok := f.typingWatchers[roomId]
	if !ok {
		watchers = make(map[*subscription]func([]string))
		f.typingWatchers[roomId] = watchers
	}
	watchers[sub] = fn
	f.mu.Unlock()

	sub.mu.Lock()
	sub.onClose = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.typingWatchers[roomId], sub)
		if len(f.typingWatchers[roomId]) == 0 {
			delete(f.typingWatchers, roomId)
		}
	}
	sub.mu.Unlock()
}

func (f *Fanout) typingChanged(roomId string, typing []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.typingWatchers[roomId] {
		fn(typing)
	}
}

func withTyping(room types.Room, typing []string) types.Room {
	participants := make([]types.Participant, len(room.Participants))
	for i, p := range room.Participants {
		p.IsTyping = false
		for _, id := range typing {
			if id == p.UserId {
				p.IsTyping = true
				break
			}
		}
		participants[i] = p
	}
	room.Participants = participants
	return room
}
