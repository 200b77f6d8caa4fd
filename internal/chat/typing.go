package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/donorchat/internal/clock"
)

const DefaultTypingTimeout = 3 * time.Second

type typingKey struct {
	roomId string
	userId string
}

type typingEntry struct {
	gen   uint64
	timer clock.Timer
}

// TypingListener receives the full set of typing users in a room after
// every change. It is called with the tracker's lock held and must not block
// or call back into the tracker.
type TypingListener func(roomId string, typing []string)

// TypingTracker holds ephemeral typing state. A user who stops signalling
// for the timeout is reported idle exactly once.
type TypingTracker struct {
	clock   clock.Clock
	timeout time.Duration

	mu        sync.Mutex
	gen       uint64
	entries   map[typingKey]*typingEntry
	listeners []TypingListener
}

func NewTypingTracker(clk clock.Clock, timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		clock:   clk,
		timeout: timeout,
		entries: make(map[typingKey]*typingEntry),
	}
}

func (t *TypingTracker) OnChange(l TypingListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// SetTyping records a typing signal. Repeated true signals only push the
// idle deadline back; listeners hear about the transition, not each call.
func (t *TypingTracker) SetTyping(roomId, userId string, isTyping bool) {
	key := typingKey{roomId: roomId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.entries[key]
	if !isTyping {
		if !exists {
			return
		}
		entry.timer.Stop()
		delete(t.entries, key)
		t.notifyLocked(roomId)
		return
	}

	if exists {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		t.entries[key] = entry
	}

	t.gen++
	gen := t.gen
	entry.gen = gen
	entry.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(key, gen) })

	if !exists {
		t.notifyLocked(roomId)
	}
}

// Clear marks the user idle, e.g. once their message is sent.
func (t *TypingTracker) Clear(roomId, userId string) {
	t.SetTyping(roomId, userId, false)
}

// Typing returns the sorted ids of users typing in roomId.
func (t *TypingTracker) Typing(roomId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(roomId)
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || entry.gen != gen {
		// superseded by a later signal
		return
	}
	delete(t.entries, key)
	t.notifyLocked(key.roomId)
}

func (t *TypingTracker) typingLocked(roomId string) []string {
	users := make([]string, 0)
	for key := range t.entries {
		if key.roomId == roomId {
			users = append(users, key.userId)
		}
	}
	sort.Strings(users)
	return users
}

func (t *TypingTracker) notifyLocked(roomId string) {
	if len(t.listeners) == 0 {
		return
	}
	typing := t.typingLocked(roomId)
	for _, l := range t.listeners {
		l(roomId, typing)
	}
}
