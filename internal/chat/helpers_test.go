package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/donorchat/internal/clock"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/npezzotti/donorchat/internal/testutil"
	"github.com/npezzotti/donorchat/internal/types"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: "u-alice", Username: "alice"}
	bob   = types.User{Id: "u-bob", Username: "bob"}
	carol = types.User{Id: "u-carol", Username: "carol"}
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	clock *clock.FakeClock
	store database.Store
	stats *stats.MockStatsUpdater
}

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
}

func newTestEngine(t *testing.T, store database.Store) *testEngine {
	t.Helper()
	if store == nil {
		store = database.NewMemoryStore()
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.Fake(epoch)
	st := stats.NewMockStatsUpdater()
	e := NewEngine(store, nil, testutil.TestLogger(t), st, Options{
		Clock:         clk,
		TypingTimeout: 3 * time.Second,
		PageSize:      5,
		BackOff:       fastBackOff,
	})
	return &testEngine{Engine: e, clock: clk, store: store, stats: st}
}

func (e *testEngine) room(t *testing.T, typ types.RoomType, users ...types.User) types.Room {
	t.Helper()
	participants := make([]types.Participant, 0, len(users)-1)
	for _, u := range users[1:] {
		participants = append(participants, types.Participant{UserId: u.Id, Username: u.Username})
	}
	room, err := e.CreateRoom(context.Background(), users[0], CreateRoomParams{Type: typ, Participants: participants})
	require.NoError(t, err)
	return room
}

func (e *testEngine) send(t *testing.T, from types.User, roomId, text string) types.Message {
	t.Helper()
	msg, err := e.SendMessage(context.Background(), from, roomId, text, nil, "")
	require.NoError(t, err)
	return msg
}

// failingStore fails Create for one collection and passes everything else
// through.
type failingStore struct {
	*database.MemoryStore
	collection string
	err        error
}

func (s *failingStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	if collection == s.collection {
		return "", s.err
	}
	return s.MemoryStore.Create(ctx, collection, doc)
}

// flakyStore fails the first n subscriptions with a transient error.
type flakyStore struct {
	*database.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) Subscribe(ctx context.Context, collection string, where []database.Predicate, fn func(database.Change)) (database.Unsubscribe, error) {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()

	if fail {
		return nil, types.NewTransientStoreError("subscribe "+collection, context.DeadlineExceeded)
	}
	return s.MemoryStore.Subscribe(ctx, collection, where, fn)
}

// downStore fails every query on one collection while down is set.
type downStore struct {
	*database.MemoryStore
	collection string
	down       atomic.Bool
}

func (s *downStore) Query(ctx context.Context, collection string, q database.Query) ([]database.Document, error) {
	if collection == s.collection && s.down.Load() {
		return nil, types.NewTransientStoreError("query "+collection, context.DeadlineExceeded)
	}
	return s.MemoryStore.Query(ctx, collection, q)
}

// recorder collects callback values from a subscription.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.values) == 0 {
		return zero, false
	}
	return r.values[len(r.values)-1], true
}

func texts(msgs []types.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Text
	}
	return strings.Join(parts, ",")
}
