package database

import (
	"encoding/json"
	"testing"

	"github.com/npezzotti/donorchat/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_buildSelect(t *testing.T) {
	tcases := []struct {
		name  string
		q     Query
		query string
		args  []any
		err   bool
	}{
		{
			name:  "no predicates",
			q:     Query{},
			query: "SELECT id, seq, doc || jsonb_build_object('seq', seq) FROM documents WHERE collection = $1 ORDER BY seq",
			args:  []any{"messages"},
		},
		{
			name: "page of messages before a timestamp",
			q: Query{
				Where:   []Predicate{Where("room_id", OpEq, "r1"), Where("ts", OpLt, int64(1700))},
				OrderBy: []Order{{Field: "ts", Desc: true}},
				Limit:   25,
			},
			query: "SELECT id, seq, doc || jsonb_build_object('seq', seq) FROM documents WHERE collection = $1" +
				" AND doc -> $2::text = $3::jsonb AND doc -> $4::text < $5::jsonb" +
				" ORDER BY doc -> 'ts' DESC, seq DESC LIMIT $6",
			args: []any{"messages", "room_id", `"r1"`, "ts", "1700", 25},
		},
		{
			name: "array contains",
			q: Query{
				Where:   []Predicate{Where("participant_ids", OpContains, "u1")},
				OrderBy: []Order{{Field: "activity_ts", Desc: true}},
			},
			query: "SELECT id, seq, doc || jsonb_build_object('seq', seq) FROM documents WHERE collection = $1" +
				" AND doc -> $2::text @> $3::jsonb ORDER BY doc -> 'activity_ts' DESC, seq DESC",
			args: []any{"messages", "participant_ids", `["u1"]`},
		},
		{
			name: "unsupported operator",
			q:    Query{Where: []Predicate{{Field: "x", Op: "like", Value: "y"}}},
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			query, args, err := buildSelect("messages", tc.q)
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.query, query)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 4, "expected up and down files for each migration")
}

func TestPostgresDispatch(t *testing.T) {
	doc := func(data string) Document {
		return Document{Id: "m1", Data: json.RawMessage(data)}
	}

	tcases := []struct {
		name    string
		payload changePayload
		doc     Document
		// kinds received by the subscriptions on rooms r1 and r2
		r1 []ChangeKind
		r2 []ChangeKind
	}{
		{
			name:    "insert matches the new document",
			payload: changePayload{Op: "INSERT"},
			doc:     doc(`{"room_id":"r1"}`),
			r1:      []ChangeKind{ChangeCreated},
		},
		{
			name:    "update matches the previous document",
			payload: changePayload{Op: "UPDATE", Prev: json.RawMessage(`{"room_id":"r2"}`)},
			doc:     doc(`{"room_id":"r1"}`),
			r1:      []ChangeKind{ChangeUpdated},
			r2:      []ChangeKind{ChangeUpdated},
		},
		{
			name:    "no match",
			payload: changePayload{Op: "UPDATE", Prev: json.RawMessage(`{"room_id":"r3"}`)},
			doc:     doc(`{"room_id":"r3"}`),
		},
		{
			name:    "malformed previous document",
			payload: changePayload{Op: "UPDATE", Prev: json.RawMessage(`{"room_id":`)},
			doc:     doc(`{"room_id":"r1"}`),
			r1:      []ChangeKind{ChangeResync},
			r2:      []ChangeKind{ChangeResync},
		},
		{
			name:    "malformed document",
			payload: changePayload{Op: "INSERT"},
			doc:     doc(`[1,`),
			r1:      []ChangeKind{ChangeResync},
			r2:      []ChangeKind{ChangeResync},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			s := &PostgresStore{
				log:  testutil.TestLogger(t),
				subs: make(map[*pgSubscription]struct{}),
			}

			received := make(map[string]chan Change)
			var subs []*pgSubscription
			for _, roomId := range []string{"r1", "r2"} {
				sub := &pgSubscription{
					collection: "messages",
					where:      []Predicate{Where("room_id", OpEq, roomId)},
					queue:      NewQueue[Change](),
				}
				ch := make(chan Change, 8)
				go sub.queue.Run(func(c Change) { ch <- c })
				t.Cleanup(sub.queue.Close)

				s.subs[sub] = struct{}{}
				subs = append(subs, sub)
				received[roomId] = ch
			}

			tc.payload.Collection = "messages"
			tc.payload.Id = "m1"
			s.dispatch(tc.payload, subs, tc.doc)

			// an end marker behind the dispatched changes
			for _, sub := range subs {
				sub.queue.Push(Change{Doc: Document{Id: "end"}})
			}

			for roomId, want := range map[string][]ChangeKind{"r1": tc.r1, "r2": tc.r2} {
				var got []ChangeKind
				for c := range received[roomId] {
					if c.Doc.Id == "end" {
						break
					}
					got = append(got, c.Kind)
				}
				assert.Equal(t, want, got, "changes for %s", roomId)
			}
		})
	}
}
