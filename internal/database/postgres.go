package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	changeChannel        = "document_changes"
	listenerPingInterval = 90 * time.Second
	notifyFetchTimeout   = 5 * time.Second
)

type pgSubscription struct {
	collection string
	where      []Predicate
	queue      *Queue[Change]
}

type changePayload struct {
	Collection string          `json:"collection"`
	Id         string          `json:"id"`
	Op         string          `json:"op"`
	Prev       json.RawMessage `json:"prev"`
	Truncated  bool            `json:"truncated"`
}

// PostgresStore keeps documents as JSONB rows and feeds subscriptions from
// LISTEN/NOTIFY, so writers in other processes are observed too.
type PostgresStore struct {
	conn     *sql.DB
	log      *log.Logger
	listener *pq.Listener
	subsLock sync.RWMutex
	subs     map[*pgSubscription]struct{}
	done     chan struct{}
}

func NewPostgresStore(dsn string, logger *log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &PostgresStore{
		conn: db,
		log:  logger,
		subs: make(map[*pgSubscription]struct{}),
		done: make(chan struct{}),
	}

	s.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, s.listenerEvent)
	if err := s.listener.Listen(changeChannel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", changeChannel, err)
	}

	go s.listen()

	return s, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	// the migrate instance is not closed: closing it would close db
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	obj, err := toObject(doc)
	if err != nil {
		return "", err
	}

	id, _ := obj["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	obj["id"] = id
	delete(obj, "seq")

	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	var seq int64
	err = s.conn.QueryRowContext(ctx,
		"INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3::jsonb) RETURNING seq",
		collection,
		id,
		string(raw),
	).Scan(&seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", fmt.Errorf("%w: %s/%s", ErrAlreadyExists, collection, id)
		}
		return "", fmt.Errorf("insert document: %w", err)
	}

	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT id, seq, doc || jsonb_build_object('seq', seq) FROM documents "+
			"WHERE collection = $1 AND id = $2 LIMIT 1",
		collection,
		id,
	)

	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.Id, &doc.Seq, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.Data = raw

	return doc, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	if err := validatePatch(patch); err != nil {
		return err
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}

	res, err := s.conn.ExecContext(ctx,
		"UPDATE documents SET doc = doc || $3::jsonb, updated_at = now() "+
			"WHERE collection = $1 AND id = $2",
		collection,
		id,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	query, args, err := buildSelect(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			doc Document
			raw []byte
		)
		if err := rows.Scan(&doc.Id, &doc.Seq, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		doc.Data = raw
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return docs, nil
}

// buildSelect translates a Query into SQL over the JSONB column. jsonb
// comparison orders numbers numerically, so ordering and range predicates
// work without per-field casts.
func buildSelect(collection string, q Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}

	b.WriteString("SELECT id, seq, doc || jsonb_build_object('seq', seq) FROM documents WHERE collection = $1")

	for _, p := range q.Where {
		var op string
		value := p.Value
		switch p.Op {
		case OpEq:
			op = "="
		case OpLt:
			op = "<"
		case OpGt:
			op = ">"
		case OpContains:
			op = "@>"
			value = []any{p.Value}
		default:
			return "", nil, fmt.Errorf("predicate %q: unsupported operator %q", p.Field, p.Op)
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return "", nil, fmt.Errorf("predicate %q: %w", p.Field, err)
		}

		args = append(args, p.Field, string(raw))
		fmt.Fprintf(&b, " AND doc -> $%d::text %s $%d::jsonb", len(args)-1, op, len(args))
	}

	b.WriteString(" ORDER BY ")
	desc := false
	for i, o := range q.OrderBy {
		if i == 0 {
			desc = o.Desc
		}
		fmt.Fprintf(&b, "doc -> %s", pq.QuoteLiteral(o.Field))
		if o.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString("seq")
	if desc {
		b.WriteString(" DESC")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return b.String(), args, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, collection string, where []Predicate, fn func(Change)) (Unsubscribe, error) {
	normalized, err := normalizePredicates(where)
	if err != nil {
		return nil, err
	}

	// the listener must be connected, otherwise the first changes are lost
	if err := s.listener.Ping(); err != nil {
		return nil, fmt.Errorf("listener ping: %w", err)
	}

	sub := &pgSubscription{
		collection: collection,
		where:      normalized,
		queue:      NewQueue[Change](),
	}

	s.subsLock.Lock()
	s.subs[sub] = struct{}{}
	s.subsLock.Unlock()

	go sub.queue.Run(fn)

	return func() {
		s.subsLock.Lock()
		delete(s.subs, sub)
		s.subsLock.Unlock()
		sub.queue.Close()
	}, nil
}

func (s *PostgresStore) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.log.Println("document listener disconnected:", err)
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Println("document listener reconnect failed:", err)
	case pq.ListenerEventReconnected:
		s.log.Println("document listener reconnected")
	}
}

func (s *PostgresStore) listen() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected: notifications sent while down are gone
				s.broadcastResync("")
				continue
			}
			s.handleNotification(n.Extra)
		case <-time.After(listenerPingInterval):
			go s.listener.Ping()
		}
	}
}

func (s *PostgresStore) handleNotification(extra string) {
	var payload changePayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		s.log.Println("invalid change payload:", err)
		return
	}

	subs := s.subscriptionsFor(payload.Collection)
	if len(subs) == 0 {
		return
	}

	if payload.Truncated {
		s.broadcastResync(payload.Collection)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyFetchTimeout)
	defer cancel()

	doc, err := s.Get(ctx, payload.Collection, payload.Id)
	if err != nil {
		s.log.Printf("fetch changed document %s/%s: %v", payload.Collection, payload.Id, err)
		s.broadcastResync(payload.Collection)
		return
	}

	s.dispatch(payload, subs, doc)
}

// dispatch pushes the change to every subscription whose filter matched the
// document before or after it. When either side cannot be decoded, matching
// is impossible and the collection's subscriptions resync instead.
func (s *PostgresStore) dispatch(payload changePayload, subs []*pgSubscription, doc Document) {
	var next, prev map[string]any
	if err := json.Unmarshal(doc.Data, &next); err != nil {
		s.log.Printf("decode changed document %s/%s: %v", payload.Collection, payload.Id, err)
		s.broadcastResync(payload.Collection)
		return
	}
	if len(payload.Prev) > 0 {
		if err := json.Unmarshal(payload.Prev, &prev); err != nil {
			s.log.Printf("decode previous document %s/%s: %v", payload.Collection, payload.Id, err)
			s.broadcastResync(payload.Collection)
			return
		}
	}

	kind := ChangeUpdated
	if payload.Op == "INSERT" {
		kind = ChangeCreated
	}

	for _, sub := range subs {
		if matchAll(prev, sub.where) || matchAll(next, sub.where) {
			sub.queue.Push(Change{Kind: kind, Doc: doc})
		}
	}
}

func (s *PostgresStore) subscriptionsFor(collection string) []*pgSubscription {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	var subs []*pgSubscription
	for sub := range s.subs {
		if sub.collection == collection {
			subs = append(subs, sub)
		}
	}
	return subs
}

// broadcastResync signals every subscription on collection, or on all
// collections when collection is empty.
func (s *PostgresStore) broadcastResync(collection string) {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	for sub := range s.subs {
		if collection == "" || sub.collection == collection {
			sub.queue.Push(Change{Kind: ChangeResync})
		}
	}
}

func (s *PostgresStore) Close() error {
	close(s.done)

	s.subsLock.Lock()
	for sub := range s.subs {
		sub.queue.Close()
		delete(s.subs, sub)
	}
	s.subsLock.Unlock()

	if err := s.listener.Close(); err != nil {
		s.log.Println("close listener:", err)
	}

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
