package database

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

type memorySubscription struct {
	collection string
	where      []Predicate
	queue      *Queue[Change]
}

// MemoryStore keeps every collection in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	docs   map[string]map[string]*storedDoc
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]*storedDoc),
		subs: make(map[*memorySubscription]struct{}),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return ctx.Err()
}

func (s *MemoryStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]*storedDoc)
		s.docs[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return "", fmt.Errorf("%w: %s/%s", ErrAlreadyExists, collection, id)
	}

	s.seq++
	stored := &storedDoc{seq: s.seq, obj: obj}
	coll[id] = stored

	s.dispatchLocked(collection, ChangeCreated, nil, stored)
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.docs[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return toDocument(id, stored)
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePatch(patch); err != nil {
		return err
	}

	values, err := toObject(map[string]any(patch))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	prev := maps.Clone(stored.obj)
	next := &storedDoc{seq: stored.seq, obj: maps.Clone(stored.obj)}
	maps.Copy(next.obj, values)
	s.docs[collection][id] = next

	s.dispatchLocked(collection, ChangeUpdated, prev, next)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	where, err := normalizePredicates(q.Where)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]storedDoc, 0)
	for _, stored := range s.docs[collection] {
		if matchAll(stored.obj, where) {
			matched = append(matched, *stored)
		}
	}
	s.mu.RUnlock()

	sortDocs(matched, q.OrderBy)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	docs := make([]Document, 0, len(matched))
	for i := range matched {
		id, _ := matched[i].obj["id"].(string)
		doc, err := toDocument(id, &matched[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, where []Predicate, fn func(Change)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized, err := normalizePredicates(where)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		collection: collection,
		where:      normalized,
		queue:      NewQueue[Change](),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory store is closed")
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.queue.Run(fn)

	return func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.queue.Close()
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for sub := range s.subs {
		sub.queue.Close()
		delete(s.subs, sub)
	}
	return nil
}

func (s *MemoryStore) dispatchLocked(collection string, kind ChangeKind, prev map[string]any, next *storedDoc) {
	var (
		doc     Document
		encoded bool
	)
	for sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		if !matchAll(prev, sub.where) && !matchAll(next.obj, sub.where) {
			continue
		}
		if !encoded {
			id, _ := next.obj["id"].(string)
			var err error
			if doc, err = toDocument(id, next); err != nil {
				return
			}
			encoded = true
		}
		sub.queue.Push(Change{Kind: kind, Doc: doc})
	}
}

func toDocument(id string, stored *storedDoc) (Document, error) {
	obj := maps.Clone(stored.obj)
	obj["seq"] = stored.seq

	raw, err := json.Marshal(obj)
	if err != nil {
		return Document{}, fmt.Errorf("encode document %q: %w", id, err)
	}
	return Document{Id: id, Seq: stored.seq, Data: raw}, nil
}
