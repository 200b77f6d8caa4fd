package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/donorchat/internal/types"
)

// TimeoutStore bounds every call to the wrapped store and reports failures
// other than well-known document errors as retryable.
type TimeoutStore struct {
	next    Store
	timeout time.Duration
}

func WithTimeout(next Store, timeout time.Duration) *TimeoutStore {
	return &TimeoutStore{next: next, timeout: timeout}
}

func (s *TimeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wrapStoreError(ctx, "ping", s.next.Ping(ctx))
}

func (s *TimeoutStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.next.Create(ctx, collection, doc)
	return id, wrapStoreError(ctx, "create "+collection, err)
}

func (s *TimeoutStore) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := s.next.Get(ctx, collection, id)
	return doc, wrapStoreError(ctx, "get "+collection, err)
}

func (s *TimeoutStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wrapStoreError(ctx, "update "+collection, s.next.Update(ctx, collection, id, patch))
}

func (s *TimeoutStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	docs, err := s.next.Query(ctx, collection, q)
	return docs, wrapStoreError(ctx, "query "+collection, err)
}

// Subscribe bounds only the registration; the subscription itself lives
// until it is cancelled.
func (s *TimeoutStore) Subscribe(ctx context.Context, collection string, where []Predicate, fn func(Change)) (Unsubscribe, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unsub, err := s.next.Subscribe(ctx, collection, where, fn)
	return unsub, wrapStoreError(ctx, "subscribe "+collection, err)
}

func (s *TimeoutStore) Close() error {
	return s.next.Close()
}

func wrapStoreError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidPatch) {
		return err
	}
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// the caller gave up; nothing to retry
		return err
	}
	return types.NewTransientStoreError(op, err)
}
