package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	args := m.Called(ctx, collection, doc)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, collection, id string) (Document, error) {
	args := m.Called(ctx, collection, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	args := m.Called(ctx, collection, id, patch)
	return args.Error(0)
}

func (m *MockStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	args := m.Called(ctx, collection, q)
	if docs, ok := args.Get(0).([]Document); ok {
		return docs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Subscribe(ctx context.Context, collection string, where []Predicate, fn func(Change)) (Unsubscribe, error) {
	args := m.Called(ctx, collection, where, fn)
	if unsub, ok := args.Get(0).(Unsubscribe); ok {
		return unsub, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
