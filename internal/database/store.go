package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrInvalidPatch  = errors.New("invalid patch")
)

// Store is a document store with per-collection change subscriptions.
// Documents are JSON objects; the store owns their "id" and "seq" fields.
type Store interface {
	Ping(ctx context.Context) error
	// Create inserts doc and returns its id. A non-empty "id" field in doc is
	// used as-is, otherwise the store generates one.
	Create(ctx context.Context, collection string, doc any) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges patch into the top level of the document. Concurrent
	// updates to the same field are last-write-wins.
	Update(ctx context.Context, collection, id string, patch Patch) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Subscribe calls fn for every create or update in collection whose
	// document matches where, before or after the change. Calls are made
	// from a single goroutine per subscription in commit order.
	Subscribe(ctx context.Context, collection string, where []Predicate, fn func(Change)) (Unsubscribe, error)
	Close() error
}

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

type Patch map[string]any

type Document struct {
	Id string
	// Seq is the store-wide insertion sequence of the document.
	Seq  int64
	Data json.RawMessage
}

func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %q: %w", d.Id, err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	// ChangeResync means changes may have been missed and subscribers
	// should re-read current state. Doc is empty.
	ChangeResync ChangeKind = "resync"
)

type Change struct {
	Kind ChangeKind
	Doc  Document
}

type Op string

const (
	OpEq       Op = "=="
	OpLt       Op = "<"
	OpGt       Op = ">"
	OpContains Op = "array-contains"
)

type Predicate struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Predicate {
	return Predicate{Field: field, Op: op, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Where   []Predicate
	OrderBy []Order
	// Limit <= 0 means no limit.
	Limit int
}

func validatePatch(patch Patch) error {
	if len(patch) == 0 {
		return fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	for _, key := range []string{"id", "seq"} {
		if _, ok := patch[key]; ok {
			return fmt.Errorf("%w: field %q is managed by the store", ErrInvalidPatch, key)
		}
	}
	return nil
}
