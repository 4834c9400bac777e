/*
Package store defines the remote post store: a set of document collections, one per
session, with a live subscription that pushes the complete current state of a
collection on every change.

Two implementations exist. memstore keeps everything in process, pgstore uses postgres
and LISTEN/NOTIFY.
*/
package store

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrPermissionDenied is returned when the store refuses access to a collection
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("store closed")
	// ErrInvalidDocument is returned when a document is not valid json
	ErrInvalidDocument = errors.New("invalid document")
)

// Document is one raw document of a collection
type Document struct {
	ID   string
	Data json.RawMessage
}

// Snapshot is one complete emission of a subscribed collection. If Err is set,
// Documents is empty and the subscription has ended.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Subscription is a live query on one collection. The channel returned by C()
// delivers snapshots and is closed after an error snapshot or after Cancel().
type Subscription interface {
	C() <-chan Snapshot
	Cancel()
}

// Store is the remote post store
type Store interface {
	// Subscribe opens a live subscription on collection. The first snapshot is the
	// current state.
	Subscribe(ctx context.Context, collection string) (Subscription, error)
	// Add creates a new document and returns the id the store assigned to it
	Add(ctx context.Context, collection string, data json.RawMessage) (string, error)
	// Upsert creates or fully replaces the document with the given id
	Upsert(ctx context.Context, collection string, id string, data json.RawMessage) error
	// Delete deletes the document with the given id. Deleting a missing document is
	// not an error.
	Delete(ctx context.Context, collection string, id string) error
	// Get returns a single document or ErrNotFound
	Get(ctx context.Context, collection string, id string) (Document, error)
	// List returns the current documents of collection, in snapshot order
	List(ctx context.Context, collection string) ([]Document, error)
}

// Indexer is implemented by stores that can enumerate document ids across all
// collections
type Indexer interface {
	PostIDs(ctx context.Context) (map[string]struct{}, error)
}
