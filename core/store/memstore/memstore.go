/*
Package memstore is an in-process implementation of the remote post store. Documents keep
their insertion order, an upsert of an existing document keeps its position.
*/
package memstore

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/blogger/core"
	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/store"
)

type collection struct {
	ids  []string
	docs map[string]json.RawMessage
}

// Store is the in-memory post store
type Store struct {
	mutex       sync.Mutex
	collections map[string]*collection
	subscribers map[string]map[*store.Feed]struct{}
	notifier    core.Notifier
	closed      bool
}

// New returns a new empty store. The notifier is optional.
func New(notifier core.Notifier) *Store {
	return &Store{
		collections: make(map[string]*collection),
		subscribers: make(map[string]map[*store.Feed]struct{}),
		notifier:    notifier,
	}
}

// snapshot must be called with the mutex held
func (s *Store) snapshot(name string) store.Snapshot {
	c, ok := s.collections[name]
	if !ok {
		return store.Snapshot{Documents: []store.Document{}}
	}
	documents := make([]store.Document, 0, len(c.ids))
	for _, id := range c.ids {
		data := make(json.RawMessage, len(c.docs[id]))
		copy(data, c.docs[id])
		documents = append(documents, store.Document{ID: id, Data: data})
	}
	return store.Snapshot{Documents: documents}
}

// publish must be called with the mutex held
func (s *Store) publish(name string) {
	feeds := s.subscribers[name]
	if len(feeds) == 0 {
		return
	}
	snapshot := s.snapshot(name)
	for f := range feeds {
		f.Push(snapshot)
	}
}

func (s *Store) notify(name string, operation core.Operation, payload []byte) {
	if s.notifier != nil {
		s.notifier.Notify(name, operation, payload)
	}
}

// Subscribe implements store.Store
func (s *Store) Subscribe(ctx context.Context, name string) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var f *store.Feed
	f = store.NewFeed(func() {
		s.mutex.Lock()
		delete(s.subscribers[name], f)
		s.mutex.Unlock()
	})
	if s.subscribers[name] == nil {
		s.subscribers[name] = make(map[*store.Feed]struct{})
	}
	s.subscribers[name][f] = struct{}{}
	f.Push(s.snapshot(name))
	context.AfterFunc(ctx, f.Cancel)

	logger.FromContext(ctx).Debugf("memstore: subscribed to %s", name)
	return f, nil
}

// Add implements store.Store
func (s *Store) Add(ctx context.Context, name string, data json.RawMessage) (string, error) {
	id := uuid.New().String()
	if err := s.write(ctx, name, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Upsert implements store.Store
func (s *Store) Upsert(ctx context.Context, name string, id string, data json.RawMessage) error {
	return s.write(ctx, name, id, data)
}

func (s *Store) write(ctx context.Context, name string, id string, data json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(data) {
		return store.ErrInvalidDocument
	}
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return store.ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]json.RawMessage)}
		s.collections[name] = c
	}
	operation := core.OperationUpdate
	if _, exists := c.docs[id]; !exists {
		c.ids = append(c.ids, id)
		operation = core.OperationCreate
	}
	stored := make(json.RawMessage, len(data))
	copy(stored, data)
	c.docs[id] = stored
	s.publish(name)
	s.mutex.Unlock()

	s.notify(name, operation, stored)
	return nil
}

// Delete implements store.Store
func (s *Store) Delete(ctx context.Context, name string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return store.ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		s.mutex.Unlock()
		return nil
	}
	data, exists := c.docs[id]
	if !exists {
		s.mutex.Unlock()
		return nil
	}
	delete(c.docs, id)
	for i := range c.ids {
		if c.ids[i] == id {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			break
		}
	}
	s.publish(name)
	s.mutex.Unlock()

	s.notify(name, core.OperationDelete, data)
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, name string, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return store.Document{}, store.ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	data, ok := c.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	result := make(json.RawMessage, len(data))
	copy(result, data)
	return store.Document{ID: id, Data: result}, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context, name string) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.snapshot(name).Documents, nil
}

// PostIDs implements store.Indexer
func (s *Store) PostIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := make(map[string]struct{})
	for _, c := range s.collections {
		for _, id := range c.ids {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// Close closes all subscriptions. All further operations fail with store.ErrClosed.
func (s *Store) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	for name, feeds := range s.subscribers {
		for f := range feeds {
			f.Close()
		}
		delete(s.subscribers, name)
	}
}
