/*
Package pgstore implements the remote post store on top of postgres.

All collections share one relation "_post_" in the database schema. Every committed
mutation sends a notification on a schema specific channel with the collection as
payload. A single listener connection receives these notifications and re-queries the
affected collection for all of its subscribers, so every subscriber gets the complete
current state of the collection after each change, no matter which process made it.
*/
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/blogger/core"
	"github.com/relabs-tech/blogger/core/csql"
	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/store"
)

// Store is the postgres post store
type Store struct {
	db       *csql.DB
	notifier core.Notifier
	listener *pq.Listener
	channel  string

	mutex       sync.Mutex
	subscribers map[string]map[*store.Feed]struct{}
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup

	// serializes snapshot queries so that a subscriber never receives an older
	// snapshot after a newer one
	refreshMutex sync.Mutex

	snapshotQuery string
	upsertQuery   string
	deleteQuery   string
	getQuery      string
	idsQuery      string
}

// New creates the post relation if it does not exist yet and starts listening for
// changes. The notifier is optional.
func New(db *csql.DB, notifier core.Notifier) (*Store, error) {
	table := db.Schema + `."_post_"`
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + table + `
(serial BIGSERIAL,
collection VARCHAR NOT NULL,
post_id VARCHAR NOT NULL,
data JSON NOT NULL,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
PRIMARY KEY(collection, post_id)
);
CREATE index IF NOT EXISTS post_collection_serial ON ` + table + `(collection, serial);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create post relation: %w", err)
	}

	s := &Store{
		db:          db,
		notifier:    notifier,
		channel:     db.Schema + "._post_",
		subscribers: make(map[string]map[*store.Feed]struct{}),
		done:        make(chan struct{}),

		snapshotQuery: `SELECT post_id, data FROM ` + table + ` WHERE collection=$1 ORDER BY serial;`,
		upsertQuery: `INSERT INTO ` + table + `(collection,post_id,data,created_at,updated_at)
VALUES($1,$2,$3,$4,$4)
ON CONFLICT (collection,post_id) DO UPDATE SET data=$3,updated_at=$4
RETURNING (xmax = 0);`,
		deleteQuery: `DELETE FROM ` + table + ` WHERE collection=$1 AND post_id=$2 RETURNING data;`,
		getQuery:    `SELECT data FROM ` + table + ` WHERE collection=$1 AND post_id=$2;`,
		idsQuery:    `SELECT post_id FROM ` + table + `;`,
	}

	rlog := logger.Default()
	s.listener = pq.NewListener(db.DataSourceName, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				rlog.WithError(err).Warnln("pgstore: listener event", ev)
			}
		})
	if err := s.listener.Listen(s.channel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("cannot listen on %s: %w", s.channel, err)
	}
	rlog.Debugln("pgstore: listening on", s.channel)

	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

func (s *Store) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// the connection was re-established, notifications may have been lost
				logger.Default().Infoln("pgstore: listener reconnected, refreshing all subscriptions")
				for _, name := range s.subscribedCollections() {
					s.refresh(name)
				}
				continue
			}
			s.refresh(n.Extra)
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

func (s *Store) subscribedCollections() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.subscribers))
	for name := range s.subscribers {
		names = append(names, name)
	}
	return names
}

func (s *Store) feeds(name string) []*store.Feed {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	feeds := make([]*store.Feed, 0, len(s.subscribers[name]))
	for f := range s.subscribers[name] {
		feeds = append(feeds, f)
	}
	return feeds
}

func (s *Store) remove(name string, f *store.Feed) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.subscribers[name], f)
	if len(s.subscribers[name]) == 0 {
		delete(s.subscribers, name)
	}
}

// refresh queries the collection once and pushes the snapshot to all its subscribers
func (s *Store) refresh(name string, only ...*store.Feed) {
	s.refreshMutex.Lock()
	defer s.refreshMutex.Unlock()

	feeds := only
	if len(feeds) == 0 {
		feeds = s.feeds(name)
	}
	if len(feeds) == 0 {
		return
	}
	snapshot := s.query(context.Background(), name)
	if snapshot.Err != nil {
		logger.Default().WithError(snapshot.Err).Errorf("pgstore: cannot query collection %s", name)
	}
	for _, f := range feeds {
		f.Push(snapshot)
		if snapshot.Err != nil {
			s.remove(name, f)
		}
	}
}

func (s *Store) query(ctx context.Context, name string) store.Snapshot {
	rows, err := s.db.QueryContext(ctx, s.snapshotQuery, name)
	if err != nil {
		return store.Snapshot{Err: classify(err)}
	}
	defer rows.Close()
	documents := []store.Document{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return store.Snapshot{Err: classify(err)}
		}
		documents = append(documents, store.Document{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{Err: classify(err)}
	}
	return store.Snapshot{Documents: documents}
}

func classify(err error) error {
	if csql.IsInsufficientPrivilege(err) {
		return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
	}
	return err
}

// Subscribe implements store.Store
func (s *Store) Subscribe(ctx context.Context, name string) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, store.ErrClosed
	}
	var f *store.Feed
	f = store.NewFeed(func() { s.remove(name, f) })
	if s.subscribers[name] == nil {
		s.subscribers[name] = make(map[*store.Feed]struct{})
	}
	s.subscribers[name][f] = struct{}{}
	s.mutex.Unlock()

	s.refresh(name, f)
	context.AfterFunc(ctx, f.Cancel)
	logger.FromContext(ctx).Debugf("pgstore: subscribed to %s", name)
	return f, nil
}

// Add implements store.Store
func (s *Store) Add(ctx context.Context, name string, data json.RawMessage) (string, error) {
	id := uuid.New().String()
	if err := s.Upsert(ctx, name, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Upsert implements store.Store
func (s *Store) Upsert(ctx context.Context, name string, id string, data json.RawMessage) error {
	if !json.Valid(data) {
		return store.ErrInvalidDocument
	}
	if s.isClosed() {
		return store.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	var inserted bool
	err = tx.QueryRowContext(ctx, s.upsertQuery, name, id, string(data), time.Now().UTC()).Scan(&inserted)
	if err != nil {
		tx.Rollback()
		return classify(err)
	}
	operation := core.OperationUpdate
	if inserted {
		operation = core.OperationCreate
	}
	return s.commitWithNotification(ctx, tx, name, operation, data)
}

// Delete implements store.Store
func (s *Store) Delete(ctx context.Context, name string, id string) error {
	if s.isClosed() {
		return store.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	var data []byte
	err = tx.QueryRowContext(ctx, s.deleteQuery, name, id).Scan(&data)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		tx.Rollback()
		return classify(err)
	}
	return s.commitWithNotification(ctx, tx, name, core.OperationDelete, data)
}

func (s *Store) commitWithNotification(ctx context.Context, tx *sql.Tx, name string, operation core.Operation, payload []byte) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1,$2);`, s.channel, name); err != nil {
		tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	if s.notifier != nil {
		s.notifier.Notify(name, operation, payload)
	}
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, name string, id string) (store.Document, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.getQuery, name, id).Scan(&data)
	if err == csql.ErrNoRows {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, classify(err)
	}
	return store.Document{ID: id, Data: json.RawMessage(data)}, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context, name string) ([]store.Document, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	snapshot := s.query(ctx, name)
	if snapshot.Err != nil {
		return nil, snapshot.Err
	}
	return snapshot.Documents, nil
}

// PostIDs implements store.Indexer
func (s *Store) PostIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, s.idsQuery)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *Store) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// Close stops listening and closes all subscriptions. It does not close the database.
func (s *Store) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for name, feeds := range s.subscribers {
		for f := range feeds {
			f.Close()
		}
		delete(s.subscribers, name)
	}
	s.mutex.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}
