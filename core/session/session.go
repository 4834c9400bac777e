/*
Package session provides the persistent session store of the device: the id and email of
the user who is logged in. The user id selects the post collection the feed shows.

Local keeps the values in a small sqlite database, so a session survives restarts.
*/
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relabs-tech/blogger/core/logger"
)

// keys of the persisted values
const (
	keyUserID = "user_id"
	keyEmail  = "email"
)

// Store is the session store. Absent values read as "".
type Store interface {
	CurrentID(ctx context.Context) (string, error)
	Email(ctx context.Context) (string, error)
	StoreUserID(ctx context.Context, userID string) error
	StoreEmail(ctx context.Context, email string) error
	Clear(ctx context.Context) error
}

// Local is the sqlite backed Store
type Local struct {
	db *sql.DB
}

// OpenLocal opens or creates the session database at path. Use ":memory:" for a
// volatile store.
func OpenLocal(path string) (*Local, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer, and ":memory:" databases are per connection
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS user_preferences
(key TEXT NOT NULL PRIMARY KEY,
value TEXT NOT NULL,
timestamp DATETIME NOT NULL
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create session table in %s: %w", path, err)
	}
	logger.Default().Infoln("session store:", path)
	return &Local{db: db}, nil
}

func (l *Local) read(ctx context.Context, key string) (string, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM user_preferences WHERE key=?;`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	var value string
	err = json.Unmarshal([]byte(raw), &value)
	return value, err
}

func (l *Local) write(ctx context.Context, key string, value string) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO user_preferences(key,value,timestamp)
VALUES(?,?,?)
ON CONFLICT (key) DO UPDATE SET value=excluded.value,timestamp=excluded.timestamp;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	return nil
}

// CurrentID returns the id of the logged in user, or "" if nobody is logged in
func (l *Local) CurrentID(ctx context.Context) (string, error) {
	return l.read(ctx, keyUserID)
}

// Email returns the email of the logged in user
func (l *Local) Email(ctx context.Context) (string, error) {
	return l.read(ctx, keyEmail)
}

// StoreUserID persists the id of the logged in user
func (l *Local) StoreUserID(ctx context.Context, userID string) error {
	return l.write(ctx, keyUserID, userID)
}

// StoreEmail persists the email of the logged in user
func (l *Local) StoreEmail(ctx context.Context, email string) error {
	return l.write(ctx, keyEmail, email)
}

// Clear removes all values
func (l *Local) Clear(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM user_preferences;`)
	return err
}

// Close closes the database
func (l *Local) Close() error {
	return l.db.Close()
}

// Memory is a volatile Store for tests
type Memory struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemory returns an empty volatile store
func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) get(key string) string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.values[key]
}

func (m *Memory) set(key, value string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.values[key] = value
}

// CurrentID implements Store
func (m *Memory) CurrentID(ctx context.Context) (string, error) { return m.get(keyUserID), nil }

// Email implements Store
func (m *Memory) Email(ctx context.Context) (string, error) { return m.get(keyEmail), nil }

// StoreUserID implements Store
func (m *Memory) StoreUserID(ctx context.Context, userID string) error {
	m.set(keyUserID, userID)
	return nil
}

// StoreEmail implements Store
func (m *Memory) StoreEmail(ctx context.Context, email string) error {
	m.set(keyEmail, email)
	return nil
}

// Clear implements Store
func (m *Memory) Clear(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.values = map[string]string{}
	return nil
}
