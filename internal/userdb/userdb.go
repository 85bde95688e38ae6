// Package userdb implements a simple local user database: the default
// local-delivery existence/routing backend used by internal/resolver when
// no external directory socket is configured.
//
// Format
//
// The database is a YAML file mapping normalized usernames to an (almost
// empty, for now) per-user entry. The teacher's own userdb.go stores a
// text-encoded protobuf with a scrypt-hashed password per user, but this
// system never receives an AUTH command — there is no password to ever
// check, only existence — so the password scheme is dropped entirely and
// storage moves to YAML, matching internal/config.
//
// Writing
//
// The functions that write a database file will not preserve ordering,
// invalid lines, empty lines, or any formatting. It is also not safe for
// concurrent use from different processes.
package userdb

import (
	"errors"
	"io/ioutil"
	"sync"

	yaml "gopkg.in/yaml.v2"

	"github.com/dmitrifedorov/lmtpd/internal/normalize"
)

// Entry holds the per-user attributes this system cares about. It is
// intentionally small: a local flat-file user is always a local-delivery
// destination, never a proxy route (that distinction comes from the
// directory lookup in internal/resolver, not from this backend).
type Entry struct{}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]Entry

	mu sync.RWMutex
}

// New returns a new, empty user database backed by the given file name.
func New(fname string) *DB {
	return &DB{fname: fname, users: map[string]Entry{}}
}

// Load the database from the given file. Returns the database, and an
// error if the database could not be loaded.
func Load(fname string) (*DB, error) {
	db := New(fname)

	buf, err := ioutil.ReadFile(fname)
	if err != nil {
		return db, err
	}
	if len(buf) == 0 {
		return db, nil
	}

	var users map[string]Entry
	if err := yaml.Unmarshal(buf, &users); err != nil {
		return db, err
	}
	if users == nil {
		users = map[string]Entry{}
	}
	db.users = users

	return db, nil
}

// Reload the database, refreshing its contents from the current file on
// disk. If there are errors reading from the file, they are returned and
// the database is not changed.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write the database to disk. It does a complete rewrite each time, and is
// not safe to call from different processes in parallel.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	buf, err := yaml.Marshal(db.users)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(db.fname, buf, 0660)
}

// AddUser to the database. If the user is already present, it is left
// unchanged. Note we enforce that the name has been normalized previously.
func (db *DB) AddUser(name string) error {
	norm, err := normalize.User(name)
	if err != nil || name != norm {
		return errors.New("invalid username")
	}

	db.mu.Lock()
	db.users[name] = Entry{}
	db.mu.Unlock()

	return nil
}

// RemoveUser from the database. Returns true if the user was there, false
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present, false otherwise.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}
