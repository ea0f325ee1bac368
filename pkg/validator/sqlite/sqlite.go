// Package sqlite implements a persistent peer allow/deny list as a
// validate-peer listener, backed by SQLite.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	_ "github.com/mattn/go-sqlite3"

	"github.com/org-eventdance/webtransport/pkg/peer"
	"github.com/org-eventdance/webtransport/pkg/webtransport"
)

// Store is a peer allow/deny list backed by a SQLite database.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// DefaultPath returns the default database location under the user's
// XDG data directory.
func DefaultPath() (string, error) {
	dataDir := filepath.Join(xdg.DataHome, "eventdance-webtransport")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("sqlite: create data dir: %w", err)
	}
	return filepath.Join(dataDir, "peers.db"), nil
}

// Open opens (creating if necessary) the allow/deny list database at
// path. An empty path resolves to DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peer_acl (
			peer_id    TEXT PRIMARY KEY,
			decision   TEXT NOT NULL CHECK (decision IN ('allow', 'deny')),
			note       TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Allow marks id as always-accepted, replacing any prior decision.
func (s *Store) Allow(id, note string) error {
	return s.set(id, "allow", note)
}

// Deny marks id as always-rejected, replacing any prior decision.
func (s *Store) Deny(id, note string) error {
	return s.set(id, "deny", note)
}

// Forget removes any recorded decision for id, falling back to the
// validator's default on future lookups.
func (s *Store) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM peer_acl WHERE peer_id = ?`, id)
	return err
}

func (s *Store) set(id, decision, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO peer_acl (peer_id, decision, note) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET decision = excluded.decision, note = excluded.note
	`, id, decision, note)
	return err
}

func (s *Store) lookup(id string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var decision string
	err := s.db.QueryRow(`SELECT decision FROM peer_acl WHERE peer_id = ?`, id).Scan(&decision)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return decision, true, nil
}

// Validator returns a webtransport.Validator consulting this store: a
// peer explicitly denied is REJECTed, one explicitly allowed is
// ACCEPTed, and an unlisted peer falls back to fallback.
func (s *Store) Validator(fallback webtransport.Decision) webtransport.Validator {
	return func(p *peer.Peer) webtransport.Decision {
		decision, found, err := s.lookup(p.ID())
		if err != nil || !found {
			return fallback
		}
		if decision == "deny" {
			return webtransport.Reject
		}
		return webtransport.Accept
	}
}
