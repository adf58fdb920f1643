// Package events keeps an append-only journal of tunnel state transitions in
// events.jsonl. It is a log for operators, not state: the engine never reads
// it back.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunneltop/internal/appconfig"
	"github.com/treykane/tunneltop/internal/model"
)

// Event types written by the supervisor.
const (
	TypeStarted    = "started"
	TypeSpawnFail  = "spawn_failed"
	TypeStopped    = "stopped"
	TypeExited     = "exited"
	TypeProbe      = "probe"
	TypeAdded      = "added"
	TypeRemoved    = "removed"
	TypeRedefined  = "redefined"
	TypeTerminated = "terminate_failed"
)

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time    `json:"timestamp"`
	Tunnel    string       `json:"tunnel"`
	EventType string       `json:"event_type"`
	Status    model.Status `json:"status,omitempty"`
	Message   string       `json:"message,omitempty"`
	PID       int          `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Tunnel    string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the journal file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store writing to events.jsonl in the config directory.
func NewStore() (*Store, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(filepath.Join(dir, "events.jsonl")), nil
}

// NewStoreAt returns a store writing to path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the journal location.
func (s *Store) Path() string { return s.path }

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns events in append order, filtered by query, keeping the last
// Limit entries when Limit > 0.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Tunnel) != "" && evt.Tunnel != q.Tunnel {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
