package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Session is the routing record kept per conversation. The conversation
// content itself lives in the agent runtime.
type Session struct {
	Key        string    `json:"key"` // agent:{agentId}:{rest}
	Channel    string    `json:"channel"`
	AccountID  string    `json:"accountId,omitempty"`
	PeerKind   PeerKind  `json:"peerKind"`
	PeerID     string    `json:"peerId"`
	ChatID     string    `json:"chatId"` // reply target
	SenderName string    `json:"senderName,omitempty"`
	LastMsgID  string    `json:"lastMessageId,omitempty"`
	Inbound    int       `json:"inboundCount"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// InboundRecord describes one routed inbound message.
type InboundRecord struct {
	Route      Route
	Channel    string
	ChatID     string
	SenderName string
	MessageID  string
	At         time.Time
}

// Manager indexes routed sessions in memory and, when storage is set,
// persists one JSON file per session.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// RecordInbound updates the session for rec and returns the previous update
// time (zero for a new session).
func (m *Manager) RecordInbound(rec InboundRecord) (previous time.Time) {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	key := rec.Route.SessionKey

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Created: at}
		m.sessions[key] = s
	} else {
		previous = s.Updated
	}
	s.Channel = rec.Channel
	s.AccountID = rec.Route.AccountID
	s.PeerKind = rec.Route.PeerKind
	s.PeerID = rec.Route.PeerID
	s.ChatID = rec.ChatID
	if rec.SenderName != "" {
		s.SenderName = rec.SenderName
	}
	s.LastMsgID = rec.MessageID
	s.Inbound++
	s.Updated = at
	m.mu.Unlock()

	return previous
}

// Get returns a copy of the session stored under key.
func (m *Manager) Get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns sessions, optionally filtered by agent ID, most recent first.
func (m *Manager) List(agentID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}
	var result []Session
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Updated.After(result[j].Updated) })
	return result
}

// Save persists a session to disk atomically.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename+".json")

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
