// Package continuity remembers the last room a client was in so a reload can
// rejoin silently. The record only supplies join parameters; the full join
// handshake still runs.
package continuity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrEmptyKey = errors.New("continuity: empty client key")

type Record struct {
	RoomCode        string
	IdentityName    string
	CustomLobbyName string
	AccountID       string
}

// DisplayName is the name used in the room: the custom lobby name when set.
func (r Record) DisplayName() string {
	if r.CustomLobbyName != "" {
		return r.CustomLobbyName
	}
	return r.IdentityName
}

// RoomKey is the store key of one room entry of a client. A client in
// several rooms keeps one record per room.
func RoomKey(clientKey, roomCode string) string {
	return clientKey + "/" + roomCode
}

type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, rec Record) error
	Clear(ctx context.Context, key string) error
	// List returns the records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
}

// Memory is a process-local Store. It does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Load(_ context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	return r, ok, nil
}

func (m *Memory) Save(_ context.Context, key string, rec Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.records[k])
	}
	return out, nil
}
