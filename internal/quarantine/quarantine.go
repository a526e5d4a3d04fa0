// Package quarantine keeps ingestion messages that could not be processed after immediate retries.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vaidashi/failure-recovery/internal/transport"
)

var ErrNotFound = errors.New("quarantined message not found")

// QuarantinedMessage is a raw ingestion message set aside with the reason it failed
type QuarantinedMessage struct {
	ID            string            `json:"id"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
	Reason        string            `json:"reason"`
	QuarantinedAt time.Time         `json:"quarantined_at"`
}

// New builds a quarantine entry for msg
func New(msg transport.Message, reason error) *QuarantinedMessage {
	q := &QuarantinedMessage{
		ID:            msg.ID,
		Headers:       msg.Headers,
		Body:          msg.Body,
		QuarantinedAt: time.Now().UTC(),
	}

	if reason != nil {
		q.Reason = reason.Error()
	}

	return q
}

// Message converts the entry back into a transport message
func (q *QuarantinedMessage) Message() transport.Message {
	return transport.Message{ID: q.ID, Headers: q.Headers, Body: q.Body}.Clone()
}

// Store persists quarantined messages, oldest first
type Store interface {
	Add(ctx context.Context, msg *QuarantinedMessage) error
	List(ctx context.Context) ([]*QuarantinedMessage, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// MemoryStore keeps quarantined messages in process
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*QuarantinedMessage
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*QuarantinedMessage)}
}

func (s *MemoryStore) Add(ctx context.Context, msg *QuarantinedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*QuarantinedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*QuarantinedMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		copied := *msg
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].QuarantinedAt.Equal(result[j].QuarantinedAt) {
			return result[i].QuarantinedAt.Before(result[j].QuarantinedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}

	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages), nil
}

// FileArtifact writes one JSON file per quarantined message for operators to inspect
type FileArtifact struct {
	dir string
}

// NewFileArtifact creates an artifact writer; an empty dir disables it
func NewFileArtifact(dir string) *FileArtifact {
	return &FileArtifact{dir: dir}
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

// Write stores msg as <dir>/<id>.json and returns the path
func (a *FileArtifact) Write(msg *QuarantinedMessage) (string, error) {
	if a == nil || a.dir == "" {
		return "", nil
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create quarantine log dir: %w", err)
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal quarantined message: %w", err)
	}

	path := filepath.Join(a.dir, unsafeChars.Replace(msg.ID)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write quarantine artifact: %w", err)
	}

	return path, nil
}
