// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation id has no document on disk.
var ErrNotFound = errors.New("conversation not found")

// FileStore keeps one JSON file per conversation under a data directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written document. Safe for concurrent use.
type FileStore struct {
	mu      sync.RWMutex
	dataDir string
	now     func() time.Time
}

// NewFileStore creates the data directory if needed and returns a store.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, now: time.Now}, nil
}

// Create makes a new conversation with a placeholder title.
func (s *FileStore) Create() (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	conv := &Conversation{
		ID:        id,
		Title:     NewPlaceholderTitle(id),
		CreatedAt: s.now().UTC(),
		Messages:  []Message{},
	}
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation by id, deleted or not.
func (s *FileStore) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

// ListActive returns non-deleted conversations, newest first.
func (s *FileStore) ListActive() ([]*Conversation, error) {
	return s.list(false)
}

// ListDeleted returns soft-deleted conversations, newest first.
func (s *FileStore) ListDeleted() ([]*Conversation, error) {
	return s.list(true)
}

// AppendMessage appends a message to a conversation and persists it.
func (s *FileStore) AppendMessage(id string, msg Message) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	conv.Messages = append(conv.Messages, msg)
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateTitle replaces a conversation's title.
func (s *FileStore) UpdateTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	conv.Title = title
	return s.write(conv)
}

// SoftDelete marks a conversation deleted without removing its document.
func (s *FileStore) SoftDelete(id string) error {
	return s.setDeleted(id, true)
}

// Restore clears the deleted flag.
func (s *FileStore) Restore(id string) error {
	return s.setDeleted(id, false)
}

// HardDelete removes the document from disk.
func (s *FileStore) HardDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) setDeleted(id string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	conv.Deleted = deleted
	if deleted {
		now := s.now().UTC()
		conv.DeletedAt = &now
	} else {
		conv.DeletedAt = nil
	}
	return s.write(conv)
}

func (s *FileStore) list(deleted bool) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var out []*Conversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		conv, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Skip unreadable documents rather than failing the listing.
			continue
		}
		if conv.Deleted == deleted {
			out = append(out, conv)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) path(id string) string {
	// The id always comes from uuid generation, but guard against path
	// traversal from externally supplied ids anyway.
	return filepath.Join(s.dataDir, filepath.Base(id)+".json")
}

func (s *FileStore) read(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *FileStore) write(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}

	path := s.path(conv.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit conversation %s: %w", conv.ID, err)
	}
	return nil
}
