// Package history persists a character's conversation: the ordered message
// list plus a snapshot of the character's variables, stored together in
// Histories/<id>/history.json.
//
// The two parts are always written in a single atomic replace so a turn is
// either fully recorded or not at all.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/MrWong99/hearth/internal/jsonfile"
	"github.com/MrWong99/hearth/pkg/types"
)

// Data is the persisted document.
type Data struct {
	Messages  []types.Message `json:"messages"`
	Variables map[string]any  `json:"variables"`
}

// Store reads and writes one history file.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store for the file at path. The file is not touched until
// the first read or write.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the file location.
func (s *Store) Path() string { return s.path }

// Load reads the history. A missing file yields an empty document.
func (s *Store) Load() (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Data, error) {
	var d Data
	if _, err := jsonfile.Load(s.path, &d); err != nil {
		return Data{}, fmt.Errorf("history: %w", err)
	}
	d.Variables = jsonfile.NormalizeMap(d.Variables)
	if d.Messages == nil {
		d.Messages = []types.Message{}
	}
	return d, nil
}

// Save replaces the history with d.
func (s *Store) Save(d Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(d)
}

func (s *Store) save(d Data) error {
	if d.Messages == nil {
		d.Messages = []types.Message{}
	}
	if d.Variables == nil {
		d.Variables = map[string]any{}
	}
	d.Variables = jsonfile.Tagged(d.Variables)
	if err := jsonfile.Save(s.path, d); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

// Append adds msgs to the stored messages and replaces the variable
// snapshot with vars, in one write.
func (s *Store) Append(vars map[string]any, msgs ...types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.load()
	if err != nil {
		return err
	}
	d.Messages = append(slices.Clip(d.Messages), msgs...)
	d.Variables = vars
	return s.save(d)
}

// Clear removes the history file. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}
