// Package memory implements a character's long-term memory: a numbered,
// prioritised list of facts the model maintains through response tags and
// which is rendered into every prompt.
//
// Entry numbers are stable. Deleting an entry never renumbers the others and
// numbers are never reused, so a model that refers to "#3" always means the
// same fact.
package memory

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hearth/internal/jsonfile"
)

// ErrNotFound is returned when an entry number does not exist.
var ErrNotFound = errors.New("memory: entry not found")

// Priority ranks an entry.
type Priority string

// Priorities, lowest first.
const (
	Low      Priority = "low"
	Normal   Priority = "normal"
	High     Priority = "high"
	Critical Priority = "critical"
)

// ParsePriority parses a priority name case-insensitively.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case Low, Normal, High, Critical:
		return p, true
	}
	return "", false
}

// Entry is one remembered fact.
type Entry struct {
	Number    int       `json:"number"`
	Priority  Priority  `json:"priority"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

type document struct {
	NextNumber int     `json:"next_number"`
	Entries    []Entry `json:"entries"`
}

// Store is a file-backed memory list. Every mutation is persisted before it
// returns. A Store is safe for concurrent use.
type Store struct {
	path string
	now  func() time.Time

	mu  sync.Mutex
	doc document
}

// Open loads the memory file at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload discards in-memory state and rereads the file.
func (s *Store) Reload() error {
	var doc document
	if _, err := jsonfile.Load(s.path, &doc); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	for _, e := range doc.Entries {
		if e.Number >= doc.NextNumber {
			doc.NextNumber = e.Number + 1
		}
	}
	if doc.NextNumber < 1 {
		doc.NextNumber = 1
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Add appends a new entry and returns it.
func (s *Store) Add(p Priority, content string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, errors.New("memory: empty content")
	}
	if p == "" {
		p = Normal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{Number: s.doc.NextNumber, Priority: p, Content: content, CreatedAt: s.now()}
	next := s.doc
	next.NextNumber++
	next.Entries = append(slices.Clone(s.doc.Entries), e)
	if err := s.commit(next); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Update rewrites entry n. An empty priority keeps the current one.
func (s *Store) Update(n int, p Priority, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("memory: empty content")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(n)
	if i < 0 {
		return fmt.Errorf("%w: #%d", ErrNotFound, n)
	}
	next := s.doc
	next.Entries = slices.Clone(s.doc.Entries)
	next.Entries[i].Content = content
	if p != "" {
		next.Entries[i].Priority = p
	}
	next.Entries[i].UpdatedAt = s.now()
	return s.commit(next)
}

// Delete removes the listed entries. Unknown numbers are ignored; the
// numbers actually removed are returned.
func (s *Store) Delete(numbers ...int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []int
	kept := make([]Entry, 0, len(s.doc.Entries))
	for _, e := range s.doc.Entries {
		if slices.Contains(numbers, e.Number) {
			removed = append(removed, e.Number)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	next := s.doc
	next.Entries = kept
	if err := s.commit(next); err != nil {
		return nil, err
	}
	return removed, nil
}

// Clear removes every entry. Numbering continues where it left off.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Entries = nil
	return s.commit(next)
}

// Entries returns a copy of the entries ordered by number.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.doc.Entries)
}

// Get returns entry n.
func (s *Store) Get(n int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(n); i >= 0 {
		return s.doc.Entries[i], nil
	}
	return Entry{}, fmt.Errorf("%w: #%d", ErrNotFound, n)
}

// Formatted renders the memory for inclusion in a prompt. The output is a
// deterministic function of the entries.
func (s *Store) Formatted() string {
	entries := s.Entries()
	var sb strings.Builder
	sb.WriteString("LongMemory< ")
	if len(entries) == 0 {
		sb.WriteString("(empty) >EndLongMemory")
		return sb.String()
	}
	sb.WriteByte('\n')
	for _, e := range entries {
		fmt.Fprintf(&sb, "N%d. [%s] %s\n", e.Number, e.Priority, e.Content)
	}
	sb.WriteString(">EndLongMemory")
	return sb.String()
}

func (s *Store) index(n int) int {
	return slices.IndexFunc(s.doc.Entries, func(e Entry) bool { return e.Number == n })
}

// commit persists next and installs it. The in-memory state is unchanged if
// persisting fails.
func (s *Store) commit(next document) error {
	if err := jsonfile.Save(s.path, next); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	s.doc = next
	return nil
}

// ParseNumbers parses a deletion spec: a single number ("3"), a list
// ("1,4,7") or inclusive ranges ("2-5"), optionally combined ("1,3-4").
func ParseNumbers(spec string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(field, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("memory: bad number %q", field)
		}
		if !isRange {
			out = append(out, a)
			continue
		}
		b, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || b < a {
			return nil, fmt.Errorf("memory: bad range %q", field)
		}
		if b-a > 1000 {
			return nil, fmt.Errorf("memory: range %q too large", field)
		}
		for n := a; n <= b; n++ {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("memory: empty number list %q", spec)
	}
	return out, nil
}
