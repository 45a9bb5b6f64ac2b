package socket

import "sync"

// DefaultSysInfoLimit bounds the notes buffered per character.
const DefaultSysInfoLimit = 64

// SysInfoBuffer holds system_info notes per character until the next turn
// of that character consumes them.
type SysInfoBuffer struct {
	mu    sync.Mutex
	limit int
	notes map[string][]string
}

// NewSysInfoBuffer returns a buffer keeping at most limit notes per
// character; older notes are dropped first.
func NewSysInfoBuffer(limit int) *SysInfoBuffer {
	if limit <= 0 {
		limit = DefaultSysInfoLimit
	}
	return &SysInfoBuffer{limit: limit, notes: make(map[string][]string)}
}

// Add appends a note and returns the new depth.
func (b *SysInfoBuffer) Add(character, note string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(b.notes[character], note)
	if over := len(q) - b.limit; over > 0 {
		q = q[over:]
	}
	b.notes[character] = q
	return len(q)
}

// Drain removes and returns every note of character.
func (b *SysInfoBuffer) Drain(character string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.notes[character]
	delete(b.notes, character)
	return q
}

// Len reports the depth for character.
func (b *SysInfoBuffer) Len(character string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notes[character])
}
