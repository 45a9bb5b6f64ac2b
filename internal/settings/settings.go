// Package settings implements the persisted key/value store for user
// settings.
//
// Keys are upper-case by convention (MODEL_MESSAGE_LIMIT, GM_ON, …) and
// values are JSON scalars, lists or objects. Every successful [Store.Set] is
// written through to disk and announced on the event bus as
// [eventbus.TopicSettingChanged]. Settings take precedence over the static
// YAML configuration for the keys both define.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/jsonfile"
)

// Changed is the payload of [eventbus.TopicSettingChanged].
type Changed struct {
	Key      string
	Value    any
	Previous any
}

// Store is a thread-safe, write-through settings map.
type Store struct {
	path string
	bus  *eventbus.Bus

	mu     sync.RWMutex
	values map[string]any
}

// Open loads the settings document at path (a missing file yields an empty
// store) and registers the store as a responder for
// [eventbus.TopicGetAppVars]. bus may be nil in tests.
func Open(path string, bus *eventbus.Bus) (*Store, error) {
	values := map[string]any{}
	if _, err := jsonfile.Load(path, &values); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	s := &Store{path: path, bus: bus, values: jsonfile.NormalizeMap(values)}
	if bus != nil {
		bus.Subscribe(eventbus.TopicGetAppVars, func(context.Context, eventbus.Event) any {
			return s.Snapshot()
		})
	}
	slog.Debug("settings loaded", "path", path, "keys", len(values))
	return s, nil
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a shallow copy of all settings.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Set stores value under key, persists the store and emits a change event.
// The in-memory value is rolled back if persisting fails.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("settings: empty key")
	}

	s.mu.Lock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := jsonfile.Save(s.path, jsonfile.Tagged(s.values)); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		s.mu.Unlock()
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(ctx, eventbus.TopicSettingChanged, Changed{Key: key, Value: value, Previous: prev})
	}
	return nil
}

// String returns the value of key as a string, or def when unset.
func (s *Store) String(key, def string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns the value of key as an int, or def when unset or not numeric.
func (s *Store) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if i, ok := AsInt(v); ok {
		return i
	}
	return def
}

// Float returns the value of key as a float64, or def when unset or not
// numeric.
func (s *Store) Float(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if f, ok := AsFloat(v); ok {
		return f
	}
	return def
}

// Bool returns the value of key as a bool, or def when unset. Strings
// "true"/"false" and numbers (non-zero is true) are accepted.
func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	default:
		if f, ok := AsFloat(v); ok {
			return f != 0
		}
	}
	return def
}

// Duration returns the value of key interpreted as seconds, or def when
// unset. Duration strings such as "1500ms" are accepted as well.
func (s *Store) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		if d, err := time.ParseDuration(str); err == nil {
			return d
		}
	}
	if f, ok := AsFloat(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// AsFloat converts the numeric kinds produced by JSON decoding (and numeric
// strings) to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt converts integral numbers to int. Fractional values are rejected.
func AsInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case int32:
		return int(x), true
	}
	f, ok := AsFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
