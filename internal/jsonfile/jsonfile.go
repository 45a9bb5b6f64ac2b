// Package jsonfile reads and atomically writes the JSON documents Hearth keeps
// on disk (settings, histories and memories).
//
// Writes go to a temporary file in the destination directory which is synced
// and renamed over the target, so a crash never leaves a torn document behind.
// Numbers are decoded with [json.Decoder.UseNumber] and normalised to int64
// when written without a fraction and float64 otherwise. [Tagged] marks
// integral floats with a trailing ".0" before saving, so values survive a
// save/load cycle with their kind intact.
package jsonfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Load decodes the JSON document at path into v. It reports found=false with
// a nil error when the file does not exist.
func Load(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jsonfile: read %q: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return true, fmt.Errorf("jsonfile: decode %q: %w", path, err)
	}
	return true, nil
}

// Save encodes v as indented JSON and atomically replaces the file at path.
// Parent directories are created as needed.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: encode %q: %w", path, err)
	}
	return WriteAtomic(path, append(data, '\n'))
}

// WriteAtomic replaces the file at path with data through a synced
// temporary file. Parent directories are created as needed.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonfile: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("jsonfile: create temp for %q: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonfile: close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("jsonfile: replace %q: %w", path, err)
	}
	return nil
}

// Normalize walks a value produced by a UseNumber decoder and replaces every
// [json.Number] with an int64 (integral literals) or a float64.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return string(x)
	case map[string]any:
		for k, e := range x {
			x[k] = Normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = Normalize(e)
		}
		return x
	default:
		return v
	}
}

// NormalizeMap is [Normalize] for the common top-level object case. A nil map
// yields an empty, non-nil map.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	for k, v := range m {
		m[k] = Normalize(v)
	}
	return m
}

// Tagged returns a deep copy of m in which every integral float64 is
// replaced by a [json.Number] carrying an explicit fraction ("61.0"), so
// that [Normalize] restores it as a float64 rather than an int64.
func Tagged(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = tag(v)
	}
	return out
}

func tag(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) || x != math.Trunc(x) {
			return x
		}
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s)
	case map[string]any:
		return Tagged(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = tag(e)
		}
		return out
	default:
		return v
	}
}
