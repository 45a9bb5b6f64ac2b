package memory

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Crazy.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestStore_AddUpdateDeleteRoundTrip(t *testing.T) {
	t.Parallel()
	s, path := openTemp(t)

	a, err := s.Add(High, "player likes cats")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, _ := s.Add("", "player is called Alex")
	c, _ := s.Add(Low, "it rained")

	if a.Number != 1 || b.Number != 2 || c.Number != 3 {
		t.Fatalf("numbers = %d,%d,%d; want 1,2,3", a.Number, b.Number, c.Number)
	}
	if b.Priority != Normal {
		t.Errorf("default priority = %q, want normal", b.Priority)
	}

	if err := s.Update(2, Critical, "player is called Alexandra"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	removed, err := s.Delete(1, 99)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !slices.Equal(removed, []int{1}) {
		t.Errorf("removed = %v, want [1]", removed)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reloaded.Entries()
	if len(got) != 2 {
		t.Fatalf("entries = %v", got)
	}
	if got[0].Number != 2 || got[0].Priority != Critical || got[0].Content != "player is called Alexandra" {
		t.Errorf("entry #2 = %+v", got[0])
	}

	// Numbers are never reused, even after deleting the newest entry.
	if _, err := reloaded.Delete(3); err != nil {
		t.Fatal(err)
	}
	d, _ := reloaded.Add(Normal, "new fact")
	if d.Number != 4 {
		t.Errorf("next number = %d, want 4", d.Number)
	}
}

func TestStore_UpdateUnknown(t *testing.T) {
	t.Parallel()
	s, _ := openTemp(t)
	if err := s.Update(7, "", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
	if _, err := s.Add(Normal, "   "); err == nil {
		t.Error("Add accepted empty content")
	}
}

func TestStore_FormattedIsDeterministic(t *testing.T) {
	t.Parallel()
	s, _ := openTemp(t)

	if got := s.Formatted(); !strings.Contains(got, "(empty)") {
		t.Errorf("empty Formatted = %q", got)
	}

	_, _ = s.Add(High, "alpha")
	_, _ = s.Add(Low, "beta")

	first := s.Formatted()
	if first != s.Formatted() {
		t.Error("Formatted is not stable")
	}
	for _, want := range []string{"N1. [high] alpha", "N2. [low] beta"} {
		if !strings.Contains(first, want) {
			t.Errorf("Formatted missing %q:\n%s", want, first)
		}
	}
	if strings.Index(first, "alpha") > strings.Index(first, "beta") {
		t.Error("entries not ordered by number")
	}
}

func TestParseNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec    string
		want    []int
		wantErr bool
	}{
		{spec: "3", want: []int{3}},
		{spec: "1,4", want: []int{1, 4}},
		{spec: "2-5", want: []int{2, 3, 4, 5}},
		{spec: " 1, 3-4 ", want: []int{1, 3, 4}},
		{spec: "5-2", wantErr: true},
		{spec: "x", wantErr: true},
		{spec: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseNumbers(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNumbers(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("ParseNumbers(%q) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	if p, ok := ParsePriority("HIGH"); !ok || p != High {
		t.Errorf("ParsePriority(HIGH) = %q, %v", p, ok)
	}
	if _, ok := ParsePriority("urgent"); ok {
		t.Error("ParsePriority accepted unknown priority")
	}
}
