package character

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCharacter_Adjust(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  map[string]any
		attr   Attribute
		delta  float64
		want   float64
	}{
		{name: "plain increase", attr: Attitude, delta: 2.5, want: 62.5},
		{name: "delta limited to max step", attr: Attitude, delta: 25, want: 66},
		{name: "negative delta limited", attr: Boredom, delta: -40, want: 4},
		{name: "delta rounded to two decimals", attr: Stress, delta: 0.333333, want: 5.33},
		{
			name:  "clamped at max",
			setup: map[string]any{"attitude": 98.0},
			attr:  Attitude, delta: 5, want: 100,
		},
		{
			name:  "clamped at min",
			setup: map[string]any{"stress": 1.0},
			attr:  Stress, delta: -3, want: 0,
		},
		{
			name:  "inverted bounds disable clamping",
			setup: map[string]any{"attitude": 50.0, "attitude_min": 80.0, "attitude_max": 20.0},
			attr:  Attitude, delta: 6, want: 56,
		},
		{
			name:  "null bound means unbounded",
			setup: map[string]any{"attitude": 99.0, "attitude_max": nil},
			attr:  Attitude, delta: 6, want: 105,
		},
		{
			name:  "integer bounds are honoured",
			setup: map[string]any{"boredom": int64(9), "boredom_max": int64(10)},
			attr:  Boredom, delta: 4, want: 10,
		},
		{name: "NaN delta ignored", attr: Attitude, delta: math.NaN(), want: 60},
		{name: "infinite delta ignored", attr: Stress, delta: math.Inf(1), want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := New(Definition{ID: "Crazy"}, t.TempDir())
			c.Restore(tt.setup)
			if got := c.Adjust(tt.attr, tt.delta); got != tt.want {
				t.Errorf("Adjust = %v, want %v", got, tt.want)
			}
			if got := c.Attribute(tt.attr); got != tt.want {
				t.Errorf("Attribute = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCharacter_LoadSeedsAndReset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seed := `{"attitude": 30, "current_fsm_state": "Playing", "secret": "cake"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(Definition{ID: "Kind", Name: "Kind Mita"}, dir)
	if err := c.LoadSeeds(); err != nil {
		t.Fatalf("LoadSeeds: %v", err)
	}
	if got := c.Attribute(Attitude); got != 30 {
		t.Errorf("attitude = %v, want 30 from seeds", got)
	}
	if got := c.FSMState(); got != "Playing" {
		t.Errorf("FSMState = %q", got)
	}

	c.Set("secret", "pie")
	c.Adjust(Attitude, 5)
	c.Reset()

	if v, _ := c.Var("secret"); v != "cake" {
		t.Errorf("secret after Reset = %v, want cake", v)
	}
	if got := c.Attribute(Attitude); got != 30 {
		t.Errorf("attitude after Reset = %v, want 30", got)
	}
}

func TestCharacter_GameAndSwitch(t *testing.T) {
	t.Parallel()
	c := New(Definition{ID: "Crazy"}, t.TempDir())

	c.SetGame("chess", true)
	if playing, id := c.Game(); !playing || id != "chess" {
		t.Errorf("Game() = %v, %q", playing, id)
	}
	c.SetGame("chess", false)
	if playing, id := c.Game(); playing || id != "" {
		t.Errorf("Game() after end = %v, %q", playing, id)
	}

	c.ScheduleSwitch("Kind")
	if got := c.TakePendingSwitch(); got != "Kind" {
		t.Errorf("TakePendingSwitch = %q", got)
	}
	if got := c.TakePendingSwitch(); got != "" {
		t.Errorf("second TakePendingSwitch = %q, want empty", got)
	}

	if n := c.Increment(VarRememberCount); n != 1 {
		t.Errorf("Increment = %d, want 1", n)
	}
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{" False ", false},
		{"42", int64(42)},
		{"-3.5", -3.5},
		{"null", nil},
		{`"quoted"`, "quoted"},
		{"'single'", "single"},
		{"plain text", "plain text"},
		{"NaN", "NaN"},
		{"-Inf", "-Inf"},
	}
	for _, tt := range tests {
		if got := Coerce(tt.in); got != tt.want {
			t.Errorf("Coerce(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), []Definition{
		{ID: "Crazy", Name: "Crazy Mita", ShortName: "Mita"},
		{ID: "Cappy", Name: "Cap Mita", ShortName: "Cappie"},
		{ID: "GameMaster", Name: "Game Master"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tests := []struct {
		name   string
		query  string
		wantID string
		wantOK bool
	}{
		{"exact id", "Crazy", "Crazy", true},
		{"name case-insensitive", "game master", "GameMaster", true},
		{"short name", "cappie", "Cappy", true},
		{"misspelled name", "Crazzy Mitta", "Crazy", true},
		{"space dropped", "gamemaster", "GameMaster", true},
		{"unknown", "Zorblax", "", false},
		{"empty", "  ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, ok := reg.Resolve(tt.query)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.query, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry(t.TempDir(), []Definition{{ID: "A"}, {ID: "A"}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestWatcher_ReportsChangedCharacter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, id := range []string{"Crazy", "Kind"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	changed := make(chan string, 4)
	w, err := NewWatcher(root, []string{"Crazy", "Kind"}, func(id string) { changed <- id },
		WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})

	path := filepath.Join(root, "Kind", "main_template.txt")
	for i := range 3 {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case id := <-changed:
		if id != "Kind" {
			t.Errorf("changed = %q, want Kind", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}
