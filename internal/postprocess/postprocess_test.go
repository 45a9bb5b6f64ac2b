package postprocess

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/history"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/prompt"
	"github.com/MrWong99/hearth/pkg/types"
)

func TestProcess_Deltas(t *testing.T) {
	t.Parallel()
	tgt := newTarget(t)
	before := attrs(tgt.Character)

	res, err := New(nil, nil).Process(context.Background(), tgt, "hello <p>1.0,0.5,-0.25</p>")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want %q", res.Text, "hello")
	}
	after := attrs(tgt.Character)
	want := [3]float64{before[0] + 1, before[1] + 0.5, before[2] - 0.25}
	if after != want {
		t.Errorf("attributes = %v, want %v", after, want)
	}
	if res.Deltas == nil || *res.Deltas != [3]float64{1, 0.5, -0.25} {
		t.Errorf("deltas = %v", res.Deltas)
	}
}

func TestProcess_MemoryRoundTrip(t *testing.T) {
	t.Parallel()
	tgt := newTarget(t)
	p := New(nil, nil)
	ctx := context.Background()

	res, err := p.Process(ctx, tgt, "ok <+memory_high>remember X</memory>")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("text = %q", res.Text)
	}
	entries := tgt.Memory.Entries()
	if len(entries) != 1 || entries[0].Priority != memory.High || entries[0].Content != "remember X" {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(tgt.Memory.Formatted(), "remember X") {
		t.Errorf("formatted memory misses entry: %s", tgt.Memory.Formatted())
	}

	n := entries[0].Number
	if _, err := p.Process(ctx, tgt, "<#memory>1|critical|remember Y</memory>fine"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if e, _ := tgt.Memory.Get(n); e.Content != "remember Y" || e.Priority != memory.Critical {
		t.Errorf("after update: %+v", e)
	}

	res, err = p.Process(ctx, tgt, "gone <-memory>1</memory>")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(tgt.Memory.Entries()) != 0 || !slices.Equal(res.MemoriesDeleted, []int{1}) {
		t.Errorf("entries after delete = %+v, deleted %v", tgt.Memory.Entries(), res.MemoriesDeleted)
	}
}

func TestProcess_MemoryTags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        string
		wantText  string
		wantCount int
		malformed int
	}{
		{"default priority", "<+memory>likes tea</memory>", "", 1, 0},
		{"unknown priority kept", "a <+memory_urgent>x</memory>", "a <+memory_urgent>x</memory>", 0, 1},
		{"empty content kept", "<+memory> </memory>", "<+memory> </memory>", 0, 1},
		{"two adds", "<+memory>a</memory> and <+memory_low>b</memory>", "and", 2, 0},
		{"range delete of missing entries", "x <-memory>5-7</memory>", "x", 0, 0},
		{"bad delete kept", "x <-memory>all</memory>", "x <-memory>all</memory>", 0, 1},
		{"update without number kept", "<#memory>only text</memory>", "<#memory>only text</memory>", 0, 1},
		{"update unknown entry removed", "<#memory>9|text</memory>", "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tgt := newTarget(t)
			res, err := New(nil, nil).Process(context.Background(), tgt, tt.in)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if res.Text != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text, tt.wantText)
			}
			if got := len(tgt.Memory.Entries()); got != tt.wantCount {
				t.Errorf("entries = %d, want %d", got, tt.wantCount)
			}
			if len(res.Malformed) != tt.malformed {
				t.Errorf("malformed = %v", res.Malformed)
			}
		})
	}
}

// TestProcess_MalformedDeltasUntouched checks that a bad tag changes nothing.
func TestProcess_MalformedDeltasUntouched(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"<p>1,2</p>", "<p>a,b,c</p>", "<p>1,2,3,4</p>", "<p>NaN,0,0</p>", "<p>Inf,0,0</p>", "<p>0,0,-inf</p>"} {
		tgt := newTarget(t)
		before := attrs(tgt.Character)
		res, _ := New(nil, nil).Process(context.Background(), tgt, in)
		if res.Text != in {
			t.Errorf("%s: text = %q", in, res.Text)
		}
		if attrs(tgt.Character) != before {
			t.Errorf("%s: attributes changed", in)
		}
	}
}

func TestProcess_NonFiniteDeltasKeepHistorySaveable(t *testing.T) {
	t.Parallel()
	tgt := newTarget(t)

	res, err := New(nil, nil).Process(context.Background(), tgt, "hi <p>NaN,0,0</p>")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deltas != nil {
		t.Errorf("deltas = %v, want none", *res.Deltas)
	}
	if a := tgt.Character.Attribute(character.Attitude); a < 0 || a > 100 {
		t.Errorf("attitude = %v, outside [0, 100]", a)
	}

	store := history.Open(filepath.Join(t.TempDir(), "history.json"))
	if err := store.Append(tgt.Character.Vars(), types.Message{Role: types.RoleAssistant, Content: res.Text}); err != nil {
		t.Errorf("Append: %v", err)
	}
}

func TestProcess_Idempotent(t *testing.T) {
	t.Parallel()
	tgt := newTarget(t)
	p := New(nil, nil)
	in := "hi <+memory>a</memory> <p>1,1,1</p> <p>bad</p> <StartGame id=\"chess\"/>"

	first, err := p.Process(context.Background(), tgt, in)
	if err != nil {
		t.Fatal(err)
	}
	mem, vars := len(tgt.Memory.Entries()), attrs(tgt.Character)

	second, err := p.Process(context.Background(), tgt, first.Text)
	if err != nil {
		t.Fatal(err)
	}
	if second.Text != first.Text {
		t.Errorf("second pass changed text: %q -> %q", first.Text, second.Text)
	}
	if len(tgt.Memory.Entries()) != mem || attrs(tgt.Character) != vars {
		t.Error("second pass applied effects again")
	}
}

func TestProcess_GameTags(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	var got []string
	bus.Subscribe(eventbus.TopicGameStart, func(_ context.Context, ev eventbus.Event) any {
		got = append(got, "start:"+ev.Data.(GameEvent).GameID)
		return nil
	})
	tgt := newTarget(t)
	p := New(nil, bus)

	res, _ := p.Process(context.Background(), tgt, `Let's play! <StartGame id="chess"/>`)
	if res.Text != "Let's play!" {
		t.Errorf("text = %q", res.Text)
	}
	if playing, id := tgt.Character.Game(); !playing || id != "chess" {
		t.Errorf("game = %v %q", playing, id)
	}

	p.Process(context.Background(), tgt, `Good game. <EndGame id="chess" />`)
	if playing, _ := tgt.Character.Game(); playing {
		t.Error("game should have ended")
	}
	_ = bus.Close(context.Background())
	if len(got) != 1 || got[0] != "start:chess" {
		t.Errorf("events = %v", got)
	}
}

func TestProcess_CharacterSwitch(t *testing.T) {
	t.Parallel()
	reg, err := character.NewRegistry(t.TempDir(), []character.Definition{
		{ID: "Crazy", Name: "Crazy Mita"},
		{ID: "Kind", Name: "Kind Mita", ShortName: "Kind"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tgt := newTarget(t)
	p := New(reg, nil)

	res, _ := p.Process(context.Background(), tgt, "Bye <Character>kind mita</Character>")
	if res.Text != "Bye" || res.SwitchTo != "Kind" {
		t.Errorf("text %q switch %q", res.Text, res.SwitchTo)
	}
	if got := tgt.Character.TakePendingSwitch(); got != "Kind" {
		t.Errorf("pending switch = %q", got)
	}

	res, _ = p.Process(context.Background(), tgt, "<Character>Xylophone</Character>")
	if res.SwitchTo != "" || len(res.Malformed) != 1 {
		t.Errorf("unknown name should be kept: %+v", res)
	}
}

func TestProcess_RulesRunFirst(t *testing.T) {
	t.Parallel()
	rules, err := prompt.ParseRules([]byte(`
rules:
  - name: hide-thoughts
    pattern: '(?s)<think>.*?</think>'
    replace: ''
  - name: tag-alias
    pattern: '<mood>(.*?)</mood>'
    replace: '<p>$1</p>'
`))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	tgt := newTarget(t)
	tgt.Rules = rules

	res, _ := New(nil, nil).Process(context.Background(), tgt, "<think>plan</think>Hi <mood>2,0,0</mood>")
	if res.Text != "Hi" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Deltas == nil || res.Deltas[0] != 2 {
		t.Errorf("rule output was not processed as a tag: %v", res.Deltas)
	}
}

func TestProcess_IncrementsRememberCount(t *testing.T) {
	t.Parallel()
	tgt := newTarget(t)
	p := New(nil, nil)
	p.Process(context.Background(), tgt, "one")
	p.Process(context.Background(), tgt, "two")
	if v, _ := tgt.Character.Var(character.VarRememberCount); v != int64(2) {
		t.Errorf("count = %#v", v)
	}
}

func TestParseUpdate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		n       int
		prio    memory.Priority
		content string
		ok      bool
	}{
		{"3|new text", 3, "", "new text", true},
		{"3|high|new text", 3, memory.High, "new text", true},
		{"3|a|b", 3, "", "a|b", true},
		{" 4 | low | x ", 4, memory.Low, "x", true},
		{"x|text", 0, "", "", false},
		{"3|", 0, "", "", false},
		{"3", 0, "", "", false},
	}
	for _, tt := range tests {
		n, prio, content, ok := parseUpdate(tt.in)
		if n != tt.n || prio != tt.prio || content != tt.content || ok != tt.ok {
			t.Errorf("parseUpdate(%q) = %d %q %q %v", tt.in, n, prio, content, ok)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTarget(t *testing.T) Target {
	t.Helper()
	dir := t.TempDir()
	mem, err := memory.Open(filepath.Join(dir, "memories.json"))
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	return Target{
		Character: character.New(character.Definition{ID: "Crazy", Name: "Crazy Mita"}, dir),
		Memory:    mem,
	}
}

func attrs(c *character.Character) [3]float64 {
	return [3]float64{
		c.Attribute(character.Attitude),
		c.Attribute(character.Boredom),
		c.Attribute(character.Stress),
	}
}
