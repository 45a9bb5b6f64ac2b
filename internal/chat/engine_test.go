package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/compress"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/history"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/prompt"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/internal/task"
	"github.com/MrWong99/hearth/internal/tools"
	toolsmock "github.com/MrWong99/hearth/internal/tools/mock"
	"github.com/MrWong99/hearth/internal/voiceover"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	llmmock "github.com/MrWong99/hearth/pkg/provider/llm/mock"
	"github.com/MrWong99/hearth/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTurn_AppliesTagsAndRecordsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "hello <p>1.0,0.5,-0.25</p>"}}})

	out, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if out.Text != "hello" {
		t.Errorf("text = %q, want hello", out.Text)
	}
	if out.Provider != llm.KindOpenAI {
		t.Errorf("provider = %q", out.Provider)
	}

	c, _ := f.eng.Character("aria")
	for attr, want := range map[character.Attribute]float64{
		character.Attitude: 61,
		character.Boredom:  10.5,
		character.Stress:   4.75,
	} {
		if got := c.Attribute(attr); got != want {
			t.Errorf("%s = %v, want %v", attr, got, want)
		}
	}

	d := f.history(t, "aria")
	if len(d.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(d.Messages))
	}
	if d.Messages[0].Role != types.RoleUser || d.Messages[0].Content != "hi" {
		t.Errorf("user message = %+v", d.Messages[0])
	}
	if d.Messages[1].Role != types.RoleAssistant || d.Messages[1].Content != "hello" {
		t.Errorf("assistant message = %+v", d.Messages[1])
	}
	if got, _ := settings.AsFloat(d.Variables["attitude"]); got != 61 {
		t.Errorf("persisted attitude = %v, want 61", d.Variables["attitude"])
	}

	req := f.gen.LastRequest()
	if req.Model != "gpt-4o" {
		t.Errorf("model = %q", req.Model)
	}
	if !strings.Contains(req.Messages[0].Content, "You are Aria.") {
		t.Errorf("persona missing from %q", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[1].Content, "LongMemory<") {
		t.Errorf("memory block missing from %q", req.Messages[1].Content)
	}
	if !strings.Contains(req.Messages[0].Content, "2026-03-01 18:30 Sunday") {
		t.Errorf("SYSTEM_DATETIME not rendered: %q", req.Messages[0].Content)
	}
}

func TestTurn_ResolvesTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "Good evening."}}})

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria", UserInput: "evening"})
	if _, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "evening"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	got, err := f.tasks.Get(tk.UID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.Success || got.Result == nil || got.Result.Text != "Good evening." {
		t.Errorf("task = %+v", got)
	}
}

func TestTurn_StreamsIntoTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{
		cfg:     func(c *Config) { c.Stream = true },
		replies: []llmmock.Reply{{Text: "Hi there", Chunks: []string{"Hi", " there"}}},
	})
	chunks := f.collect(eventbus.TopicStreamChunk)

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	if _, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "hey"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	got, _ := f.tasks.Get(tk.UID)
	if got.PartialOutput != "Hi there" {
		t.Errorf("partial output = %q", got.PartialOutput)
	}
	waitFor(t, func() bool { return chunks.len() == 2 })
}

func TestTurn_RetryDiscardsFailedStream(t *testing.T) {
	t.Parallel()
	transient := &llm.Error{Kind: llm.KindTransient, Provider: llm.KindOpenAI, Status: 502, Err: errors.New("stream broke")}
	f := newFixture(t, fixtureOptions{
		cfg: func(c *Config) { c.Stream = true },
		replies: []llmmock.Reply{
			{Err: transient, Chunks: []string{"abc"}},
			{Text: "hello", Chunks: []string{"hel", "lo"}},
		},
	})
	resets := f.collect(eventbus.TopicStreamReset)

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	if _, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "hey"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	got, _ := f.tasks.Get(tk.UID)
	if got.PartialOutput != "hello" {
		t.Errorf("partial output = %q, want %q", got.PartialOutput, "hello")
	}
	waitFor(t, func() bool { return resets.len() == 1 })
	if r, ok := resets.all()[0].(StreamReset); !ok || r.TaskUID != tk.UID || r.Attempt != 2 {
		t.Errorf("reset event = %#v", resets.all()[0])
	}
}

func TestTurn_ToolDepthExceeded(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{{ID: "c1", Name: "roll_dice", Arguments: `{"expression":"1d6"}`}},
	}}
	backend := llm.NewBackend(llm.KindOpenAI, 0,
		func(*llm.Request) bool { return true },
		func(context.Context, *llm.Request) (llm.Provider, error) { return prov, nil })
	runner := &toolsmock.Runner{Results: map[string]types.ToolResult{"roll_dice": {Content: `{"total":4}`}}}

	f := newFixture(t, fixtureOptions{
		cfg:   func(c *Config) { c.ToolsOn = true; c.Attempts = 1 },
		gens:  []llm.Generator{backend},
		tools: &fakeToolbox{runner: runner},
	})

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	_, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "roll"})
	if !errors.Is(err, llm.ErrToolDepthExceeded) {
		t.Fatalf("err = %v, want ErrToolDepthExceeded", err)
	}
	if n := prov.Calls(); n != llm.MaxToolDepth+1 {
		t.Errorf("model calls = %d, want %d", n, llm.MaxToolDepth+1)
	}
	if n := len(runner.Calls()); n != llm.MaxToolDepth {
		t.Errorf("tool calls = %d, want %d", n, llm.MaxToolDepth)
	}
	got, _ := f.tasks.Get(tk.UID)
	if got.Status != task.Failed {
		t.Errorf("task status = %s, want FAILED", got.Status)
	}
	if d := f.history(t, "aria"); len(d.Messages) != 0 {
		t.Errorf("history has %d messages, want none", len(d.Messages))
	}
}

func TestTurn_Retries(t *testing.T) {
	t.Parallel()

	transient := &llm.Error{Kind: llm.KindTransient, Provider: llm.KindOpenAI, Status: 503, Err: errors.New("unavailable")}
	auth := &llm.Error{Kind: llm.KindAuth, Provider: llm.KindOpenAI, Status: 401, Err: errors.New("bad key")}

	tests := []struct {
		name       string
		replies    []llmmock.Reply
		wantCalls  int
		wantText   string
		wantReason string
	}{
		{
			name:      "transient then success",
			replies:   []llmmock.Reply{{Err: transient}, {Text: "made it"}},
			wantCalls: 2,
			wantText:  "made it",
		},
		{
			name:       "transient until exhausted",
			replies:    []llmmock.Reply{{Err: transient}},
			wantCalls:  3,
			wantReason: string(llm.KindTransient),
		},
		{
			name:       "auth is not retried",
			replies:    []llmmock.Reply{{Err: auth}, {Text: "unreachable"}},
			wantCalls:  1,
			wantReason: string(llm.KindAuth),
		},
		{
			name:       "empty answer is malformed",
			replies:    []llmmock.Reply{{Text: "  "}},
			wantCalls:  3,
			wantReason: string(llm.KindMalformed),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureOptions{replies: tt.replies})
			attempts := f.collect(eventbus.TopicFailedAttempt)
			failures := f.collect(eventbus.TopicFailedResponse)

			out, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"})
			if got := f.gen.CallCount(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Turn: %v", err)
				}
				if out.Text != tt.wantText {
					t.Errorf("text = %q, want %q", out.Text, tt.wantText)
				}
				waitFor(t, func() bool { return attempts.len() == tt.wantCalls-1 })
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if r := asFailure(err).reason; r != tt.wantReason {
				t.Errorf("reason = %q, want %q", r, tt.wantReason)
			}
			waitFor(t, func() bool { return attempts.len() == tt.wantCalls && failures.len() == 1 })
			fr := failures.all()[0].(FailedResponse)
			if fr.Error != tt.wantReason || fr.Attempts != tt.wantCalls {
				t.Errorf("failed response = %+v", fr)
			}
			if d := f.history(t, "aria"); len(d.Messages) != 0 {
				t.Errorf("history has %d messages after failure", len(d.Messages))
			}
		})
	}
}

func TestTurn_CancelLeavesHistoryUntouched(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 1)
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "too late <p>5,5,5</p>"}}, block: block, started: started})

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "hi"})
		done <- err
	}()
	recv(t, started)

	if err := f.tasks.Cancel(tk.UID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not stop after cancel")
	}

	got, _ := f.tasks.Get(tk.UID)
	if got.Status != task.Cancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if d := f.history(t, "aria"); len(d.Messages) != 0 {
		t.Errorf("history has %d messages after cancel", len(d.Messages))
	}
	c, _ := f.eng.Character("aria")
	if c.Attribute(character.Attitude) != 60 {
		t.Errorf("attitude changed to %v", c.Attribute(character.Attitude))
	}
}

func TestTurn_SerialisedPerCharacter(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(t, fixtureOptions{
		characters: []string{"aria", "bram"},
		replies:    []llmmock.Reply{{Text: "ok"}},
		block:      block,
		started:    started,
	})

	var wg sync.WaitGroup
	turn := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.eng.Turn(context.Background(), Request{Character: id, Type: task.TypeChat, UserInput: "hi"}); err != nil {
				t.Errorf("Turn %s: %v", id, err)
			}
		}()
	}

	turn("aria")
	recv(t, started)
	turn("aria")
	select {
	case <-started:
		t.Fatal("second turn of the same character started while the first was running")
	case <-time.After(100 * time.Millisecond):
	}

	turn("bram")
	recv(t, started)

	close(block)
	recv(t, started)
	wg.Wait()

	if d := f.history(t, "aria"); len(d.Messages) != 4 {
		t.Errorf("aria history has %d messages, want 4", len(d.Messages))
	}
	if d := f.history(t, "bram"); len(d.Messages) != 2 {
		t.Errorf("bram history has %d messages, want 2", len(d.Messages))
	}
}

func TestTurn_Compression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		destructive bool
		wantStored  int
	}{
		{name: "in memory", wantStored: 12},
		{name: "destructive", destructive: true, wantStored: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureOptions{
				cfg: func(c *Config) {
					c.Compression = compress.Policy{MessageLimit: 6, KeepRecent: 2, Destructive: tt.destructive}
				},
				replies: []llmmock.Reply{{Text: "they chatted"}, {Text: "answer"}},
			})
			h, _ := f.eng.History("aria")
			if err := h.Save(history.Data{Messages: dialogue(5)}); err != nil {
				t.Fatalf("seed history: %v", err)
			}

			if _, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "next"}); err != nil {
				t.Fatalf("Turn: %v", err)
			}
			if n := f.gen.CallCount(); n != 2 {
				t.Fatalf("model calls = %d, want summary plus answer", n)
			}
			sent := f.gen.LastRequest().Messages
			if !hasSummary(sent) {
				t.Error("prompt lacks the summary message")
			}

			d := f.history(t, "aria")
			if len(d.Messages) != tt.wantStored {
				t.Errorf("stored %d messages, want %d", len(d.Messages), tt.wantStored)
			}
			if got := hasSummary(d.Messages); got != tt.destructive {
				t.Errorf("stored summary = %v, want %v", got, tt.destructive)
			}
		})
	}
}

func TestTurn_PresetOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "ok"}}, withSettings: true})

	if err := f.settings.Set(context.Background(), ProviderKey("aria"), "local"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	req := f.gen.LastRequest()
	if req.Model != "llama3" || req.BaseURL != "http://127.0.0.1:8080" || !req.MakeRequest {
		t.Errorf("request = model %q base %q make %v", req.Model, req.BaseURL, req.MakeRequest)
	}
}

func TestUpdateConfig_SwitchesDefaultPreset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "one"}, {Text: "two"}}})

	if _, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := f.gen.LastRequest().Model; got != "gpt-4o" {
		t.Fatalf("model before update = %q, want gpt-4o", got)
	}

	f.eng.UpdateConfig(Config{
		DefaultPreset: "local",
		Presets: map[string]Preset{
			"local": {Model: "llama3", BaseURL: "http://127.0.0.1:8080", MakeRequest: true},
		},
		AttemptDelay: time.Millisecond,
	})
	if _, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "again"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := f.gen.LastRequest().Model; got != "llama3" {
		t.Errorf("model after update = %q, want llama3", got)
	}
}

func TestTurn_IdleAndSystemInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "Still there?"}}})

	_, err := f.eng.Turn(context.Background(), Request{
		Character:   "aria",
		Type:        task.TypeIdle,
		SystemInput: "The player opened a chest.",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	msgs := f.gen.LastRequest().Messages
	n := len(msgs)
	if msgs[n-2].Role != types.RoleSystem || msgs[n-2].Content != "The player opened a chest." {
		t.Errorf("system info message = %+v", msgs[n-2])
	}
	if msgs[n-1].Role != types.RoleUser || msgs[n-1].Content != DefaultIdlePrompt {
		t.Errorf("idle message = %+v", msgs[n-1])
	}
}

func TestTurn_UnknownCharacter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	failures := f.collect(eventbus.TopicFailedResponse)

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "nobody"})
	_, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "nobody", Type: task.TypeChat})
	if !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("err = %v, want ErrUnknownCharacter", err)
	}
	got, _ := f.tasks.Get(tk.UID)
	if got.Status != task.Failed || got.Error != "unknown character" {
		t.Errorf("task = %+v", got)
	}
	waitFor(t, func() bool { return failures.len() == 1 })
}

func TestTurn_CharacterSwitch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{characters: []string{"aria", "bram"}, replies: []llmmock.Reply{{Text: "ok"}}})
	switched := f.collect(eventbus.TopicCharacterSwitched)

	aria, _ := f.eng.Character("aria")
	aria.ScheduleSwitch("bram")
	out, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if out.Character != "bram" {
		t.Errorf("answered by %q, want bram", out.Character)
	}
	if d := f.history(t, "bram"); len(d.Messages) != 2 {
		t.Errorf("bram history has %d messages", len(d.Messages))
	}
	waitFor(t, func() bool { return switched.len() == 1 })
	if s := switched.all()[0].(Switched); s.From != "aria" || s.To != "bram" {
		t.Errorf("switched = %+v", s)
	}
}

func TestTurn_Voiceover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		reply    func(voiceover.Job) (string, any)
		wantPath string
	}{
		{
			name: "ready",
			reply: func(j voiceover.Job) (string, any) {
				return eventbus.TopicVoiceReady, voiceover.Ready{ID: j.ID, TaskUID: j.TaskUID, Character: j.Character, Path: "/voice/" + j.Character + ".wav"}
			},
			wantPath: "/voice/aria.wav",
		},
		{
			name: "failed",
			reply: func(j voiceover.Job) (string, any) {
				return eventbus.TopicVoiceFailed, voiceover.Failed{ID: j.ID, Error: "tts down"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureOptions{
				cfg:     func(c *Config) { c.Voice = true; c.VoiceWaitTimeout = 3 * time.Second },
				replies: []llmmock.Reply{{Text: "Listen."}},
			})
			jobs := make(chan voiceover.Job, 1)
			f.bus.Subscribe(eventbus.TopicVoiceJob, func(ctx context.Context, ev eventbus.Event) any {
				job := ev.Data.(voiceover.Job)
				jobs <- job
				topic, payload := tt.reply(job)
				f.bus.Emit(ctx, topic, payload)
				return nil
			})

			tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
			out, err := f.eng.Turn(context.Background(), Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "speak"})
			if err != nil {
				t.Fatalf("Turn: %v", err)
			}
			job := <-jobs
			if job.Text != "Listen." || job.Voice.ID != "voice-aria" || job.TaskUID != tk.UID {
				t.Errorf("job = %+v", job)
			}
			if out.AudioPath != tt.wantPath {
				t.Errorf("audio path = %q, want %q", out.AudioPath, tt.wantPath)
			}
			got, _ := f.tasks.Get(tk.UID)
			if got.Status != task.Success || got.Result.AudioPath != tt.wantPath {
				t.Errorf("task = %+v", got)
			}
		})
	}
}

func TestTurn_VoiceWaitReleasesCharacter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{
		cfg:     func(c *Config) { c.Voice = true; c.VoiceWaitTimeout = 5 * time.Second },
		replies: []llmmock.Reply{{Text: "Listen."}},
	})
	jobs := make(chan voiceover.Job, 1)
	f.bus.Subscribe(eventbus.TopicVoiceJob, func(_ context.Context, ev eventbus.Event) any {
		jobs <- ev.Data.(voiceover.Job)
		return nil
	})

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "speak"})
		done <- result{out, err}
	}()

	var job voiceover.Job
	select {
	case job = <-jobs:
	case <-time.After(5 * time.Second):
		t.Fatal("no voice job")
	}
	s, err := f.eng.slot("aria")
	if err != nil {
		t.Fatal(err)
	}
	if !s.lock.TryAcquire(1) {
		t.Fatal("character still locked while waiting for the voice job")
	}
	s.lock.Release(1)

	f.bus.Emit(context.Background(), eventbus.TopicVoiceReady, voiceover.Ready{ID: job.ID, Character: "aria", Path: "/voice/aria.wav"})
	select {
	case r := <-done:
		if r.err != nil || r.out.AudioPath != "/voice/aria.wav" {
			t.Errorf("Turn = %+v, %v", r.out, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

func TestClearHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "hello <p>3,0,0</p>"}}})

	if _, err := f.eng.Turn(context.Background(), Request{Character: "aria", Type: task.TypeChat, UserInput: "hi"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	mem, _ := f.eng.Memory("aria")
	if _, err := mem.Add(memory.High, "likes tea"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := f.eng.ClearHistory(context.Background(), "aria"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	snap, err := f.eng.Snapshot("aria")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.HistoryLength != 0 || len(snap.Memories) != 0 {
		t.Errorf("snapshot after clear = %+v", snap)
	}
	if got, _ := settings.AsFloat(snap.Character.Variables["attitude"]); got != 60 {
		t.Errorf("attitude = %v, want the default 60", snap.Character.Variables["attitude"])
	}
}

func TestEngine_BusRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "via bus"}}})
	ready := f.collect(eventbus.TopicTextReady)

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	f.bus.Emit(context.Background(), eventbus.TopicSendMessage, Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat, UserInput: "hi"})

	waitFor(t, func() bool { return ready.len() == 1 })
	if tr := ready.all()[0].(TextReady); tr.Text != "via bus" || tr.TaskUID != tk.UID {
		t.Errorf("text ready = %+v", tr)
	}

	res := f.bus.EmitAndWait(context.Background(), eventbus.TopicCharacterSnapshot, "aria", time.Second)
	if len(res) != 1 {
		t.Fatalf("snapshot answers = %d", len(res))
	}
	if snap := res[0].(Snapshot); snap.HistoryLength != 2 {
		t.Errorf("history length = %d, want 2", snap.HistoryLength)
	}
}

func TestEngine_SubmitAfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{replies: []llmmock.Reply{{Text: "ok"}}})
	if err := f.eng.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tk := f.tasks.Create(task.TypeChat, task.Data{Character: "aria"})
	f.eng.Submit(Request{TaskUID: tk.UID, Character: "aria", Type: task.TypeChat})
	got, _ := f.tasks.Get(tk.UID)
	if got.Status != task.Cancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if _, err := f.eng.Turn(context.Background(), Request{Character: "aria"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Turn after Close: %v", err)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type fixtureOptions struct {
	characters   []string
	replies      []llmmock.Reply
	gens         []llm.Generator
	block        chan struct{}
	started      chan struct{}
	tools        Toolbox
	withSettings bool
	cfg          func(*Config)
}

type fixture struct {
	eng      *Engine
	bus      *eventbus.Bus
	tasks    *task.Registry
	settings *settings.Store
	gen      *llmmock.Generator
}

var fixedNow = time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	root := t.TempDir()
	if len(o.characters) == 0 {
		o.characters = []string{"aria"}
	}

	var defs []character.Definition
	for _, id := range o.characters {
		name := strings.ToUpper(id[:1]) + id[1:]
		dir := filepath.Join(root, "Prompts", id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		tmpl := "You are ${character_name}.\nIt is ${SYSTEM_DATETIME}.\n"
		if err := os.WriteFile(filepath.Join(dir, prompt.DefaultMainTemplate), []byte(tmpl), 0o644); err != nil {
			t.Fatal(err)
		}
		defs = append(defs, character.Definition{ID: id, Name: name, Voice: types.VoiceProfile{ID: "voice-" + id}})
	}
	chars, err := character.NewRegistry(filepath.Join(root, "Prompts"), defs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	bus := eventbus.New()
	f := &fixture{bus: bus, tasks: task.New(bus)}
	f.gen = &llmmock.Generator{KindName: llm.KindOpenAI, Replies: o.replies, Block: o.block, Started: o.started}
	gens := o.gens
	if gens == nil {
		gens = []llm.Generator{f.gen}
	}
	if o.withSettings {
		if f.settings, err = settings.Open(filepath.Join(root, "settings.json"), bus); err != nil {
			t.Fatalf("settings: %v", err)
		}
	}

	cfg := Config{
		DefaultPreset: "default",
		Presets: map[string]Preset{
			"default": {Model: "gpt-4o", APIKey: "sk-test"},
			"local":   {Model: "llama3", BaseURL: "http://127.0.0.1:8080", MakeRequest: true},
		},
		AttemptDelay:   time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
	if o.cfg != nil {
		o.cfg(&cfg)
	}

	f.eng, err = New(cfg, Deps{
		Bus:        bus,
		Settings:   f.settings,
		Characters: chars,
		Prompts:    prompt.NewEngine(filepath.Join(root, "Prompts")),
		Router:     llm.NewRouter(gens),
		Tasks:      f.tasks,
		Tools:      o.tools,
	}, Paths{
		Histories: filepath.Join(root, "History"),
		Memories:  filepath.Join(root, "Memories"),
	}, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := f.eng.Close(ctx); err != nil {
			t.Errorf("engine close: %v", err)
		}
		if err := bus.Close(ctx); err != nil {
			t.Errorf("bus close: %v", err)
		}
	})
	return f
}

func (f *fixture) history(t *testing.T, id string) history.Data {
	t.Helper()
	h, ok := f.eng.History(id)
	if !ok {
		t.Fatalf("no history for %s", id)
	}
	d, err := h.Load()
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	return d
}

// collector records the payloads published on a topic.
type collector struct {
	mu   sync.Mutex
	data []any
}

func (f *fixture) collect(topic string) *collector {
	c := &collector{}
	f.bus.Subscribe(topic, func(_ context.Context, ev eventbus.Event) any {
		c.mu.Lock()
		c.data = append(c.data, ev.Data)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *collector) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.data...)
}

type fakeToolbox struct {
	runner *toolsmock.Runner
}

func (b *fakeToolbox) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "roll_dice", Description: "Roll dice."}}
}

func (b *fakeToolbox) Bind(tools.Scope) llm.ToolRunner { return b.runner }

func dialogue(pairs int) []types.Message {
	var msgs []types.Message
	for i := range pairs {
		ts := fixedNow.Add(time.Duration(i-pairs) * time.Minute)
		msgs = append(msgs,
			types.Message{Role: types.RoleUser, Content: "question", Timestamp: ts},
			types.Message{Role: types.RoleAssistant, Content: "answer", Timestamp: ts},
		)
	}
	return msgs
}

func hasSummary(msgs []types.Message) bool {
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, compress.SummaryHeader) {
			return true
		}
	}
	return false
}

func recv(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for generation to start")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
