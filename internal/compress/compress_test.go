package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	llmmock "github.com/MrWong99/hearth/pkg/provider/llm/mock"
	"github.com/MrWong99/hearth/pkg/types"
)

func TestApply_NoTrigger(t *testing.T) {
	t.Parallel()
	c := New(Policy{MessageLimit: 40, MaxTokens: 100_000}, &fakeSummariser{})
	hist := dialogue(10, 8)

	out, err := c.Apply(context.Background(), hist, dialogue(2, 8), 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Trigger != TriggerNone || out.Compressed != 0 || len(out.History) != 10 {
		t.Errorf("unexpected outcome: trigger=%q compressed=%d len=%d", out.Trigger, out.Compressed, len(out.History))
	}
}

func TestApply_MessageLimit(t *testing.T) {
	t.Parallel()
	s := &fakeSummariser{summary: "They talked about cake."}
	c := New(Policy{MessageLimit: 16, KeepRecent: 4}, s)
	hist := dialogue(20, 8)

	out, err := c.Apply(context.Background(), hist, dialogue(2, 8), 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// 22 messages against a limit of 16 needs 7; half the 16 eligible is 8.
	if out.Trigger != TriggerLimit || out.Compressed != 8 {
		t.Fatalf("trigger=%q compressed=%d, want limit/8", out.Trigger, out.Compressed)
	}
	if len(out.History) != 13 {
		t.Fatalf("history len = %d, want 13", len(out.History))
	}
	first := out.History[0]
	if first.Role != types.RoleSystem || first.Content != SummaryHeader+"They talked about cake." {
		t.Errorf("unexpected summary message: %+v", first)
	}
	if out.History[1].Content != hist[8].Content {
		t.Errorf("history after summary should start at message 8")
	}
	if got := s.lastInput(); len(got) != 8 {
		t.Errorf("summariser got %d messages, want 8", len(got))
	}
	if len(hist) != 20 || strings.HasPrefix(hist[0].Content, SummaryHeader) {
		t.Error("input history was modified")
	}
}

func TestApply_KeepsToolPairs(t *testing.T) {
	t.Parallel()
	c := New(Policy{MessageLimit: 16, KeepRecent: 4}, &fakeSummariser{summary: "s"})
	hist := dialogue(20, 8)
	hist[7] = types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "1", Name: "roll_dice"}}}
	hist[8] = types.Message{Role: types.RoleTool, Name: "roll_dice", ToolCallID: "1", Content: `{"value":3}`}

	out, err := c.Apply(context.Background(), hist, dialogue(2, 8), 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Compressed != 9 {
		t.Errorf("compressed = %d, want 9 (tool result follows its call)", out.Compressed)
	}
	if out.History[1].Role == types.RoleTool {
		t.Error("orphaned tool message at the start of the kept history")
	}
}

func TestApply_TokenLimit(t *testing.T) {
	t.Parallel()
	c := New(Policy{MaxTokens: 100, TokenFraction: 0.5, KeepRecent: 2}, &fakeSummariser{summary: "s"})
	// 40 characters each: 10 tokens + 4 overhead per message.
	hist := dialogue(10, 40)

	out, err := c.Apply(context.Background(), hist, nil, 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Trigger != TriggerLimit || out.Compressed != 7 {
		t.Errorf("trigger=%q compressed=%d, want limit/7", out.Trigger, out.Compressed)
	}
}

func TestApply_Periodic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		turn       int
		minPercent float64
		want       int
	}{
		{"on interval", 3, 50, 6},
		{"off interval", 2, 50, 0},
		{"prefix too small", 6, 70, 0},
		{"turn zero", 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := New(Policy{PeriodicInterval: 3, MinPercent: tc.minPercent, KeepRecent: 4}, &fakeSummariser{summary: "s"})
			out, err := c.Apply(context.Background(), dialogue(10, 8), nil, tc.turn)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if out.Compressed != tc.want {
				t.Errorf("compressed = %d, want %d", out.Compressed, tc.want)
			}
			if tc.want > 0 && out.Trigger != TriggerPeriodic {
				t.Errorf("trigger = %q, want periodic", out.Trigger)
			}
		})
	}
}

func TestApply_SummariserFailureDropsPrefix(t *testing.T) {
	t.Parallel()
	c := New(Policy{MessageLimit: 10, KeepRecent: 4}, &fakeSummariser{err: errors.New("provider down")})
	out, err := c.Apply(context.Background(), dialogue(12, 8), nil, 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Summary != "" || out.Compressed == 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.History) != 12-out.Compressed {
		t.Errorf("history len = %d, want %d", len(out.History), 12-out.Compressed)
	}
	for _, m := range out.History {
		if strings.HasPrefix(m.Content, SummaryHeader) {
			t.Error("no summary message expected after a failed summarisation")
		}
	}
}

func TestApply_AssistantTarget(t *testing.T) {
	t.Parallel()
	c := New(Policy{MessageLimit: 10, OutputTarget: "assistant"}, &fakeSummariser{summary: "s"})
	out, err := c.Apply(context.Background(), dialogue(12, 8), nil, 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.History[0].Role != types.RoleAssistant {
		t.Errorf("summary role = %q, want assistant", out.History[0].Role)
	}
}

func TestLLMSummariser(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Generator{Replies: []llmmock.Reply{{Text: "  A short summary.  "}}}
	s := NewLLMSummariser(gen, llm.Request{
		Model:   "gpt-4o-mini",
		APIKey:  "k",
		Stream:  true,
		ToolsOn: true,
		Tools:   []types.ToolDefinition{{Name: "roll_dice"}},
	})

	got, err := s.Summarise(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "A short summary." {
		t.Errorf("summary = %q", got)
	}

	req := gen.LastRequest()
	if req.Stream || req.ToolsOn || len(req.Tools) != 0 {
		t.Error("summary calls must not stream or offer tools")
	}
	if req.Model != "gpt-4o-mini" || req.APIKey != "k" {
		t.Error("summary call lost the base model or credentials")
	}
	if req.Params.Temperature == nil || *req.Params.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", req.Params.Temperature)
	}
	if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "[user]: hi\n[assistant]: hello") {
		t.Errorf("unexpected transcript: %+v", req.Messages)
	}

	if out, _ := s.Summarise(context.Background(), nil); out != "" || gen.CallCount() != 1 {
		t.Error("empty input must not call the model")
	}
}

func TestImagePolicy_Quality(t *testing.T) {
	t.Parallel()
	linear := ImagePolicy{Enabled: true, StartIndex: 1, MinQuality: 30, DecreaseRate: 10}
	pct := ImagePolicy{Enabled: true, StartIndex: 1, MinQuality: 10, DecreaseRate: 50, UsePercentage: true}

	tests := []struct {
		name string
		p    ImagePolicy
		pos  int
		want int
	}{
		{"newest untouched", linear, 0, 0},
		{"first step", linear, 1, 80},
		{"second step", linear, 2, 70},
		{"floor", linear, 7, 30},
		{"percent first", pct, 1, 45},
		{"percent second", pct, 2, 23},
		{"percent floor", pct, 5, 10},
		{"disabled", ImagePolicy{StartIndex: 0, DecreaseRate: 10}, 3, 0},
	}
	for _, tc := range tests {
		if got := tc.p.Quality(tc.pos); got != tc.want {
			t.Errorf("%s: Quality(%d) = %d, want %d", tc.name, tc.pos, got, tc.want)
		}
	}
}

func TestReduceImages(t *testing.T) {
	t.Parallel()
	oldImg := noisyJPEG(t)
	newImg := noisyJPEG(t)
	msgs := []types.Message{
		{Role: types.RoleUser, Parts: []types.ContentPart{types.TextPart("first"), types.ImagePart(oldImg)}},
		{Role: types.RoleAssistant, Content: "nice"},
		{Role: types.RoleUser, Parts: []types.ContentPart{
			types.TextPart("second"),
			types.ImagePart("https://example.com/remote.png"),
			types.ImagePart(newImg),
		}},
	}

	out := ReduceImages(msgs, ImagePolicy{Enabled: true, StartIndex: 1, MinQuality: 20, DecreaseRate: 30})

	if out[2].Parts[2].URL != newImg {
		t.Error("newest image must be kept")
	}
	if out[2].Parts[1].URL != "https://example.com/remote.png" {
		t.Error("remote images must be kept")
	}
	reduced := out[0].Parts[1].URL
	if reduced == oldImg {
		t.Fatal("old image was not reduced")
	}
	if !strings.HasPrefix(reduced, "data:image/jpeg;base64,") || len(reduced) >= len(oldImg) {
		t.Errorf("reduced image not a smaller jpeg (%d >= %d)", len(reduced), len(oldImg))
	}
	if msgs[0].Parts[1].URL != oldImg {
		t.Error("input messages were modified")
	}

	if got := ReduceImages(msgs, ImagePolicy{}); &got[0] != &msgs[0] {
		t.Error("disabled policy should return the input unchanged")
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeSummariser struct {
	summary string
	err     error

	mu     sync.Mutex
	inputs [][]types.Message
}

func (f *fakeSummariser) Summarise(_ context.Context, msgs []types.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, msgs)
	return f.summary, f.err
}

func (f *fakeSummariser) lastInput() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return nil
	}
	return f.inputs[len(f.inputs)-1]
}

// dialogue returns n alternating user/assistant messages whose content is
// exactly size characters long.
func dialogue(n, size int) []types.Message {
	out := make([]types.Message, n)
	for i := range out {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		content := fmt.Sprintf("m%03d", i)
		content += strings.Repeat(".", max(size-len(content), 0))
		out[i] = types.Message{Role: role, Content: content}
	}
	return out
}

func noisyJPEG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	seed := uint32(7)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			seed = seed*1664525 + 1013904223
			img.Set(x, y, color.RGBA{uint8(seed >> 24), uint8(seed >> 16), uint8(seed >> 8), 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return types.EncodeDataURL("image/jpeg", buf.Bytes())
}
