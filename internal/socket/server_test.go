package socket

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/chat"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCreateTask_Answer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	resp := c.call(t, map[string]any{
		"action":    "create_task",
		"type":      "answer",
		"character": "Crazy",
		"data":      map[string]any{"message": "hi"},
	})
	uid, _ := resp["task_uid"].(string)
	if uid == "" {
		t.Fatalf("response = %v, want task_uid", resp)
	}

	req := h.nextRequest(t)
	if req.TaskUID != uid || req.Character != "Crazy" || req.Type != task.TypeChat || req.UserInput != "hi" {
		t.Errorf("SEND_MESSAGE = %+v", req)
	}
	tk, err := h.tasks.Get(uid)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != task.Pending || tk.Data.ClientID == "" || tk.Data.EventType != "answer" {
		t.Errorf("task = %+v", tk)
	}
}

func TestSystemInfo_DrainedByNextAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	for i, msg := range []string{"A", "B"} {
		resp := c.call(t, map[string]any{
			"action": "create_task", "type": "system_info", "character": "Crazy",
			"data": map[string]any{"message": msg},
		})
		if resp["task_uid"] == "" || resp["buffered"] != float64(i+1) {
			t.Errorf("system_info %q response = %v", msg, resp)
		}
	}
	if n := h.srv.SysInfo().Len("Crazy"); n != 2 {
		t.Fatalf("buffered = %d, want 2", n)
	}
	if n := h.tasks.Len(); n != 0 {
		t.Errorf("system_info created %d tasks", n)
	}

	c.call(t, map[string]any{
		"action": "create_task", "type": "answer", "character": "Crazy",
		"data": map[string]any{"message": "next"},
	})
	req := h.nextRequest(t)
	if req.SystemInput != "A\nB" || req.UserInput != "next" {
		t.Errorf("SEND_MESSAGE = %+v, want system input %q", req, "A\nB")
	}
	if n := h.srv.SysInfo().Len("Crazy"); n != 0 {
		t.Errorf("buffer after answer = %d, want 0", n)
	}

	c.call(t, map[string]any{
		"action": "create_task", "type": "answer", "character": "Crazy",
		"data": map[string]any{"message": "again"},
	})
	if req := h.nextRequest(t); req.SystemInput != "" {
		t.Errorf("second turn saw system input %q", req.SystemInput)
	}
}

func TestIdleTimeout_Debounced(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)
	idle := map[string]any{"action": "create_task", "type": "idle_timeout", "character": "Crazy"}

	first, _ := c.call(t, idle)["task_uid"].(string)
	second, _ := c.call(t, idle)["task_uid"].(string)
	if first == "" || first != second {
		t.Fatalf("idle uids = %q, %q; want the same", first, second)
	}
	if req := h.nextRequest(t); req.Type != task.TypeIdle || req.UserInput != "" {
		t.Errorf("SEND_MESSAGE = %+v", req)
	}
	h.noRequest(t)

	if err := h.tasks.Cancel(first); err != nil {
		t.Fatal(err)
	}
	third, _ := c.call(t, idle)["task_uid"].(string)
	if third == "" || third == first {
		t.Errorf("idle after cancel reused %q", third)
	}
}

func TestIdleTimeout_ConcurrentClientsShareTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	clients := []*client{h.dial(t), h.dial(t), h.dial(t), h.dial(t)}
	idle := map[string]any{"action": "create_task", "type": "idle_timeout", "character": "Crazy"}

	uids := make([]string, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Go(func() {
			if err := c.enc.Encode(idle); err != nil {
				t.Error(err)
				return
			}
			select {
			case resp := <-c.responses:
				uids[i], _ = resp["task_uid"].(string)
			case <-time.After(2 * time.Second):
				t.Error("no response to idle_timeout")
			}
		})
	}
	wg.Wait()

	for _, uid := range uids[1:] {
		if uid == "" || uid != uids[0] {
			t.Fatalf("idle uids = %v; want one shared task", uids)
		}
	}
	if n := h.tasks.Len(); n != 1 {
		t.Errorf("tasks = %d, want 1", n)
	}
	h.nextRequest(t)
	h.noRequest(t)
}

func TestCreateTask_ReplyPrecedesUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	nc, err := net.Dial("tcp", h.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	for range 5 {
		req := map[string]any{"action": "create_task", "type": "answer", "character": "Crazy", "data": map[string]any{"message": "hi"}}
		if err := json.NewEncoder(nc).Encode(req); err != nil {
			t.Fatal(err)
		}
		h.nextRequest(t)
	}

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := json.NewDecoder(nc)
	known := map[string]bool{}
	for replies, pending := 0, 0; replies < 5 || pending < 5; {
		var frame map[string]any
		if err := dec.Decode(&frame); err != nil {
			t.Fatalf("read after %d replies, %d updates: %v", replies, pending, err)
		}
		if frame["type"] == "task_update" {
			uid, _ := frame["uid"].(string)
			if !known[uid] {
				t.Fatalf("update for %q arrived before its create_task reply", uid)
			}
			pending++
			continue
		}
		uid, _ := frame["task_uid"].(string)
		known[uid] = true
		replies++
	}
}

func TestGetTaskStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)
	ctx := context.Background()
	if err := h.settings.Set(ctx, "GM_ON", true); err != nil {
		t.Fatal(err)
	}

	tk := h.tasks.Create(task.TypeChat, task.Data{Character: "Crazy"})
	if err := h.tasks.Start(tk.UID); err != nil {
		t.Fatal(err)
	}
	if err := h.tasks.Succeed(tk.UID, task.Result{Text: "hello", AudioPath: "/v/a.wav"}); err != nil {
		t.Fatal(err)
	}

	resp := c.call(t, map[string]any{"action": "get_task_status", "task_uid": tk.UID})
	if resp["uid"] != tk.UID || resp["status"] != "SUCCESS" || resp["type"] != "chat" || resp["GM_ON"] != true {
		t.Errorf("status = %v", resp)
	}
	result, _ := resp["result"].(map[string]any)
	if result["text"] != "hello" || result["audio_path"] != "/v/a.wav" {
		t.Errorf("result = %v", resp["result"])
	}

	resp = c.call(t, map[string]any{"action": "get_task_status", "task_uid": "nope"})
	if resp["type"] != "error" {
		t.Errorf("unknown uid response = %v", resp)
	}
}

func TestTaskUpdatesPushedToCreator(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	creator := h.dial(t)
	other := h.dial(t)

	uid, _ := creator.call(t, map[string]any{
		"action": "create_task", "type": "answer", "character": "Crazy",
		"data": map[string]any{"message": "hi"},
	})["task_uid"].(string)
	h.nextRequest(t)

	if err := h.tasks.Start(uid); err != nil {
		t.Fatal(err)
	}
	if err := h.tasks.Succeed(uid, task.Result{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return creator.lastStatus(uid) == "SUCCESS" })
	got := creator.statuses(uid)
	want := []string{"PENDING", "RUNNING", "SUCCESS"}
	if len(got) != len(want) {
		t.Fatalf("pushed statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pushed statuses = %v, want %v", got, want)
			break
		}
	}
	if n := len(other.statuses(uid)); n != 0 {
		t.Errorf("other connection received %d updates", n)
	}
}

func TestPositionMove_UpdatesGameContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	resp := c.call(t, map[string]any{
		"action": "create_task", "type": "position_move", "character": "Kind",
		"context": map[string]any{
			"distance": "1.23", "roomPlayer": 0, "roomMita": 2,
			"hierarchy": "Hall/Chair", "currentInfo": "sitting",
		},
	})
	if resp["task_uid"] == "" {
		t.Errorf("response = %v", resp)
	}
	if n := h.tasks.Len(); n != 0 {
		t.Errorf("position_move created %d tasks", n)
	}

	ch, _ := h.chars.Get("Kind")
	want := map[string]any{
		VarDistance:    1.23,
		VarRoomPlayer:  int64(0),
		VarRoomChar:    int64(2),
		VarHierarchy:   "Hall/Chair",
		VarCurrentInfo: "sitting",
	}
	for k, w := range want {
		if v, _ := ch.Var(k); v != w {
			t.Errorf("%s = %#v, want %#v", k, v, w)
		}
	}
	if a := h.srv.Active(); a != "Kind" {
		t.Errorf("active = %q, want Kind", a)
	}
	if v := h.settings.String(KeyActiveCharacter, ""); v != "Kind" {
		t.Errorf("persisted active = %q, want Kind", v)
	}
}

func TestPositionMove_NonFiniteDistanceKeptAsText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	c.call(t, map[string]any{
		"action": "create_task", "type": "position_move", "character": "Kind",
		"context": map[string]any{"distance": "NaN"},
	})

	ch, _ := h.chars.Get("Kind")
	if v, _ := ch.Var(VarDistance); v != "NaN" {
		t.Errorf("%s = %#v, want the literal \"NaN\"", VarDistance, v)
	}
	if _, err := json.Marshal(ch.Vars()); err != nil {
		t.Errorf("variables no longer encode: %v", err)
	}
}

func TestCreateTask_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  map[string]any
	}{
		{"unknown character", map[string]any{"action": "create_task", "type": "answer", "character": "Zorblax"}},
		{"unknown event type", map[string]any{"action": "create_task", "type": "dance", "character": "Crazy"}},
		{"unknown action", map[string]any{"action": "delete_task"}},
	}
	h := newHarness(t)
	c := h.dial(t)
	for _, tt := range tests {
		resp := c.call(t, tt.req)
		if resp["type"] != "error" || resp["error"] == "" {
			t.Errorf("%s: response = %v, want error frame", tt.name, resp)
		}
	}
	if n := h.tasks.Len(); n != 0 {
		t.Errorf("errors created %d tasks", n)
	}
}

func TestEmptyCharacterUsesActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	c.call(t, map[string]any{"action": "create_task", "type": "position_move", "character": "kind mita"})
	c.call(t, map[string]any{"action": "create_task", "type": "answer", "data": map[string]any{"message": "hey"}})
	if req := h.nextRequest(t); req.Character != "Kind" {
		t.Errorf("character = %q, want Kind", req.Character)
	}
}

func TestShutdownCancelsPendingTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.dial(t)

	uid, _ := c.call(t, map[string]any{
		"action": "create_task", "type": "answer", "character": "Crazy",
		"data": map[string]any{"message": "hi"},
	})["task_uid"].(string)
	done := h.tasks.Create(task.TypeChat, task.Data{Character: "Crazy"})

	h.stop(t)

	tk, err := h.tasks.Get(uid)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != task.Cancelled {
		t.Errorf("client task status = %s, want CANCELLED", tk.Status)
	}
	if tk, _ := h.tasks.Get(done.UID); tk.Status != task.Pending {
		t.Errorf("task without client = %s, want PENDING", tk.Status)
	}
}

func TestSysInfoBuffer_Limit(t *testing.T) {
	t.Parallel()
	b := NewSysInfoBuffer(2)
	for _, n := range []string{"a", "b", "c"} {
		b.Add("x", n)
	}
	got := b.Drain("x")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Drain = %v, want [b c]", got)
	}
	if b.Len("x") != 0 {
		t.Errorf("Len after drain = %d", b.Len("x"))
	}
}

func TestNumeric(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want any
		ok   bool
	}{
		{nil, nil, false},
		{float64(3), int64(3), true},
		{1.5, 1.5, true},
		{"7", int64(7), true},
		{"0.25", 0.25, true},
		{"lobby", "lobby", true},
		{"NaN", "NaN", true},
		{"Inf", "Inf", true},
		{"-infinity", "-infinity", true},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := numeric(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("numeric(%#v) = %#v, %v; want %#v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type harness struct {
	srv      *Server
	bus      *eventbus.Bus
	tasks    *task.Registry
	chars    *character.Registry
	settings *settings.Store
	requests chan chat.Request

	stopOnce sync.Once
	cancel   context.CancelFunc
	errc     chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})

	chars, err := character.NewRegistry(filepath.Join(dir, "Prompts"), []character.Definition{
		{ID: "Crazy", Name: "Crazy Mita"},
		{ID: "Kind", Name: "Kind Mita"},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := settings.Open(filepath.Join(dir, "settings.json"), bus)
	if err != nil {
		t.Fatal(err)
	}
	tasks := task.New(bus)

	h := &harness{
		bus: bus, tasks: tasks, chars: chars, settings: st,
		requests: make(chan chat.Request, 16),
		errc:     make(chan error, 1),
	}
	bus.Subscribe(eventbus.TopicSendMessage, func(_ context.Context, ev eventbus.Event) any {
		h.requests <- ev.Data.(chat.Request)
		return nil
	})

	h.srv, err = New(Config{Addr: "127.0.0.1:0", ReadTimeout: 5 * time.Second}, Deps{
		Bus: bus, Tasks: tasks, Characters: chars, Settings: st,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.srv.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })

	select {
	case <-h.srv.Ready():
	case err := <-h.errc:
		t.Fatalf("Run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case err := <-h.errc:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func (h *harness) nextRequest(t *testing.T) chat.Request {
	t.Helper()
	select {
	case r := <-h.requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no SEND_MESSAGE emitted")
		return chat.Request{}
	}
}

func (h *harness) noRequest(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.requests:
		t.Errorf("unexpected SEND_MESSAGE %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

// client reads frames in the background. Task updates are recorded apart
// from the responses so callers can read responses in order.
type client struct {
	nc        net.Conn
	enc       *json.Encoder
	responses chan map[string]any
	done      chan struct{}

	mu      sync.Mutex
	updates map[string][]string
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	nc, err := net.Dial("tcp", h.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := &client{
		nc:        nc,
		enc:       json.NewEncoder(nc),
		responses: make(chan map[string]any, 16),
		done:      make(chan struct{}),
		updates:   map[string][]string{},
	}
	go c.read()
	t.Cleanup(func() {
		_ = nc.Close()
		<-c.done
	})
	return c
}

func (c *client) read() {
	defer close(c.done)
	dec := json.NewDecoder(c.nc)
	for {
		var frame map[string]any
		if err := dec.Decode(&frame); err != nil {
			return
		}
		if frame["type"] == "task_update" {
			uid, _ := frame["uid"].(string)
			status, _ := frame["status"].(string)
			c.mu.Lock()
			c.updates[uid] = append(c.updates[uid], status)
			c.mu.Unlock()
			continue
		}
		c.responses <- frame
	}
}

func (c *client) call(t *testing.T, req map[string]any) map[string]any {
	t.Helper()
	if err := c.enc.Encode(req); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-c.responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %v", req)
		return nil
	}
}

func (c *client) statuses(uid string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates[uid]...)
}

func (c *client) lastStatus(uid string) string {
	s := c.statuses(uid)
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
