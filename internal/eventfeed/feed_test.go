package eventfeed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/internal/eventbus"
)

func TestFeed_StreamsEvents(t *testing.T) {
	t.Parallel()
	bus, f := newFeed(t)
	conn := dial(t, f, "")

	bus.Emit(context.Background(), eventbus.TopicTextReady, map[string]string{"character": "Crazy", "text": "hi"})

	fr := readFrame(t, conn)
	if fr.Topic != eventbus.TopicTextReady {
		t.Fatalf("topic = %q", fr.Topic)
	}
	data, _ := fr.Data.(map[string]any)
	if data["text"] != "hi" || fr.Time.IsZero() {
		t.Errorf("frame = %+v", fr)
	}
}

func TestFeed_TopicFilter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		filter string
		emit   []string
		want   string
	}{
		{"exact", eventbus.TopicTaskStatusChanged, []string{eventbus.TopicTextReady, eventbus.TopicTaskStatusChanged}, eventbus.TopicTaskStatusChanged},
		{"prefix", "Model.*", []string{eventbus.TopicStreamChunk, eventbus.TopicFailedResponse}, eventbus.TopicFailedResponse},
		{"list", "Voice.READY, Chat.TOKEN_COUNT", []string{eventbus.TopicFailedAttempt, eventbus.TopicTokenCount}, eventbus.TopicTokenCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus, f := newFeed(t)
			conn := dial(t, f, tt.filter)
			for _, topic := range tt.emit {
				bus.Emit(context.Background(), topic, nil)
			}
			if fr := readFrame(t, conn); fr.Topic != tt.want {
				t.Errorf("first frame topic = %q, want %q", fr.Topic, tt.want)
			}
		})
	}
}

func TestFeed_UnsubscribedTopicIgnored(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	f := New(bus, WithTopics(eventbus.TopicTextReady))
	t.Cleanup(f.Close)
	if bus.HasSubscribers(eventbus.TopicStreamChunk) {
		t.Error("feed subscribed to a topic outside its list")
	}
	if !bus.HasSubscribers(eventbus.TopicTextReady) {
		t.Error("feed did not subscribe to its topic")
	}
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	bus, f := newFeed(t)
	conn := dial(t, f, "")

	f.Close()
	if bus.HasSubscribers(eventbus.TopicTextReady) {
		t.Error("feed still subscribed after Close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after Close = %v, want going away", err)
	}
	if n := f.Clients(); n != 0 {
		t.Errorf("clients after Close = %d", n)
	}
}

func TestFeed_SlowClientDropsFrames(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	f := New(bus, WithBuffer(1))
	t.Cleanup(f.Close)

	c := &client{frames: make(chan []byte, 1)}
	if !f.add(c) {
		t.Fatal("add refused")
	}
	ev := eventbus.Event{Topic: eventbus.TopicTextReady}
	f.publish(context.Background(), ev)
	f.publish(context.Background(), ev)
	f.publish(context.Background(), ev)
	if n := c.dropped.Load(); n != 2 {
		t.Errorf("dropped = %d, want 2", n)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newFeed(t *testing.T) (*eventbus.Bus, *Feed) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	f := New(bus)
	t.Cleanup(f.Close)
	return bus, f
}

func dial(t *testing.T, f *Feed, topics string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	if topics != "" {
		u += "?topics=" + url.QueryEscape(topics)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	deadline := time.Now().Add(2 * time.Second)
	for f.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return fr
}
