// Package eventfeed streams bus events to GUI clients over a websocket.
//
// Every client receives one JSON text message per event:
//
//	{"topic":"Chat.TEXT_READY","time":"...","data":{...}}
//
// Clients may narrow the feed with a topics query parameter holding a comma
// separated list of topic names or prefixes ending in "*" (topics=Model.*).
// A client that cannot keep up loses events rather than slowing the bus.
package eventfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/observe"
)

// DefaultTopics are forwarded when no topics are configured.
var DefaultTopics = []string{
	eventbus.TopicTextReady,
	eventbus.TopicStreamChunk,
	eventbus.TopicStreamFinished,
	eventbus.TopicStreamReset,
	eventbus.TopicTokenCount,
	eventbus.TopicTaskStatusChanged,
	eventbus.TopicFailedAttempt,
	eventbus.TopicFailedResponse,
	eventbus.TopicSuccessfulResponse,
	eventbus.TopicCharacterSwitched,
	eventbus.TopicSettingChanged,
	eventbus.TopicVoiceReady,
	eventbus.TopicVoiceFailed,
}

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// Frame is one message sent to a client.
type Frame struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Feed fans bus events out to websocket clients. It implements
// [http.Handler].
type Feed struct {
	bus          *eventbus.Bus
	topics       []string
	buffer       int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []eventbus.Subscription
	closed  bool
}

// Option configures a [Feed].
type Option func(*Feed)

// WithTopics replaces [DefaultTopics].
func WithTopics(topics ...string) Option {
	return func(f *Feed) { f.topics = topics }
}

// WithBuffer sets how many frames may queue per client before frames are
// dropped.
func WithBuffer(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithOriginPatterns allows browser clients from other origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Feed) { f.origins = patterns }
}

// WithMetrics tracks connected clients in [observe.Metrics.ActiveFeedClients].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// New subscribes to the configured topics of bus.
func New(bus *eventbus.Bus, opts ...Option) *Feed {
	f := &Feed{
		bus:          bus,
		topics:       DefaultTopics,
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	for _, topic := range f.topics {
		f.subs = append(f.subs, bus.Subscribe(topic, f.publish))
	}
	return f
}

type client struct {
	frames  chan []byte
	filter  []string
	dropped atomic.Int64
}

func (c *client) wants(topic string) bool {
	if len(c.filter) == 0 {
		return true
	}
	for _, p := range c.filter {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		} else if p == topic {
			return true
		}
	}
	return false
}

func (f *Feed) publish(_ context.Context, ev eventbus.Event) any {
	data, err := json.Marshal(Frame{Topic: ev.Topic, Time: ev.Time, Data: ev.Data})
	if err != nil {
		slog.Warn("eventfeed: encode event", "topic", ev.Topic, "err", err)
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if !c.wants(ev.Topic) {
			continue
		}
		select {
		case c.frames <- data:
		default:
			if c.dropped.Add(1) == 1 {
				slog.Warn("eventfeed: client too slow, dropping events", "topic", ev.Topic)
			}
		}
	}
	return nil
}

// Clients reports the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) add(c *client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.frames)
	}
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		slog.Debug("eventfeed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{frames: make(chan []byte, f.buffer)}
	if q := r.URL.Query().Get("topics"); q != "" {
		for p := range strings.SplitSeq(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.filter = append(c.filter, p)
			}
		}
	}
	if !f.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer f.remove(c)

	ctx := conn.CloseRead(r.Context())
	if m := f.metrics; m != nil {
		m.ActiveFeedClients.Add(ctx, 1)
		defer m.ActiveFeedClients.Add(context.WithoutCancel(ctx), -1)
	}
	slog.Debug("eventfeed: client connected", "remote", r.RemoteAddr, "topics", c.filter)

	for {
		select {
		case data, ok := <-c.frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("eventfeed: write failed", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	for c := range f.clients {
		delete(f.clients, c)
		close(c.frames)
	}
	f.mu.Unlock()
	for _, s := range subs {
		f.bus.Unsubscribe(s)
	}
}
