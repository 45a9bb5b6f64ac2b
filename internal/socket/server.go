// Package socket serves the game client protocol: line-delimited JSON over a
// loopback TCP connection. Requests create chat tasks and query their status;
// every status change of a task is pushed back to the connection that
// created it.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/chat"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/internal/task"
)

// KeyActiveCharacter is the settings key holding the character the game
// last addressed.
const KeyActiveCharacter = "ACTIVE_CHARACTER"

// Config tunes the server.
type Config struct {
	// Addr is the listen address. Defaults to 127.0.0.1:12345.
	Addr string

	// ReadTimeout closes a connection that sends nothing for this long.
	// Zero disables the deadline.
	ReadTimeout time.Duration

	// SysInfoLimit bounds the buffered system_info notes per character.
	SysInfoLimit int
}

// Deps are the collaborators of a [Server]. Bus, Tasks and Characters are
// required.
type Deps struct {
	Bus        *eventbus.Bus
	Tasks      *task.Registry
	Characters *character.Registry
	Settings   *settings.Store
	Metrics    *observe.Metrics
}

// Server accepts game client connections.
type Server struct {
	cfg  Config
	deps Deps

	sysinfo *SysInfoBuffer

	ready chan struct{}
	addr  net.Addr

	mu     sync.Mutex
	conns  map[string]*conn
	idle   map[string]string // character → uid of the last idle task
	active string

	// idleMu makes the pending-idle check and the task creation one step.
	idleMu sync.Mutex
}

// New returns a server; call [Server.Run] to start listening.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Bus == nil || deps.Tasks == nil || deps.Characters == nil {
		return nil, errors.New("socket: bus, tasks and characters are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:12345"
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		sysinfo: NewSysInfoBuffer(cfg.SysInfoLimit),
		ready:   make(chan struct{}),
		conns:   make(map[string]*conn),
		idle:    make(map[string]string),
	}
	if ids := deps.Characters.IDs(); len(ids) > 0 {
		s.active = ids[0]
	}
	if deps.Settings != nil {
		if id := deps.Settings.String(KeyActiveCharacter, ""); id != "" {
			if _, ok := deps.Characters.Get(id); ok {
				s.active = id
			}
		}
	}
	return s, nil
}

// SysInfo exposes the pending system_info buffer.
func (s *Server) SysInfo() *SysInfoBuffer { return s.sysinfo }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. It is nil before [Server.Ready] is closed.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Listening reports whether the listener is bound.
func (s *Server) Listening() bool { return s.Addr() != nil }

// Active returns the id of the character the game last addressed.
func (s *Server) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run listens until ctx is cancelled. On return every connection is closed
// and unfinished tasks created by them are cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("socket: listen %s: %w", s.cfg.Addr, err)
	}
	sub := s.deps.Bus.Subscribe(eventbus.TopicTaskStatusChanged, s.onTaskChanged)
	defer s.deps.Bus.Unsubscribe(sub)

	s.addr = ln.Addr()
	close(s.ready)
	slog.Info("socket: listening", "addr", s.addr.String())

	var wg sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Warn("socket: accept failed", "err", err)
				continue
			}
			c := s.register(nc)
			wg.Go(func() { s.handle(gctx, c) })
		}
	})
	err = g.Wait()

	s.shutdown()
	wg.Wait()
	slog.Info("socket: stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("socket: %w", err)
	}
	return nil
}

// conn is one client connection. Writes are serialised because task
// updates are pushed from bus workers.
type conn struct {
	id string
	nc net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	// Task updates are held while a create_task reply is outstanding so
	// the client learns the uid before any push about it.
	hmu     sync.Mutex
	holding bool
	held    []update
}

func (c *conn) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(v)
}

func (c *conn) hold() {
	c.hmu.Lock()
	c.holding = true
	c.hmu.Unlock()
}

// push sends u now or queues it until [conn.flush].
func (c *conn) push(u update) error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if c.holding {
		c.held = append(c.held, u)
		return nil
	}
	return c.send(u)
}

// flush stops holding and sends the queued updates in order.
func (c *conn) flush() error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.holding = false
	held := c.held
	c.held = nil
	for _, u := range held {
		if err := c.send(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) register(nc net.Conn) *conn {
	c := &conn{id: uuid.NewString(), nc: nc, enc: json.NewEncoder(nc)}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	if m := s.deps.Metrics; m != nil {
		m.ActiveConnections.Add(context.Background(), 1)
	}
	slog.Debug("socket: client connected", "client", c.id, "remote", nc.RemoteAddr().String())
	return c
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = c.nc.Close()
	if m := s.deps.Metrics; m != nil {
		m.ActiveConnections.Add(context.Background(), -1)
	}
	slog.Debug("socket: client disconnected", "client", c.id)
}

// shutdown cancels the unfinished tasks of every open connection and closes
// the connections.
func (s *Server) shutdown() {
	s.mu.Lock()
	open := make(map[string]*conn, len(s.conns))
	for id, c := range s.conns {
		open[id] = c
	}
	s.mu.Unlock()

	pending := s.deps.Tasks.Find(func(t task.Task) bool {
		_, ok := open[t.Data.ClientID]
		return ok && !t.Status.Terminal()
	})
	for _, t := range pending {
		if err := s.deps.Tasks.Cancel(t.UID); err != nil && !errors.Is(err, task.ErrTerminal) {
			slog.Warn("socket: cancel task on shutdown", "task", t.UID, "err", err)
		}
	}
	for _, c := range open {
		s.unregister(c)
	}
}

// handle reads requests until the peer closes, a read times out or ctx is
// cancelled. Requests of one connection are answered in order.
func (s *Server) handle(ctx context.Context, c *conn) {
	defer s.unregister(c)
	dec := json.NewDecoder(c.nc)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		var req Request
		if err := dec.Decode(&req); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var syn *json.SyntaxError
				if errors.As(err, &syn) {
					_ = c.send(errorf("malformed request: %v", err))
				}
				slog.Debug("socket: read ended", "client", c.id, "err", err)
			}
			return
		}
		creating := req.Action == ActionCreateTask
		if creating {
			c.hold()
		}
		err := c.send(s.dispatch(ctx, c, req))
		if creating {
			if ferr := c.flush(); err == nil {
				err = ferr
			}
		}
		if err != nil {
			slog.Debug("socket: write failed", "client", c.id, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, req Request) any {
	switch req.Action {
	case ActionCreateTask:
		return s.createTask(ctx, c, req)
	case ActionGetTaskStatus:
		t, err := s.deps.Tasks.Get(req.TaskUID)
		if err != nil {
			return errorf("task %q not found", req.TaskUID)
		}
		return t.Wire(s.flags())
	default:
		return errorf("unknown action %q", req.Action)
	}
}

func (s *Server) createTask(ctx context.Context, c *conn, req Request) any {
	id, err := s.resolve(ctx, req.Character)
	if err != nil {
		return errorf("%v", err)
	}
	ch, _ := s.deps.Characters.Get(id)
	for k, v := range req.Context.vars() {
		ch.Set(k, v)
	}

	switch req.Type {
	case EventSystemInfo:
		depth := s.sysinfo.Add(id, req.Data.Message)
		return created{TaskUID: uuid.NewString(), Buffered: &depth}
	case EventPositionMove:
		return created{TaskUID: uuid.NewString()}
	case EventAnswer, EventIdleTimeout, EventSystemInfoFlush:
	default:
		return errorf("unknown event type %q", req.Type)
	}

	typ := task.TypeChat
	switch req.Type {
	case EventIdleTimeout:
		typ = task.TypeIdle
		s.idleMu.Lock()
		defer s.idleMu.Unlock()
		if uid, ok := s.pendingIdle(id); ok {
			return created{TaskUID: uid}
		}
	case EventSystemInfoFlush:
		typ = task.TypeSystemInfoFlush
	}

	data := task.Data{
		Character:   id,
		UserInput:   req.Data.Message,
		SystemInput: strings.Join(s.sysinfo.Drain(id), "\n"),
		ClientID:    c.id,
		EventType:   req.Type,
		Images:      req.Data.Images,
	}
	if typ == task.TypeIdle {
		data.UserInput = ""
	}
	t := s.deps.Tasks.Create(typ, data)
	if typ == task.TypeIdle {
		s.mu.Lock()
		s.idle[id] = t.UID
		s.mu.Unlock()
	}

	s.deps.Bus.Emit(ctx, eventbus.TopicSendMessage, chat.Request{
		TaskUID:     t.UID,
		Character:   id,
		Type:        typ,
		UserInput:   data.UserInput,
		SystemInput: data.SystemInput,
		Images:      data.Images,
	})
	return created{TaskUID: t.UID}
}

// pendingIdle returns the uid of an unfinished idle task of character id.
func (s *Server) pendingIdle(id string) (string, bool) {
	s.mu.Lock()
	uid, ok := s.idle[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	t, err := s.deps.Tasks.Get(uid)
	if err != nil || t.Status.Terminal() {
		return "", false
	}
	return uid, true
}

// resolve maps the character of a request to an id and makes it the active
// one. An empty name addresses the active character.
func (s *Server) resolve(ctx context.Context, name string) (string, error) {
	id := s.Active()
	if name != "" {
		if _, ok := s.deps.Characters.Get(name); ok {
			id = name
		} else if r, ok := s.deps.Characters.Resolve(name); ok {
			id = r
		} else {
			return "", fmt.Errorf("unknown character %q", name)
		}
	}
	if id == "" {
		return "", errors.New("no character configured")
	}

	s.mu.Lock()
	changed := s.active != id
	s.active = id
	s.mu.Unlock()
	if changed && s.deps.Settings != nil {
		if err := s.deps.Settings.Set(ctx, KeyActiveCharacter, id); err != nil {
			slog.Warn("socket: persist active character", "character", id, "err", err)
		}
	}
	return id, nil
}

func (s *Server) flags() task.Flags {
	f := task.Flags{SileroConnected: s.deps.Bus.HasSubscribers(eventbus.TopicVoiceJob)}
	if st := s.deps.Settings; st != nil {
		f.GMOn = st.Bool("GM_ON", false)
		f.GMRead = st.Bool("GM_READ", false)
		f.GMVoice = st.Bool("GM_VOICE", false)
	}
	return f
}

func (s *Server) onTaskChanged(_ context.Context, ev eventbus.Event) any {
	ch, ok := ev.Data.(task.Changed)
	if !ok || ch.Task.Data.ClientID == "" {
		return nil
	}
	s.mu.Lock()
	c, ok := s.conns[ch.Task.Data.ClientID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.push(update{
		Type:   "task_update",
		UID:    ch.Task.UID,
		Status: string(ch.Task.Status),
		Body:   ch.Task.Wire(s.flags()),
	})
	if err != nil {
		slog.Debug("socket: push task update", "client", c.id, "task", ch.Task.UID, "err", err)
	}
	return nil
}
