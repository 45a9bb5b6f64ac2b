// Package prompt implements the character prompt DSL.
//
// A character directory holds a main template (main_template.txt by default)
// written in a line-oriented language:
//
//	// comment lines are dropped
//	@include common/rules.txt     embed another template
//	@if attitude >= 80 && !playingGame
//	You adore the player.
//	@elif attitude < 20
//	You are cold.
//	@else
//	You are neutral.
//	@endif
//	@block                        start a new system-prompt block
//	@sysinfo
//	Transient hint for the next turn only.
//	@endsysinfo
//	@set greeting = "Hi " + player_name
//	${greeting}, it is ${SYSTEM_DATETIME}.
//
// Rendering is a pure function of the template files and the supplied
// variables. Parsed templates are cached per file and re-parsed when the
// file's modification time or size changes.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hearth/pkg/types"
)

// DefaultMainTemplate is the file rendered for every character.
const DefaultMainTemplate = "main_template.txt"

// DefaultRulesFile holds the post-DSL rules of a character.
const DefaultRulesFile = "post_rules.yaml"

// MaxIncludeDepth bounds nested @include directives.
const MaxIncludeDepth = 16

// ErrIncludeCycle is returned when a template includes itself transitively.
var ErrIncludeCycle = errors.New("prompt: include cycle")

// Result is the output of one render.
type Result struct {
	// Blocks are the persona prompt blocks in template order. Empty blocks
	// are dropped.
	Blocks []string

	// SystemInfo holds the @sysinfo sections for one-shot injection.
	SystemInfo []string
}

// Messages converts the blocks into system messages. When separate is false
// all blocks are joined into a single message.
func (r Result) Messages(separate bool) []types.Message {
	if len(r.Blocks) == 0 {
		return nil
	}
	if !separate {
		return []types.Message{{Role: types.RoleSystem, Content: strings.Join(r.Blocks, "\n\n")}}
	}
	msgs := make([]types.Message, len(r.Blocks))
	for i, b := range r.Blocks {
		msgs[i] = types.Message{Role: types.RoleSystem, Content: b}
	}
	return msgs
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMainTemplate changes the file name rendered by [Engine.Render].
func WithMainTemplate(name string) Option {
	return func(e *Engine) { e.mainFile = name }
}

// WithRulesFile changes the file name loaded by [Engine.PostRules].
func WithRulesFile(name string) Option {
	return func(e *Engine) { e.rulesFile = name }
}

type cached struct {
	tmpl    *template
	modTime time.Time
	size    int64
}

// Engine renders character templates. It is safe for concurrent use.
type Engine struct {
	root      string
	mainFile  string
	rulesFile string

	mu    sync.Mutex
	files map[string]cached
	rules map[string]*RuleSet
}

// NewEngine returns an engine whose includes fall back to root.
func NewEngine(root string, opts ...Option) *Engine {
	e := &Engine{
		root:      root,
		mainFile:  DefaultMainTemplate,
		rulesFile: DefaultRulesFile,
		files:     make(map[string]cached),
		rules:     make(map[string]*RuleSet),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Render evaluates the main template of the character stored in charDir.
func (e *Engine) Render(charDir string, vars map[string]any) (Result, error) {
	main := filepath.Join(charDir, e.mainFile)
	t, err := e.load(main)
	if err != nil {
		return Result{}, fmt.Errorf("prompt: render %s: %w", charDir, err)
	}
	r := &renderer{
		e:       e,
		charDir: charDir,
		sc:      &scope{vars: vars, locals: map[string]any{}},
		stack:   []string{main},
	}
	if err := r.exec(t, t.nodes); err != nil {
		return Result{}, fmt.Errorf("prompt: render %s: %w", charDir, err)
	}
	r.flush()
	return Result{Blocks: r.blocks, SystemInfo: r.sys}, nil
}

// Invalidate drops every cached template and rule set under dir. An empty
// dir drops everything.
func (e *Engine) Invalidate(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dir == "" {
		clear(e.files)
		clear(e.rules)
		return
	}
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for path := range e.files {
		if strings.HasPrefix(path, prefix) {
			delete(e.files, path)
		}
	}
	delete(e.rules, filepath.Clean(dir))
	slog.Debug("prompt cache invalidated", "dir", dir)
}

// PostRules returns the post-DSL rule set of the character in charDir. A
// missing rules file yields an empty set.
func (e *Engine) PostRules(charDir string) (*RuleSet, error) {
	key := filepath.Clean(charDir)
	e.mu.Lock()
	rs, ok := e.rules[key]
	e.mu.Unlock()
	if ok {
		return rs, nil
	}
	rs, err := LoadRules(filepath.Join(charDir, e.rulesFile))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.rules[key] = rs
	e.mu.Unlock()
	return rs, nil
}

func (e *Engine) load(path string) (*template, error) {
	path = filepath.Clean(path)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	c, ok := e.files[path]
	e.mu.Unlock()
	if ok && c.modTime.Equal(fi.ModTime()) && c.size == fi.Size() {
		return c.tmpl, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := parseTemplate(path, string(data))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.files[path] = cached{tmpl: t, modTime: fi.ModTime(), size: fi.Size()}
	e.mu.Unlock()
	return t, nil
}

// ── rendering ────────────────────────────────────────────────────────────────

type scope struct {
	locals map[string]any
	vars   map[string]any
}

func (s *scope) lookup(name string) (any, bool) {
	if v, ok := s.locals[name]; ok {
		return v, true
	}
	v, ok := s.vars[name]
	return v, ok
}

type renderer struct {
	e       *Engine
	charDir string
	sc      *scope
	stack   []string

	cur    strings.Builder
	blocks []string
	sysBuf *strings.Builder
	sys    []string
}

func (r *renderer) exec(t *template, nodes []node) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			out := &r.cur
			if r.sysBuf != nil {
				out = r.sysBuf
			}
			r.write(out, n)

		case blockNode:
			if r.sysBuf != nil {
				return fmt.Errorf("%s: @block inside @sysinfo", t.path)
			}
			r.flush()

		case ifNode:
			body := n.elseBody
			for _, b := range n.branches {
				v, err := b.cond.eval(r.sc)
				if err != nil {
					return fmt.Errorf("%s: condition: %w", t.path, err)
				}
				if truthy(v) {
					body = b.body
					break
				}
			}
			if err := r.exec(t, body); err != nil {
				return err
			}

		case sysinfoNode:
			if r.sysBuf != nil {
				return fmt.Errorf("%s:%d: nested @sysinfo", t.path, n.line)
			}
			r.sysBuf = &strings.Builder{}
			if err := r.exec(t, n.body); err != nil {
				return err
			}
			if s := strings.TrimSpace(r.sysBuf.String()); s != "" {
				r.sys = append(r.sys, s)
			}
			r.sysBuf = nil

		case setNode:
			v, err := n.expr.eval(r.sc)
			if err != nil {
				return fmt.Errorf("%s:%d: @set %s: %w", t.path, n.line, n.name, err)
			}
			r.sc.locals[n.name] = v

		case includeNode:
			if err := r.include(t, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *renderer) include(from *template, n includeNode) error {
	path, err := r.resolve(from.path, n.ref)
	if err != nil {
		return fmt.Errorf("%s:%d: @include %s: %w", from.path, n.line, n.ref, err)
	}
	for _, p := range r.stack {
		if p == path {
			return fmt.Errorf("%s:%d: %w via %s", from.path, n.line, ErrIncludeCycle, path)
		}
	}
	if len(r.stack) > MaxIncludeDepth {
		return fmt.Errorf("%s:%d: includes nested deeper than %d", from.path, n.line, MaxIncludeDepth)
	}
	t, err := r.e.load(path)
	if err != nil {
		return fmt.Errorf("%s:%d: @include %s: %w", from.path, n.line, n.ref, err)
	}
	r.stack = append(r.stack, path)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()
	return r.exec(t, t.nodes)
}

// resolve finds an include target relative to the including file, then the
// character directory, then the prompts root.
func (r *renderer) resolve(from, ref string) (string, error) {
	var candidates []string
	if filepath.IsAbs(ref) {
		candidates = []string{ref}
	} else {
		candidates = []string{
			filepath.Join(filepath.Dir(from), ref),
			filepath.Join(r.charDir, ref),
			filepath.Join(r.e.root, ref),
		}
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && fi.Mode().IsRegular() {
			return filepath.Clean(c), nil
		}
	}
	return "", fs.ErrNotExist
}

func (r *renderer) write(out *strings.Builder, n textNode) {
	for _, seg := range n.segments {
		if seg.expr == nil {
			out.WriteString(seg.raw)
			continue
		}
		if seg.name != "" {
			v, ok := r.sc.lookup(seg.name)
			if !ok {
				out.WriteString(seg.raw)
				continue
			}
			out.WriteString(Format(v))
			continue
		}
		v, err := seg.expr.eval(r.sc)
		if err != nil {
			slog.Warn("prompt: substitution failed", "line", n.line, "expr", seg.raw, "err", err)
			out.WriteString(seg.raw)
			continue
		}
		out.WriteString(Format(v))
	}
	out.WriteByte('\n')
}

func (r *renderer) flush() {
	if s := strings.TrimSpace(r.cur.String()); s != "" {
		r.blocks = append(r.blocks, s)
	}
	r.cur.Reset()
}
