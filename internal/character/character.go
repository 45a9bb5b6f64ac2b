// Package character holds the mutable per-character state: the variable map
// the prompt DSL reads, the three behaviour attributes (attitude, boredom,
// stress) with their bounds, and the game and switching flags the response
// post-processor sets.
//
// A [Character] does not own its memory or history; those stores are
// composed next to it by the orchestrator.
package character

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"path/filepath"
	"sync"

	"github.com/MrWong99/hearth/internal/jsonfile"
	"github.com/MrWong99/hearth/pkg/types"
)

// Attribute names one of the bounded behaviour values.
type Attribute string

// Behaviour attributes. The attribute name doubles as its variable key;
// bounds live in "<name>_min" and "<name>_max".
const (
	Attitude Attribute = "attitude"
	Boredom  Attribute = "boredom"
	Stress   Attribute = "stress"
)

// Attributes lists the behaviour attributes in their tag order.
var Attributes = []Attribute{Attitude, Boredom, Stress}

// MaxStep is the largest change a single adjustment may apply.
const MaxStep = 6.0

// Well-known variable keys.
const (
	VarFSMState      = "current_fsm_state"
	VarPlayingGame   = "playingGame"
	VarGameID        = "game_id"
	VarRememberCount = "LongMemoryRememberCount"
	VarPendingSwitch = "current_character_to_change"
)

const (
	seedFile            = "config.json"
	defaultFSMState     = "Hello"
	defaultAttributeMin = 0.0
	defaultAttributeMax = 100.0
)

// Definition is the static identity of a character as declared in the YAML
// configuration.
type Definition struct {
	ID        string             `yaml:"id"`
	Name      string             `yaml:"name"`
	ShortName string             `yaml:"short_name"`
	Voice     types.VoiceProfile `yaml:"voice"`

	// Preset names the model preset used for this character unless a
	// CHARACTER_PROVIDER_<ID> setting overrides it.
	Preset string `yaml:"preset"`
}

// Snapshot is a point-in-time copy of a character's state.
type Snapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Variables map[string]any `json:"variables"`
}

// Character is the runtime state of one character. It is safe for
// concurrent use.
type Character struct {
	def Definition
	dir string

	mu    sync.RWMutex
	vars  map[string]any
	seeds map[string]any
}

// New creates a character with built-in defaults. dir is the character's
// prompt directory (Prompts/<id>); call [Character.LoadSeeds] to apply its
// config.json.
func New(def Definition, dir string) *Character {
	c := &Character{def: def, dir: dir, seeds: map[string]any{}}
	c.vars = c.defaults()
	return c
}

// ID returns the character identifier.
func (c *Character) ID() string { return c.def.ID }

// Name returns the display name.
func (c *Character) Name() string { return c.def.Name }

// Definition returns the static definition.
func (c *Character) Definition() Definition { return c.def }

// Dir returns the prompt directory.
func (c *Character) Dir() string { return c.dir }

func (c *Character) defaults() map[string]any {
	vars := map[string]any{
		string(Attitude): 60.0,
		string(Boredom):  10.0,
		string(Stress):   5.0,
		VarFSMState:      defaultFSMState,
		VarPlayingGame:   false,
		VarGameID:        "",
		VarRememberCount: int64(0),
		"character_id":   c.def.ID,
		"character_name": c.def.Name,
	}
	for _, a := range Attributes {
		vars[string(a)+"_min"] = defaultAttributeMin
		vars[string(a)+"_max"] = defaultAttributeMax
	}
	return vars
}

// LoadSeeds reads config.json from the character directory and resets the
// variables to defaults overlaid with those seeds. A missing file is not an
// error.
func (c *Character) LoadSeeds() error {
	seeds := map[string]any{}
	path := filepath.Join(c.dir, seedFile)
	if _, err := jsonfile.Load(path, &seeds); err != nil {
		return fmt.Errorf("character %s: %w", c.def.ID, err)
	}
	seeds = jsonfile.NormalizeMap(seeds)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds = seeds
	c.vars = c.defaults()
	maps.Copy(c.vars, seeds)
	return nil
}

// Restore overlays persisted variables (from history.json) on the current
// state.
func (c *Character) Restore(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.vars, vars)
}

// Reset discards all runtime changes and returns to defaults plus seeds.
func (c *Character) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars = c.defaults()
	maps.Copy(c.vars, c.seeds)
}

// Var returns the value of a variable.
func (c *Character) Var(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Vars returns a copy of all variables.
func (c *Character) Vars() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.vars)
}

// Set assigns a variable.
func (c *Character) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// SetLiteral assigns a variable from its textual form, coercing it with
// [Coerce].
func (c *Character) SetLiteral(name, literal string) {
	c.Set(name, Coerce(literal))
}

// Increment adds one to an integer variable, treating a missing or
// non-integer value as zero.
func (c *Character) Increment(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.vars[name].(int64)
	n++
	c.vars[name] = n
	return n
}

// Attribute returns the current value of a behaviour attribute.
func (c *Character) Attribute(a Attribute) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, _ := toFloat(c.vars[string(a)])
	return f
}

// Adjust changes attribute a by delta and returns the new value. The delta
// is rounded to two decimals and limited to ±[MaxStep]. The result is kept
// within the attribute's bounds unless the bounds are inverted, in which
// case clamping is skipped and an error is logged. A non-finite delta is
// ignored.
func (c *Character) Adjust(a Attribute, delta float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, _ := toFloat(c.vars[string(a)])
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		slog.Error("character: ignoring non-finite attribute delta",
			"character", c.def.ID, "attribute", a, "delta", delta)
		return cur
	}
	delta = round2(max(-MaxStep, min(MaxStep, round2(delta))))
	next := round2(cur + delta)

	lo, hasLo := boundOf(c.vars[string(a)+"_min"])
	hi, hasHi := boundOf(c.vars[string(a)+"_max"])
	switch {
	case hasLo && hasHi && lo > hi:
		slog.Error("character: attribute bounds inverted, clamping disabled",
			"character", c.def.ID, "attribute", a, "min", lo, "max", hi)
	default:
		if hasLo && next < lo {
			next = lo
		}
		if hasHi && next > hi {
			next = hi
		}
	}
	c.vars[string(a)] = next
	return next
}

// ApplyDeltas adjusts attitude, boredom and stress in that order.
func (c *Character) ApplyDeltas(attitude, boredom, stress float64) {
	c.Adjust(Attitude, attitude)
	c.Adjust(Boredom, boredom)
	c.Adjust(Stress, stress)
}

// FSMState returns the character's current behaviour state name.
func (c *Character) FSMState() string {
	v, _ := c.Var(VarFSMState)
	s, _ := v.(string)
	return s
}

// Game reports whether the character is playing a game and which one.
func (c *Character) Game() (playing bool, id string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	playing, _ = c.vars[VarPlayingGame].(bool)
	id, _ = c.vars[VarGameID].(string)
	return playing, id
}

// SetGame records the start (playing=true) or end of a game.
func (c *Character) SetGame(id string, playing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[VarPlayingGame] = playing
	if playing {
		c.vars[VarGameID] = id
	} else {
		c.vars[VarGameID] = ""
	}
}

// ScheduleSwitch records that the next turn should be handled by the
// character with the given id.
func (c *Character) ScheduleSwitch(id string) { c.Set(VarPendingSwitch, id) }

// TakePendingSwitch returns and clears a scheduled switch.
func (c *Character) TakePendingSwitch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := c.vars[VarPendingSwitch].(string)
	delete(c.vars, VarPendingSwitch)
	return id
}

// Snapshot returns a copy of the character's state.
func (c *Character) Snapshot() Snapshot {
	return Snapshot{ID: c.def.ID, Name: c.def.Name, Variables: c.Vars()}
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// boundOf reads a bound variable. Nil or non-numeric values mean
// "unbounded".
func boundOf(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}
