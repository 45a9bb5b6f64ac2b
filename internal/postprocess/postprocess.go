// Package postprocess turns a raw model response into the text shown to the
// player and the side effects the response requested.
//
// A response may carry tags that the prompt teaches the model to emit:
//
//	<+memory>text</memory>            add a memory (optionally <+memory_high>)
//	<#memory>N|[priority|]text</memory> rewrite memory N
//	<-memory>1,3-5</memory>           delete memories
//	<p>attitude,boredom,stress</p>    adjust the behaviour attributes
//	<StartGame id="chess"/>           start a game
//	<EndGame id="chess"/>             end a game
//	<Character>name</Character>       hand the next turn to another character
//
// Tags are processed in that order after the character's post rules ran.
// Valid tags are applied and removed. Tags whose content cannot be parsed are
// logged and left in the text untouched, so processing an already processed
// text has no further effect.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/prompt"
)

var (
	reMemoryAdd    = regexp.MustCompile(`(?s)<\+memory(?:_([A-Za-z]+))?>(.*?)</memory>`)
	reMemoryUpdate = regexp.MustCompile(`(?s)<#memory>(.*?)</memory>`)
	reMemoryDelete = regexp.MustCompile(`(?s)<-memory>(.*?)</memory>`)
	reDeltas       = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	reStartGame    = regexp.MustCompile(`<StartGame(?:\s+id\s*=\s*"([^"]*)")?\s*/>`)
	reEndGame      = regexp.MustCompile(`<EndGame(?:\s+id\s*=\s*"([^"]*)")?\s*/>`)
	reCharacter    = regexp.MustCompile(`(?s)<Character>(.*?)</Character>`)

	reBlankRuns = regexp.MustCompile(`\n{3,}`)
)

// GameEvent is the payload of [eventbus.TopicGameStart] and
// [eventbus.TopicGameEnd].
type GameEvent struct {
	Character string `json:"character"`
	GameID    string `json:"game_id"`
}

// Resolver maps the name written in a <Character> tag to a character id.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// Target is the state a response is applied to.
type Target struct {
	Character *character.Character
	Memory    *memory.Store

	// Rules are the character's post rules; nil skips rule processing.
	Rules *prompt.RuleSet
}

// Result describes what a response did.
type Result struct {
	// Text is the cleaned response.
	Text string

	MemoriesAdded   []memory.Entry
	MemoriesUpdated []int
	MemoriesDeleted []int

	// Deltas holds the attitude, boredom and stress changes when a <p> tag
	// was applied.
	Deltas *[3]float64

	GamesStarted []string
	GamesEnded   []string

	// SwitchTo is the id of the character scheduled for the next turn.
	SwitchTo string

	// Malformed lists tags that were left in place.
	Malformed []string
}

// Processor applies responses. It is safe for concurrent use as long as
// each Target is used by one goroutine at a time.
type Processor struct {
	resolver Resolver
	bus      *eventbus.Bus
}

// New returns a Processor. resolver and bus may be nil; without a resolver
// every <Character> tag is malformed, without a bus no game events are sent.
func New(resolver Resolver, bus *eventbus.Bus) *Processor {
	return &Processor{resolver: resolver, bus: bus}
}

// Process applies text to t and returns the cleaned text with a summary of
// the applied effects. The returned error reports memory writes that could
// not be persisted; the remaining tags are still applied.
func (p *Processor) Process(ctx context.Context, t Target, text string) (Result, error) {
	var res Result
	var errs []error
	id := t.Character.ID()
	log := slog.With("character", id)

	text = t.Rules.Apply(text, t.Character.Vars())

	if t.Memory != nil {
		text = replaceTags(text, reMemoryAdd, &res, func(m []string) (bool, error) {
			prio := memory.Normal
			if m[1] != "" {
				var ok bool
				if prio, ok = memory.ParsePriority(m[1]); !ok {
					return false, nil
				}
			}
			if strings.TrimSpace(m[2]) == "" {
				return false, nil
			}
			e, err := t.Memory.Add(prio, m[2])
			if err != nil {
				return true, err
			}
			res.MemoriesAdded = append(res.MemoriesAdded, e)
			return true, nil
		}, &errs)

		text = replaceTags(text, reMemoryUpdate, &res, func(m []string) (bool, error) {
			n, prio, content, ok := parseUpdate(m[1])
			if !ok {
				return false, nil
			}
			if err := t.Memory.Update(n, prio, content); err != nil {
				if errors.Is(err, memory.ErrNotFound) {
					log.Warn("postprocess: memory update for unknown entry", "number", n)
					return true, nil
				}
				return true, err
			}
			res.MemoriesUpdated = append(res.MemoriesUpdated, n)
			return true, nil
		}, &errs)

		text = replaceTags(text, reMemoryDelete, &res, func(m []string) (bool, error) {
			nums, err := memory.ParseNumbers(m[1])
			if err != nil {
				return false, nil
			}
			removed, err := t.Memory.Delete(nums...)
			if err != nil {
				return true, err
			}
			res.MemoriesDeleted = append(res.MemoriesDeleted, removed...)
			return true, nil
		}, &errs)
	}

	text = replaceTags(text, reDeltas, &res, func(m []string) (bool, error) {
		d, ok := parseDeltas(m[1])
		if !ok {
			return false, nil
		}
		t.Character.ApplyDeltas(d[0], d[1], d[2])
		res.Deltas = &d
		return true, nil
	}, &errs)

	text = replaceTags(text, reStartGame, &res, func(m []string) (bool, error) {
		t.Character.SetGame(m[1], true)
		res.GamesStarted = append(res.GamesStarted, m[1])
		p.emit(ctx, eventbus.TopicGameStart, GameEvent{Character: id, GameID: m[1]})
		return true, nil
	}, &errs)

	text = replaceTags(text, reEndGame, &res, func(m []string) (bool, error) {
		t.Character.SetGame(m[1], false)
		res.GamesEnded = append(res.GamesEnded, m[1])
		p.emit(ctx, eventbus.TopicGameEnd, GameEvent{Character: id, GameID: m[1]})
		return true, nil
	}, &errs)

	text = replaceTags(text, reCharacter, &res, func(m []string) (bool, error) {
		if p.resolver == nil {
			return false, nil
		}
		target, ok := p.resolver.Resolve(m[1])
		if !ok {
			return false, nil
		}
		if target != id {
			t.Character.ScheduleSwitch(target)
			res.SwitchTo = target
		}
		return true, nil
	}, &errs)

	t.Character.Increment(character.VarRememberCount)

	for _, tag := range res.Malformed {
		log.Error("postprocess: malformed tag left in response", "tag", tag)
	}
	res.Text = tidy(text)
	return res, errors.Join(errs...)
}

// replaceTags calls apply for every match of re. A match is removed when
// apply reports it handled; otherwise it is recorded as malformed and kept.
func replaceTags(text string, re *regexp.Regexp, res *Result, apply func(m []string) (bool, error), errs *[]error) string {
	return re.ReplaceAllStringFunc(text, func(match string) string {
		handled, err := apply(re.FindStringSubmatch(match))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("postprocess: %s: %w", match, err))
		}
		if !handled {
			res.Malformed = append(res.Malformed, match)
			return match
		}
		return ""
	})
}

func (p *Processor) emit(ctx context.Context, topic string, data any) {
	if p.bus != nil {
		p.bus.Emit(ctx, topic, data)
	}
}

// parseUpdate parses "N|content" or "N|priority|content".
func parseUpdate(s string) (n int, prio memory.Priority, content string, ok bool) {
	num, rest, found := strings.Cut(s, "|")
	if !found {
		return 0, "", "", false
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0, "", "", false
	}
	if first, tail, found := strings.Cut(rest, "|"); found {
		if pr, isPrio := memory.ParsePriority(first); isPrio {
			prio, rest = pr, tail
		}
	}
	content = strings.TrimSpace(rest)
	if content == "" {
		return 0, "", "", false
	}
	return n, prio, content, true
}

// parseDeltas parses exactly three comma separated finite numbers.
func parseDeltas(s string) ([3]float64, bool) {
	var d [3]float64
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return d, false
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return d, false
		}
		d[i] = v
	}
	return d, true
}

// tidy removes the gaps left by removed tags.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
