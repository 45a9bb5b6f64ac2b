package character

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// Name matching thresholds for [Registry.Resolve]. A candidate whose Double
// Metaphone codes overlap the query needs the lower Jaro-Winkler score;
// others need the higher one.
const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// Registry is the fixed set of characters known to the process. It is
// populated at start-up and read-only afterwards.
type Registry struct {
	order []string
	byID  map[string]*Character
}

// NewRegistry creates a character for every definition, rooted at
// promptsDir/<id>, and loads their seeds.
func NewRegistry(promptsDir string, defs []Definition) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Character, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("character: definition without id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("character: duplicate id %q", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		c := New(d, filepath.Join(promptsDir, d.ID))
		if err := c.LoadSeeds(); err != nil {
			return nil, err
		}
		r.byID[d.ID] = c
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Get returns the character with the given id.
func (r *Registry) Get(id string) (*Character, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// IDs returns character ids in declaration order.
func (r *Registry) IDs() []string { return slices.Clone(r.order) }

// All returns every character in declaration order.
func (r *Registry) All() []*Character {
	out := make([]*Character, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Resolve maps a free-form name, as a model would write it in a
// <Character> tag, to a character id. Exact matches on id, name or short
// name win (case-insensitive). Otherwise the best phonetic or fuzzy match
// above threshold is returned.
func (r *Registry) Resolve(name string) (string, bool) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return "", false
	}

	for _, id := range r.order {
		d := r.byID[id].def
		for _, alias := range []string{d.ID, d.Name, d.ShortName} {
			if alias != "" && strings.ToLower(alias) == q {
				return id, true
			}
		}
	}

	queryTokens := strings.Fields(q)
	queryCodes := metaphoneCodes(queryTokens)

	var (
		bestID       string
		bestScore    float64
		bestPhonetic bool
	)
	for _, id := range r.order {
		d := r.byID[id].def
		for _, alias := range []string{d.Name, d.ShortName, d.ID} {
			a := strings.ToLower(strings.TrimSpace(alias))
			if a == "" {
				continue
			}
			aliasTokens := strings.Fields(a)
			score := similarity(queryTokens, aliasTokens, q, a)
			phonetic := overlaps(queryCodes, metaphoneCodes(aliasTokens))

			switch {
			case phonetic && score >= phoneticThreshold:
				if !bestPhonetic || score > bestScore {
					bestID, bestScore, bestPhonetic = id, score, true
				}
			case !phonetic && !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
				bestID, bestScore = id, score
			}
		}
	}
	return bestID, bestID != ""
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		for _, c := range []string{primary, secondary} {
			if c != "" {
				codes[c] = struct{}{}
			}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// space-stripped strings and every token pair.
func similarity(qTokens, aTokens []string, q, a string) float64 {
	score := matchr.JaroWinkler(q, a, false)
	if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(aTokens, ""), false); s > score {
		score = s
	}
	for _, qt := range qTokens {
		for _, at := range aTokens {
			if s := matchr.JaroWinkler(qt, at, false); s > score {
				score = s
			}
		}
	}
	return score
}
