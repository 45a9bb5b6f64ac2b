// Package compress keeps a character's dialogue history inside the model's
// message and token budgets.
//
// A [Compressor] replaces the oldest eligible prefix of the history with one
// synthetic summary message, either when the composed prompt would exceed its
// limits or periodically every N turns. [ReduceImages] lowers the JPEG
// quality of older image attachments in a prompt.
//
// Compression works on a copy; whether the result is written back to the
// persisted history is the caller's choice (see [Policy.Destructive]).
package compress

import (
	"context"
	"log/slog"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// SummaryHeader starts the content of every synthetic summary message.
const SummaryHeader = "[Summary of earlier conversation]\n"

// Defaults applied by [New] to zero-valued policy fields.
const (
	DefaultTokenFraction = 0.75
	DefaultKeepRecent    = 4
)

// Trigger names the policy that caused a compression.
type Trigger string

const (
	TriggerNone     Trigger = ""
	TriggerLimit    Trigger = "limit"
	TriggerPeriodic Trigger = "periodic"
)

// Policy configures when and how history is compressed.
type Policy struct {
	// MessageLimit caps the number of messages in the composed prompt.
	// Zero disables the check.
	MessageLimit int

	// MaxTokens is the model's token budget; compression triggers above
	// MaxTokens × TokenFraction. Zero disables the check.
	MaxTokens     int
	TokenFraction float64

	// PeriodicInterval compresses every N turns when at least MinPercent
	// percent of the history is eligible. Zero disables it.
	PeriodicInterval int
	MinPercent       float64

	// OutputTarget is the role of the summary message: "system" or
	// "assistant".
	OutputTarget string

	// KeepRecent is the number of newest history messages never compressed.
	KeepRecent int

	// Destructive asks the caller to persist the compressed history.
	Destructive bool
}

// Outcome is the result of [Compressor.Apply].
type Outcome struct {
	// History is the history to place in the prompt.
	History []types.Message

	// Compressed is the number of original messages replaced.
	Compressed int

	Trigger Trigger

	// Summary is the generated summary; empty when the prefix was dropped
	// because summarisation failed.
	Summary string
}

// Compressor applies a [Policy]. It is safe for concurrent use.
type Compressor struct {
	policy     Policy
	summariser Summariser
}

// New returns a Compressor. A nil summariser drops the compressed prefix
// instead of summarising it.
func New(p Policy, s Summariser) *Compressor {
	if p.TokenFraction <= 0 || p.TokenFraction > 1 {
		p.TokenFraction = DefaultTokenFraction
	}
	if p.KeepRecent <= 0 {
		p.KeepRecent = DefaultKeepRecent
	}
	if p.OutputTarget != types.RoleAssistant {
		p.OutputTarget = types.RoleSystem
	}
	return &Compressor{policy: p, summariser: s}
}

// Policy returns the effective policy after defaults.
func (c *Compressor) Policy() Policy { return c.policy }

// WithSummariser returns a copy of c using s.
func (c *Compressor) WithSummariser(s Summariser) *Compressor {
	return &Compressor{policy: c.policy, summariser: s}
}

// Apply decides whether history must be compressed for a prompt that also
// carries overhead (system blocks and the new turn), and compresses it.
// turn is the 1-based turn counter used by the periodic policy. history is
// never modified.
func (c *Compressor) Apply(ctx context.Context, history, overhead []types.Message, turn int) (Outcome, error) {
	out := Outcome{History: history}
	eligible := len(history) - c.policy.KeepRecent
	if eligible <= 0 {
		return out, nil
	}

	n, trigger := c.limitCut(history, overhead, eligible)
	if n == 0 {
		n, trigger = c.periodicCut(history, eligible, turn)
	}
	if n == 0 {
		return out, nil
	}
	// Tool results stay with the assistant message that requested them.
	for n < len(history) && history[n].Role == types.RoleTool {
		n++
	}

	prefix := history[:n]
	rest := history[n:]
	out.Trigger = trigger
	out.Compressed = n

	summary := ""
	if c.summariser != nil {
		s, err := c.summariser.Summarise(ctx, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{History: history}, ctx.Err()
			}
			slog.Warn("compress: summarisation failed, dropping prefix", "messages", n, "trigger", trigger, "err", err)
		} else {
			summary = s
		}
	}

	compressed := make([]types.Message, 0, len(rest)+1)
	if summary != "" {
		compressed = append(compressed, types.Message{
			Role:      c.policy.OutputTarget,
			Content:   SummaryHeader + summary,
			Timestamp: prefix[len(prefix)-1].Timestamp,
		})
	}
	compressed = append(compressed, rest...)
	out.History = compressed
	out.Summary = summary
	slog.Debug("compress: history compressed", "trigger", trigger, "replaced", n, "remaining", len(compressed))
	return out, nil
}

// limitCut returns how many history messages must go to satisfy the message
// and token limits. When a limit is exceeded at least half of the eligible
// prefix is taken so compression does not run again on the next turn.
func (c *Compressor) limitCut(history, overhead []types.Message, eligible int) (int, Trigger) {
	required := 0

	if lim := c.policy.MessageLimit; lim > 0 {
		if total := len(history) + len(overhead); total > lim {
			// One slot goes to the summary message.
			required = total - lim + 1
		}
	}

	if c.policy.MaxTokens > 0 {
		budget := int(float64(c.policy.MaxTokens) * c.policy.TokenFraction)
		tokens := llm.EstimateTokens(overhead) + llm.EstimateTokens(history)
		if tokens > budget {
			cut := 0
			for cut < eligible && tokens > budget {
				tokens -= llm.EstimateTokens(history[cut : cut+1])
				cut++
			}
			required = max(required, cut)
		}
	}

	if required == 0 {
		return 0, TriggerNone
	}
	return min(max(required, eligible/2), eligible), TriggerLimit
}

func (c *Compressor) periodicCut(history []types.Message, eligible, turn int) (int, Trigger) {
	iv := c.policy.PeriodicInterval
	if iv <= 0 || turn <= 0 || turn%iv != 0 {
		return 0, TriggerNone
	}
	if float64(eligible)*100 < c.policy.MinPercent*float64(len(history)) {
		return 0, TriggerNone
	}
	// A single message is not worth a summary call.
	if eligible < 2 {
		return 0, TriggerNone
	}
	return eligible, TriggerPeriodic
}
