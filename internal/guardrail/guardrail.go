// Package guardrail enforces fact-extraction cooldowns, token caps, and an
// exec-approval rate limiter ahead of their respective external calls.
// State is tracked per key under a mutex; gating is cooperative
// skip-rather-than-block.
package guardrail

import (
	"sync"
	"time"

	"nerdwf/internal/logging"
)

// Config holds the four extraction-guardrail knobs.
type Config struct {
	MaxMessages int
	MaxFacts    int
	MaxTokens   int
	CooldownMs  int
}

// DefaultConfig returns the guardrail's default cooldown/cap settings.
func DefaultConfig() Config {
	return Config{MaxMessages: 25, MaxFacts: 50, MaxTokens: 1500, CooldownMs: 30_000}
}

// Telemetry counts guardrail skips/caps, surfaced via `memory facts stats`.
type Telemetry struct {
	mu              sync.Mutex
	SkippedCooldown int64
	SkippedTokenCap int64
	CappedFacts     int64
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Telemetry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Telemetry{SkippedCooldown: t.SkippedCooldown, SkippedTokenCap: t.SkippedTokenCap, CappedFacts: t.CappedFacts}
}

func (t *Telemetry) incCooldown() {
	t.mu.Lock()
	t.SkippedCooldown++
	t.mu.Unlock()
}

func (t *Telemetry) incTokenCap() {
	t.mu.Lock()
	t.SkippedTokenCap++
	t.mu.Unlock()
}

func (t *Telemetry) incCappedFacts(n int64) {
	t.mu.Lock()
	t.CappedFacts += n
	t.mu.Unlock()
}

// Guardrail gates extraction calls per session.
type Guardrail struct {
	cfg       Config
	telemetry *Telemetry

	mu            sync.Mutex
	lastExtracted map[string]time.Time
}

// New builds a Guardrail. Pass a shared Telemetry to aggregate counters
// across sessions.
func New(cfg Config, telemetry *Telemetry) *Guardrail {
	if telemetry == nil {
		telemetry = &Telemetry{}
	}
	return &Guardrail{cfg: cfg, telemetry: telemetry, lastExtracted: make(map[string]time.Time)}
}

// Telemetry returns the guardrail's counter set.
func (g *Guardrail) Telemetry() *Telemetry { return g.telemetry }

// PrepareResult reports what Prepare decided.
type PrepareResult struct {
	Proceed  bool
	Reason   string // "" when Proceed, else "cooldown" or "token_cap"
	Messages []string
}

// Prepare runs the three pre-extraction checks in order: cooldown, message
// truncation, token estimate. Returns Proceed=false with a Reason on the
// first failing check.
func (g *Guardrail) Prepare(sessionID string, messages []string, now time.Time) PrepareResult {
	g.mu.Lock()
	last, ok := g.lastExtracted[sessionID]
	g.mu.Unlock()
	if ok && g.cfg.CooldownMs > 0 {
		elapsed := now.Sub(last)
		if elapsed < time.Duration(g.cfg.CooldownMs)*time.Millisecond {
			g.telemetry.incCooldown()
			logging.Guardrail("extraction skipped for session %s: cooldown (%.0fms remaining)", sessionID, float64(g.cfg.CooldownMs)-float64(elapsed.Milliseconds()))
			return PrepareResult{Proceed: false, Reason: "cooldown"}
		}
	}

	truncated := messages
	if g.cfg.MaxMessages > 0 && len(truncated) > g.cfg.MaxMessages {
		truncated = truncated[len(truncated)-g.cfg.MaxMessages:]
		logging.Guardrail("truncated message batch for session %s to last %d messages", sessionID, g.cfg.MaxMessages)
	}

	if g.cfg.MaxTokens > 0 {
		tokens := approxTokens(truncated)
		if tokens > g.cfg.MaxTokens {
			g.telemetry.incTokenCap()
			logging.Guardrail("extraction skipped for session %s: estimated %d tokens exceeds cap %d", sessionID, tokens, g.cfg.MaxTokens)
			return PrepareResult{Proceed: false, Reason: "token_cap"}
		}
	}

	return PrepareResult{Proceed: true, Messages: truncated}
}

// MarkExtracted records a successful extraction for cooldown purposes.
func (g *Guardrail) MarkExtracted(sessionID string, now time.Time) {
	g.mu.Lock()
	g.lastExtracted[sessionID] = now
	g.mu.Unlock()
}

// CapFacts truncates facts to MaxFacts, recording how many were dropped.
func (g *Guardrail) CapFacts(facts []string) []string {
	if g.cfg.MaxFacts <= 0 || len(facts) <= g.cfg.MaxFacts {
		return facts
	}
	dropped := len(facts) - g.cfg.MaxFacts
	g.telemetry.incCappedFacts(int64(dropped))
	logging.Guardrail("capped adopted facts to %d (dropped %d)", g.cfg.MaxFacts, dropped)
	return facts[:g.cfg.MaxFacts]
}

func approxTokens(messages []string) int {
	total := 0
	for _, m := range messages {
		total += len(m)
	}
	return total / 4
}
