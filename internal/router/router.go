// Package router classifies incoming messages as urgent emergencies or
// general knowledge queries. Urgent queries trigger the second-stage safety
// review pass. Pure functions, no I/O.
package router

import (
	"fmt"
	"sort"
	"strings"
)

// Decision is the routing verdict for one message. Reason is diagnostic
// text for logs and the status event; callers never parse it.
type Decision struct {
	IsUrgent bool   `json:"is_urgent"`
	Reason   string `json:"reason"`
}

// urgentKeywords are single words that signal an active emergency.
var urgentKeywords = map[string]struct{}{
	"bleeding": {}, "blood": {}, "broken": {}, "fracture": {}, "unconscious": {}, "choking": {},
	"drowning": {}, "hypothermia": {}, "heatstroke": {}, "shock": {},
	"snakebite": {}, "poisoned": {}, "poison": {}, "allergic": {}, "anaphylaxis": {},
	"stroke": {}, "seizure": {}, "concussion": {},
	"fire": {}, "wildfire": {}, "flood": {}, "earthquake": {}, "tornado": {}, "hurricane": {},
	"tsunami": {}, "explosion": {}, "collapse": {}, "trapped": {}, "buried": {},
	"gunshot": {}, "wound": {}, "stabbed": {}, "burned": {}, "burn": {},
	"lost": {}, "stranded": {}, "dehydrated": {}, "starving": {},
	"radiation": {}, "fallout": {}, "contaminated": {},
	"help": {}, "emergency": {}, "dying": {}, "danger": {}, "urgent": {},
}

// strongSignals is the subset of urgentKeywords that is alarming enough on
// its own. A single weak keyword (a bare "help") does not trigger urgency.
var strongSignals = map[string]struct{}{
	"bleeding": {}, "choking": {}, "drowning": {}, "unconscious": {}, "trapped": {},
	"earthquake": {}, "tornado": {}, "wildfire": {}, "tsunami": {}, "explosion": {},
	"emergency": {}, "dying": {}, "radiation": {}, "fallout": {},
}

// urgentPatterns are multi-word phrases that strongly indicate an active
// emergency. Checked before keyword density; order is first-match-wins.
// All entries must be lowercase.
var urgentPatterns = []string{
	"i'm hurt",
	"i am hurt",
	"i'm injured",
	"i am injured",
	"i'm bleeding",
	"someone is hurt",
	"need help now",
	"what do i do",
	"i think i broke",
	"i've been bitten",
	"i've been stung",
	"there's a fire",
	"water is rising",
	"i'm trapped",
	"i'm lost",
	"can't find my way",
	"can't breathe",
	"not breathing",
	"heart attack",
	"snake bite",
	"running out of water",
	"no food left",
	"how do i stop the bleeding",
	"is this safe to eat",
	"is this safe to drink",
}

// Route classifies a message. Matching is case-insensitive; empty or
// whitespace-only input falls through every check and comes back not urgent.
func Route(message string) Decision {
	lower := strings.ToLower(strings.TrimSpace(message))

	for _, pattern := range urgentPatterns {
		if strings.Contains(lower, pattern) {
			return Decision{
				IsUrgent: true,
				Reason:   fmt.Sprintf("urgent pattern: %q", pattern),
			}
		}
	}

	matches := keywordMatches(lower)
	if len(matches) >= 2 {
		return Decision{
			IsUrgent: true,
			Reason:   fmt.Sprintf("urgent keywords: %s", strings.Join(matches, ", ")),
		}
	}

	// This branch requires exactly one match; keep that precondition if the
	// keyword vocabulary grows.
	if len(matches) == 1 {
		if _, strong := strongSignals[matches[0]]; strong {
			return Decision{
				IsUrgent: true,
				Reason:   fmt.Sprintf("strong urgent keyword: %q", matches[0]),
			}
		}
	}

	return Decision{
		IsUrgent: false,
		Reason:   "general survival knowledge query",
	}
}

// keywordMatches intersects the message's whitespace tokens with the urgent
// vocabulary, sorted so the reason text is deterministic.
func keywordMatches(lower string) []string {
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(lower) {
		if _, ok := urgentKeywords[word]; ok {
			seen[word] = struct{}{}
		}
	}

	matches := make([]string, 0, len(seen))
	for w := range seen {
		matches = append(matches, w)
	}
	sort.Strings(matches)
	return matches
}
