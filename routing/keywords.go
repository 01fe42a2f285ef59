// Package routing narrows the service registry to a small candidate set
// by lexical scoring, then asks an LLM to make the final selection.
package routing

import (
	"regexp"
	"strings"

	"github.com/yukie-ai/yukie/registry"
)

// Intent tags produced by the extractor. Advisory only: they feed
// candidate scoring, never execution.
const (
	IntentLog        = "log"
	IntentQuery      = "query"
	IntentStatistics = "statistics"
	IntentDelete     = "delete"
	IntentCheckIn    = "check-in"
	IntentCreate     = "create"
)

// Extraction is the result of analysing a user message.
type Extraction struct {
	Keywords []string `json:"keywords"`
	Phrases  []string `json:"phrases"`
	Intents  []string `json:"intents"`
	Entities Entities `json:"entities"`
}

// Entities holds heuristically extracted values from a message.
type Entities struct {
	Dates []string `json:"dates,omitempty"`
	Times []string `json:"times,omitempty"`
	Names []string `json:"names,omitempty"`
}

var intentTriggers = []struct {
	intent   string
	triggers []string
}{
	{IntentCheckIn, []string{"check in", "check-in", "checkin"}},
	{IntentLog, []string{"log", "track", "record"}},
	{IntentStatistics, []string{"stat", "stats", "streak", "summary"}},
	{IntentQuery, []string{"show", "query", "list"}},
	{IntentDelete, []string{"delete", "remove"}},
	{IntentCreate, []string{"create", "add"}},
}

var (
	isoDateRe  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	relDateRe  = regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow|last week|this week|last month)\b`)
	clockRe    = regexp.MustCompile(`(?i)\b\d{1,2}(:\d{2})?\s*(am|pm)\b`)
	militaryRe = regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d\b`)
	properRe   = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)
)

// Extract analyses a message into keywords, phrases, intents and
// entities.
func Extract(message string) *Extraction {
	tokens := registry.Tokenize(message)

	ex := &Extraction{
		Keywords: tokens,
		Phrases:  ngrams(tokens),
		Intents:  detectIntents(message),
		Entities: extractEntities(message),
	}
	return ex
}

// ngrams produces 2- and 3-grams of the kept tokens.
func ngrams(tokens []string) []string {
	var phrases []string
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			phrases = append(phrases, strings.Join(tokens[i:i+n], " "))
		}
	}
	return phrases
}

func detectIntents(message string) []string {
	lower := strings.ToLower(message)
	var intents []string
	seen := make(map[string]bool)

	for _, entry := range intentTriggers {
		for _, trigger := range entry.triggers {
			if !containsWord(lower, trigger) {
				continue
			}
			if !seen[entry.intent] {
				seen[entry.intent] = true
				intents = append(intents, entry.intent)
			}
			break
		}
	}
	return intents
}

// containsWord matches a trigger on word boundaries so that "add" does
// not fire on "address".
func containsWord(text, trigger string) bool {
	idx := 0
	for {
		pos := strings.Index(text[idx:], trigger)
		if pos < 0 {
			return false
		}
		pos += idx
		startOK := pos == 0 || !isWordChar(text[pos-1])
		end := pos + len(trigger)
		endOK := end >= len(text) || !isWordChar(text[end])
		if startOK && endOK {
			return true
		}
		idx = pos + 1
	}
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func extractEntities(message string) Entities {
	var e Entities

	e.Dates = append(e.Dates, isoDateRe.FindAllString(message, -1)...)
	for _, m := range relDateRe.FindAllString(message, -1) {
		e.Dates = append(e.Dates, strings.ToLower(m))
	}

	e.Times = append(e.Times, clockRe.FindAllString(message, -1)...)
	for _, m := range militaryRe.FindAllString(message, -1) {
		if !contains(e.Times, m) {
			e.Times = append(e.Times, m)
		}
	}

	// Capitalised words past the start of the sentence are likely
	// people or project names.
	for _, m := range properRe.FindAllStringIndex(message, -1) {
		if m[0] == 0 {
			continue
		}
		word := message[m[0]:m[1]]
		if registry.IsStopWord(strings.ToLower(word)) {
			continue
		}
		if !contains(e.Names, word) {
			e.Names = append(e.Names, word)
		}
	}

	return e
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// HasIntent reports whether the extraction carries an intent tag.
func (e *Extraction) HasIntent(intents ...string) bool {
	for _, want := range intents {
		for _, got := range e.Intents {
			if got == want {
				return true
			}
		}
	}
	return false
}
