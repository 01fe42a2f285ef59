package routing

import (
	"testing"
)

func TestExtractIntents(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"Log 30 minutes of coding", IntentLog},
		{"Check in my reading habit", IntentCheckIn},
		{"Show my streak stats", IntentStatistics},
		{"Delete yesterday's entry", IntentDelete},
		{"Create a meeting for tomorrow", IntentCreate},
		{"List my events this week", IntentQuery},
	}
	for _, tc := range cases {
		ex := Extract(tc.message)
		if !ex.HasIntent(tc.want) {
			t.Errorf("Extract(%q).Intents = %v, want %s", tc.message, ex.Intents, tc.want)
		}
	}
}

func TestExtractIntentWordBoundary(t *testing.T) {
	// "add" must not fire on "address".
	ex := Extract("What is my home address")
	if ex.HasIntent(IntentCreate) {
		t.Errorf("create intent fired on 'address': %v", ex.Intents)
	}
}

func TestExtractDates(t *testing.T) {
	ex := Extract("Log my run on 2026-08-25 and again yesterday")
	if !contains(ex.Entities.Dates, "2026-08-25") {
		t.Errorf("ISO date missing from %v", ex.Entities.Dates)
	}
	if !contains(ex.Entities.Dates, "yesterday") {
		t.Errorf("relative date missing from %v", ex.Entities.Dates)
	}
}

func TestExtractTimes(t *testing.T) {
	ex := Extract("Log coding from 2pm to 4:30 pm and a standup at 09:15")
	if len(ex.Entities.Times) < 3 {
		t.Fatalf("expected clock and military times, got %v", ex.Entities.Times)
	}
	if !contains(ex.Entities.Times, "2pm") {
		t.Errorf("am/pm time missing from %v", ex.Entities.Times)
	}
	if !contains(ex.Entities.Times, "09:15") {
		t.Errorf("24h time missing from %v", ex.Entities.Times)
	}
}

func TestExtractNamesSkipsSentenceStart(t *testing.T) {
	ex := Extract("Schedule lunch with Alice")
	if !contains(ex.Entities.Names, "Alice") {
		t.Errorf("expected Alice in names, got %v", ex.Entities.Names)
	}
	for _, name := range ex.Entities.Names {
		if name == "Schedule" {
			t.Error("sentence-initial word must not be treated as a name")
		}
	}
}

func TestExtractPhrases(t *testing.T) {
	ex := Extract("show habit streak summary")
	if !contains(ex.Phrases, "habit streak") {
		t.Errorf("expected bigram 'habit streak' in %v", ex.Phrases)
	}
	if !contains(ex.Phrases, "habit streak summary") {
		t.Errorf("expected trigram in %v", ex.Phrases)
	}
}

func TestHasIntentMultiple(t *testing.T) {
	ex := &Extraction{Intents: []string{IntentLog}}
	if !ex.HasIntent(IntentCheckIn, IntentLog) {
		t.Error("HasIntent must match any of the given intents")
	}
	if ex.HasIntent(IntentDelete) {
		t.Error("HasIntent must not match absent intents")
	}
}
