package recovery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func reportWith(crashes int, gap time.Duration, withData bool) *Report {
	r := &Report{AppName: "halbasic", CrashCount: crashes, HeartbeatGap: gap}
	if withData {
		r.UserData = map[string]json.RawMessage{"last_file": json.RawMessage(`"a.txt"`)}
	}
	return r
}

func TestRecommend(t *testing.T) {
	c := NewController(Policy{MaxAttempts: 3, MaxDataAge: 72 * time.Hour})

	tests := []struct {
		name   string
		report *Report
		want   Decision
	}{
		{"fresh crash with data", reportWith(1, time.Minute, true), DecisionResumeWithData},
		{"no data", reportWith(1, time.Minute, false), DecisionDiscard},
		{"at attempt limit", reportWith(3, time.Minute, true), DecisionResumeWithData},
		{"too many crashes", reportWith(4, time.Minute, true), DecisionResumeSafeMode},
		{"data too old", reportWith(1, 80*time.Hour, true), DecisionResumeSafeMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Recommend(tt.report); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	c := NewController(Policy{})

	tests := []struct {
		name   string
		report *Report
		choice Choice
		want   Decision
	}{
		{"user resumes", reportWith(5, time.Minute, true), ChoiceResume, DecisionResumeWithData},
		{"resume without data", reportWith(1, time.Minute, false), ChoiceResume, DecisionDiscard},
		{"user picks safe", reportWith(1, time.Minute, true), ChoiceSafe, DecisionResumeSafeMode},
		{"user discards", reportWith(1, time.Minute, true), ChoiceDiscard, DecisionDiscard},
		{"default follows recommendation", reportWith(9, time.Minute, true), ChoiceDefault, DecisionResumeSafeMode},
		{"ask without prompt", reportWith(1, time.Minute, true), ChoiceAsk, DecisionResumeWithData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Decide(tt.report, tt.choice); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	c := NewController(Policy{})
	r := reportWith(1, time.Minute, true)

	resume := c.Plan(r, DecisionResumeWithData)
	if len(resume.Carry) != 1 || len(resume.Restore) != 1 || resume.SafeMode {
		t.Errorf("resume plan: got %+v", resume)
	}

	safe := c.Plan(r, DecisionResumeSafeMode)
	if len(safe.Carry) != 1 || len(safe.Restore) != 0 || !safe.SafeMode {
		t.Errorf("safe plan: got %+v", safe)
	}

	discard := c.Plan(r, DecisionDiscard)
	if len(discard.Carry) != 0 || len(discard.Restore) != 0 || discard.SafeMode {
		t.Errorf("discard plan: got %+v", discard)
	}

	// Plans must not alias the report's data.
	resume.Carry["injected"] = json.RawMessage(`1`)
	if _, ok := r.UserData["injected"]; ok {
		t.Error("plan shares its map with the report")
	}
}

func TestParseChoice(t *testing.T) {
	tests := map[string]Choice{
		"":                        ChoiceDefault,
		"ask":                     ChoiceAsk,
		"Resume":                  ChoiceResume,
		"resume_with_data":        ChoiceResume,
		" safe ":                  ChoiceSafe,
		"resume_safe_mode":        ChoiceSafe,
		"discard":                 ChoiceDiscard,
		"discard_and_start_fresh": ChoiceDiscard,
	}
	for in, want := range tests {
		got, err := ParseChoice(in)
		if err != nil || got != want {
			t.Errorf("ParseChoice(%q): got %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseChoice("maybe"); !errors.Is(err, ErrUnknownChoice) {
		t.Errorf("got %v, want ErrUnknownChoice", err)
	}
}
