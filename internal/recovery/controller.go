package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Decision is what the host does with a crashed session.
type Decision string

const (
	DecisionResumeWithData Decision = "resume_with_data"
	DecisionResumeSafeMode Decision = "resume_safe_mode" // keep data, skip automatic reload
	DecisionDiscard        Decision = "discard_and_start_fresh"
)

// Choice is the user's answer to the recovery prompt.
type Choice string

const (
	ChoiceDefault Choice = "default" // follow the recommendation
	ChoiceAsk     Choice = "ask"     // host prompts; decides like default when it cannot
	ChoiceResume  Choice = "resume"
	ChoiceSafe    Choice = "safe"
	ChoiceDiscard Choice = "discard"
)

var ErrUnknownChoice = errors.New("unknown recovery choice")

// ParseChoice accepts a choice name or the decision it maps to.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "auto":
		return ChoiceDefault, nil
	case "ask", "prompt":
		return ChoiceAsk, nil
	case "resume", "r", string(DecisionResumeWithData):
		return ChoiceResume, nil
	case "safe", "s", "safe_mode", string(DecisionResumeSafeMode):
		return ChoiceSafe, nil
	case "discard", "d", "fresh", string(DecisionDiscard):
		return ChoiceDiscard, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChoice, s)
}

// Policy bounds automatic resumption.
type Policy struct {
	MaxAttempts int           // consecutive crashes before safe mode is recommended
	MaxDataAge  time.Duration // older recovery data is only offered in safe mode
}

// Controller maps a crash report and a user choice to a decision. It does no I/O.
type Controller struct {
	policy Policy
}

// NewController creates a controller. Zero policy fields take the defaults
// (3 attempts, 72h).
func NewController(p Policy) *Controller {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxDataAge <= 0 {
		p.MaxDataAge = 72 * time.Hour
	}
	return &Controller{policy: p}
}

// Recommend picks the decision offered by default.
func (c *Controller) Recommend(r *Report) Decision {
	switch {
	case r.CrashCount > c.policy.MaxAttempts:
		return DecisionResumeSafeMode
	case r.HeartbeatGap > c.policy.MaxDataAge:
		return DecisionResumeSafeMode
	case !r.HasUserData():
		return DecisionDiscard
	default:
		return DecisionResumeWithData
	}
}

// Decide applies the user's choice. An explicit choice wins over the
// recommendation; resuming without data degrades to a fresh start.
func (c *Controller) Decide(r *Report, choice Choice) Decision {
	switch choice {
	case ChoiceResume:
		if !r.HasUserData() {
			return DecisionDiscard
		}
		return DecisionResumeWithData
	case ChoiceSafe:
		return DecisionResumeSafeMode
	case ChoiceDiscard:
		return DecisionDiscard
	default:
		return c.Recommend(r)
	}
}

// Plan is the concrete effect of a decision on the new session.
type Plan struct {
	Decision Decision
	// Carry is the user data written into the new session.
	Carry map[string]json.RawMessage
	// Restore is the user data the host reloads automatically.
	Restore  map[string]json.RawMessage
	SafeMode bool
}

// Plan expands a decision. Safe mode keeps the data but restores nothing.
func (c *Controller) Plan(r *Report, d Decision) Plan {
	p := Plan{Decision: d}
	switch d {
	case DecisionResumeWithData:
		p.Carry = maps.Clone(r.UserData)
		p.Restore = maps.Clone(r.UserData)
	case DecisionResumeSafeMode:
		p.Carry = maps.Clone(r.UserData)
		p.SafeMode = true
	}
	return p
}
