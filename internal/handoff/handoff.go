// Package handoff decides which party owns a conversation: the automated
// responder (ACTIVE) or a human operator (PAUSED). The machine is purely
// reactive: it holds no timers and re-evaluates business hours on every
// inbound message.
package handoff

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/vtorres/leadline/internal/hours"
	"github.com/vtorres/leadline/internal/models"
)

// Origins of inbound messages.
const (
	OriginLead     = "lead"
	OriginOperator = "operator"
)

// Rules name which transition fired, for operational audit.
const (
	RuleNone             = "none"
	RuleTakeover         = "operator_takeover"
	RuleOperatorResume   = "operator_resume"
	RuleAfterHoursResume = "after_hours_auto_resume"
)

// Decision is the outcome of evaluating one inbound message.
type Decision struct {
	From      string // state before the message
	To        string // state after the message
	Origin    string
	HoursOpen bool // the business-hours determination used
	Rule      string
	Changed   bool
}

// Machine evaluates handoff transitions. Safe for concurrent use; the
// caller serializes per conversation.
type Machine struct {
	oracle         *hours.Oracle
	resumeCommands []string
}

// MachineOpts holds parameters for creating a Machine.
type MachineOpts struct {
	Oracle         *hours.Oracle
	ResumeCommands []string // defaults to retomar, resume
}

// New creates a Machine.
func New(opts MachineOpts) (*Machine, error) {
	if opts.Oracle == nil {
		return nil, fmt.Errorf("handoff: oracle is required")
	}
	commands := opts.ResumeCommands
	if len(commands) == 0 {
		commands = []string{"retomar", "resume"}
	}
	lowered := make([]string, len(commands))
	for i, c := range commands {
		lowered[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return &Machine{oracle: opts.Oracle, resumeCommands: lowered}, nil
}

// Decide evaluates the transition rules for one inbound message against the
// state as of immediately before it. The returned decision must be applied
// before the message is considered for automated handling, so that a
// resume-triggering lead message is also the first message the resumed
// responder processes.
func (m *Machine) Decide(current, origin, text string, now time.Time) Decision {
	open := m.oracle.IsOpen(now)
	d := Decision{From: current, To: current, Origin: origin, HoursOpen: open, Rule: RuleNone}

	switch current {
	case models.HandoffActive:
		// Any operator message means the operator is present and writing.
		if origin == OriginOperator {
			d.To = models.HandoffPaused
			d.Rule = RuleTakeover
			d.Changed = true
		}

	case models.HandoffPaused:
		switch origin {
		case OriginOperator:
			// Explicit resume command, honored only while a human is
			// assumed present.
			if open && m.isResumeCommand(text) {
				d.To = models.HandoffActive
				d.Rule = RuleOperatorResume
				d.Changed = true
			}
		case OriginLead:
			// After hours nobody is answering; hand back to the
			// automated responder.
			if m.oracle.ShouldAutoResume(now) {
				d.To = models.HandoffActive
				d.Rule = RuleAfterHoursResume
				d.Changed = true
			}
		}
	}

	return d
}

// isResumeCommand matches the small resume vocabulary: case-insensitive,
// tolerating at most one leading punctuation character.
func (m *Machine) isResumeCommand(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	runes := []rune(trimmed)
	if len(runes) > 0 && unicode.IsPunct(runes[0]) {
		trimmed = strings.TrimSpace(string(runes[1:]))
	}
	for _, cmd := range m.resumeCommands {
		if trimmed == cmd {
			return true
		}
	}
	return false
}
