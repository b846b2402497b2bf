package handoff

import (
	"testing"
	"time"

	"github.com/vtorres/leadline/internal/config"
	"github.com/vtorres/leadline/internal/hours"
	"github.com/vtorres/leadline/internal/models"
)

// Monday 2026-08-24 in America/Sao_Paulo; business hours 09:00-18:00
// Monday through Friday.
func testOracle(t *testing.T) *hours.Oracle {
	t.Helper()
	sched, err := hours.ParseSchedule(config.HoursConfig{
		Timezone: "America/Sao_Paulo",
		Weekdays: map[string]string{
			"monday":    "09:00-18:00",
			"tuesday":   "09:00-18:00",
			"wednesday": "09:00-18:00",
			"thursday":  "09:00-18:00",
			"friday":    "09:00-18:00",
		},
	})
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	oracle, err := hours.NewOracle(sched)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return oracle
}

func testMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(MachineOpts{Oracle: testOracle(t)})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestDecideTransitions(t *testing.T) {
	m := testMachine(t)
	loc := saoPaulo(t)
	open := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)   // Monday 10:00
	closed := time.Date(2026, 8, 24, 20, 0, 0, 0, loc) // Monday 20:00

	tests := []struct {
		name     string
		current  string
		origin   string
		text     string
		now      time.Time
		wantTo   string
		wantRule string
	}{
		{
			name:     "operator takeover while open",
			current:  models.HandoffActive,
			origin:   OriginOperator,
			text:     "oi, vou assumir",
			now:      open,
			wantTo:   models.HandoffPaused,
			wantRule: RuleTakeover,
		},
		{
			name:     "operator takeover while closed",
			current:  models.HandoffActive,
			origin:   OriginOperator,
			text:     "late reply",
			now:      closed,
			wantTo:   models.HandoffPaused,
			wantRule: RuleTakeover,
		},
		{
			name:     "operator resume command while open",
			current:  models.HandoffPaused,
			origin:   OriginOperator,
			text:     "retomar",
			now:      open,
			wantTo:   models.HandoffActive,
			wantRule: RuleOperatorResume,
		},
		{
			name:     "resume command ignored while closed",
			current:  models.HandoffPaused,
			origin:   OriginOperator,
			text:     "retomar",
			now:      closed,
			wantTo:   models.HandoffPaused,
			wantRule: RuleNone,
		},
		{
			name:     "operator non-command keeps pause",
			current:  models.HandoffPaused,
			origin:   OriginOperator,
			text:     "vamos retomar amanha",
			now:      open,
			wantTo:   models.HandoffPaused,
			wantRule: RuleNone,
		},
		{
			name:     "lead message after hours auto-resumes",
			current:  models.HandoffPaused,
			origin:   OriginLead,
			text:     "alguem ai?",
			now:      closed,
			wantTo:   models.HandoffActive,
			wantRule: RuleAfterHoursResume,
		},
		{
			name:     "lead message during hours keeps pause",
			current:  models.HandoffPaused,
			origin:   OriginLead,
			text:     "alguem ai?",
			now:      open,
			wantTo:   models.HandoffPaused,
			wantRule: RuleNone,
		},
		{
			name:     "lead message while active is a no-op",
			current:  models.HandoffActive,
			origin:   OriginLead,
			text:     "quero saber o preco",
			now:      open,
			wantTo:   models.HandoffActive,
			wantRule: RuleNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := m.Decide(tt.current, tt.origin, tt.text, tt.now)
			if d.To != tt.wantTo {
				t.Errorf("To = %q, want %q", d.To, tt.wantTo)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q", d.Rule, tt.wantRule)
			}
			if d.From != tt.current {
				t.Errorf("From = %q, want %q", d.From, tt.current)
			}
			wantChanged := tt.wantTo != tt.current
			if d.Changed != wantChanged {
				t.Errorf("Changed = %v, want %v", d.Changed, wantChanged)
			}
		})
	}
}

func TestResumeVocabulary(t *testing.T) {
	m := testMachine(t)
	loc := saoPaulo(t)
	open := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)

	tests := []struct {
		text string
		want bool
	}{
		{"retomar", true},
		{"RETOMAR", true},
		{"  Resume  ", true},
		{"!retomar", true},
		{"/resume", true},
		{"!!retomar", false}, // at most one leading punctuation char
		{"retomar agora", false},
		{"resumir", false},
		{"", false},
	}
	for _, tt := range tests {
		d := m.Decide(models.HandoffPaused, OriginOperator, tt.text, open)
		got := d.Rule == RuleOperatorResume
		if got != tt.want {
			t.Errorf("Decide(%q): resume = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestCustomResumeCommands(t *testing.T) {
	m, err := New(MachineOpts{Oracle: testOracle(t), ResumeCommands: []string{"voltar"}})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	loc := saoPaulo(t)
	open := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)

	if d := m.Decide(models.HandoffPaused, OriginOperator, "voltar", open); !d.Changed {
		t.Error("custom command should resume")
	}
	if d := m.Decide(models.HandoffPaused, OriginOperator, "retomar", open); d.Changed {
		t.Error("default command should not resume when overridden")
	}
}

func TestNewRequiresOracle(t *testing.T) {
	if _, err := New(MachineOpts{}); err == nil {
		t.Error("expected error for missing oracle")
	}
}
