// Package rules implements the Beacon → Instruction routing engine from
// spec.md §4.7: an LLM-free, table-driven pipeline that infers severity,
// picks a target app, renders a scripted instruction, enforces actor
// authority and hard business rules, and sanitises the result against a
// per-target action allow-list. The config shape (a single struct loaded
// from YAML) and the ordered-checks-returning-a-result style match
// internal/policy's own Evaluate shape.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Actor identifies who/what raised a Beacon.
type Actor struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// Beacon is the operational event the engine reacts to, per spec.md §3.
type Beacon struct {
	BeaconID      string         `json:"beacon_id"`
	TimestampISO  string         `json:"timestamp_iso"`
	SignalSource  string         `json:"signal_source"`
	Actor         Actor          `json:"actor"`
	LocationID    string         `json:"location_id"`
	MachinePayload map[string]any `json:"machine_payload"`
	Metadata      map[string]any `json:"metadata"`
}

// NormalizedSignal is the pre-classified signal attached to a Beacon.
type NormalizedSignal struct {
	SignalType string         `json:"signal_type"`
	Severity   string         `json:"severity"`
	Summary    string         `json:"summary"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
}

// Target names the downstream consumer of an Instruction.
type Target struct {
	App        string `json:"app"`
	LocationID string `json:"location_id"`
	UserID     string `json:"user_id"`
}

// Action is one routable directive inside an Instruction.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// Instruction is the engine's deterministic, self-describing output.
type Instruction struct {
	InstructionID            string   `json:"instruction_id"`
	BeaconID                 string   `json:"beacon_id"`
	CreatedAtISO             string   `json:"created_at_iso"`
	Target                   Target   `json:"target"`
	Priority                 string   `json:"priority"`
	Message                  string   `json:"message"`
	Actions                  []Action `json:"actions"`
	Confidence               float64  `json:"confidence"`
	NeedsHumanClarification  bool     `json:"needs_human_clarification"`
	ClarificationQuestion    string   `json:"clarification_question,omitempty"`
	RationaleBullets         []string `json:"rationale_bullets"`
	ModelTrace               string   `json:"model_trace,omitempty"`
}

// HardRuleViolation records why a hard rule overrode an instruction's
// actions, per spec.md §3.
type HardRuleViolation struct {
	Rule         string `json:"rule"`
	BlockedAction string `json:"blocked_action"`
	Reason       string `json:"reason"`
	SKU          string `json:"sku,omitempty"`
	LifeDays     int    `json:"life_days,omitempty"`
}

// DateRange is a month-day window, e.g. {Start:"01-02", End:"01-05"},
// matched without year-boundary wraparound (DESIGN.md's Open Question
// #1 decision: configs that wrap are rejected at load time).
type DateRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ActionTemplate is a node in a scripted instruction's action tree.
// ProposedAction/IfNoThen let a single REQUEST_APPROVAL action encode a
// full decision branch, per spec.md §4.7 step 4.
type ActionTemplate struct {
	Type           string          `yaml:"type"`
	Params         map[string]any  `yaml:"params"`
	ProposedAction *ActionTemplate `yaml:"proposed_action,omitempty"`
	IfNoThen       *ActionTemplate `yaml:"if_no_then,omitempty"`
}

// InstructionTemplate is the scripted content keyed by (signal_source,
// signal_type).
type InstructionTemplate struct {
	Message    string           `yaml:"message"`
	Actions    []ActionTemplate `yaml:"actions"`
	Rationale  []string         `yaml:"rationale"`
	Confidence float64          `yaml:"confidence"`
}

// SourceFallback is one entry of the substring-based target fallback,
// per spec.md §4.7 step 3 ("any source containing CANCEL -> CONTROL_TOWER").
type SourceFallback struct {
	Substring string `yaml:"substring"`
	Target    string `yaml:"target"`
}

// Config is the full rules configuration, loaded from a single YAML
// document per spec.md's "config object -> explicit struct" design note.
type Config struct {
	SeverityBySource    map[string]string               `yaml:"severity_by_source"`
	TaskNameByPriority  map[string]string                `yaml:"task_name_by_priority"`
	TargetBySource      map[string]string                `yaml:"target_by_source"`
	TargetBySignalType  map[string]string                `yaml:"target_by_signal_type"`
	TargetSubstringFallback []SourceFallback             `yaml:"target_substring_fallback"`
	TargetByActorRole   map[string]string                `yaml:"target_by_actor_role"`
	Templates           map[string]InstructionTemplate   `yaml:"templates"`
	AllowList           map[string][]string               `yaml:"allow_list"`
	PeakShavingRanges   []DateRange                       `yaml:"peak_shaving_ranges"`
	PullOnlyRanges      []DateRange                       `yaml:"pull_only_ranges"`
	OneDayShelfLifeSKUs []string                          `yaml:"one_day_shelf_life_skus"`
	PullOnlyBlockedActions []string                       `yaml:"pull_only_blocked_actions"`
}

const (
	defaultTarget = "SYSTEM"

	templateSep = "::"
)

func templateKey(source, signalType string) string {
	return source + templateSep + signalType
}

// Load reads and validates a Config from path. Validation rejects any
// date range whose start falls after its end within the same year,
// since the engine never wraps a range across a year boundary.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	for _, r := range append(append([]DateRange{}, cfg.PeakShavingRanges...), cfg.PullOnlyRanges...) {
		if err := validateRange(r); err != nil {
			return cfg, err
		}
	}
	if len(cfg.PullOnlyBlockedActions) == 0 {
		cfg.PullOnlyBlockedActions = []string{"RESERVE_SHADOW_INVENTORY", "PAUSE_FUTURE_WEB_SALES"}
	}
	return cfg, nil
}

func validateRange(r DateRange) error {
	start, err := parseMonthDay(r.Start)
	if err != nil {
		return fmt.Errorf("rules: invalid range start %q: %w", r.Start, err)
	}
	end, err := parseMonthDay(r.End)
	if err != nil {
		return fmt.Errorf("rules: invalid range end %q: %w", r.End, err)
	}
	if start > end {
		return fmt.Errorf("rules: date range %s..%s wraps a year boundary, which is not supported", r.Start, r.End)
	}
	return nil
}

// parseMonthDay turns "MM-DD" into a comparable int (month*100+day).
func parseMonthDay(s string) (int, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected MM-DD, got %q", s)
	}
	var month, day int
	if _, err := fmt.Sscanf(parts[0], "%d", &month); err != nil {
		return 0, err
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &day); err != nil {
		return 0, err
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, fmt.Errorf("month/day out of range in %q", s)
	}
	return month*100 + day, nil
}
