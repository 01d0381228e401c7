package rules

import (
	"os"
	"strconv"
	"testing"
	"time"
)

func fixedClock(ts string) func() time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func sequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

func TestSeverityInferenceFallsBackToSourceTable(t *testing.T) {
	cfg := Config{SeverityBySource: map[string]string{"OPS_TRAFFIC_ALERT": SeverityHigh}}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-01-01T00:00:00Z"))

	instr, _ := e.Evaluate(Beacon{SignalSource: "OPS_TRAFFIC_ALERT", TimestampISO: "2026-01-01T00:00:00Z"}, NormalizedSignal{})
	if instr.Priority != SeverityHigh {
		t.Fatalf("expected HIGH priority, got %s", instr.Priority)
	}
}

func TestTargetSelectionSubstringFallback(t *testing.T) {
	cfg := Config{
		TargetSubstringFallback: []SourceFallback{{Substring: "CANCEL", Target: "CONTROL_TOWER"}},
	}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-01-01T00:00:00Z"))

	instr, _ := e.Evaluate(Beacon{SignalSource: "ORDER_CANCEL_REQUESTED", TimestampISO: "2026-01-01T00:00:00Z"}, NormalizedSignal{})
	if instr.Target.App != "CONTROL_TOWER" {
		t.Fatalf("expected CONTROL_TOWER via substring fallback, got %s", instr.Target.App)
	}
}

// S4 from spec.md §8.
func TestHardRulePeakShavingShelfLife(t *testing.T) {
	cfg := Config{
		TargetBySource: map[string]string{"INVENTORY_SIGNAL": "APP_INVENTORY"},
		Templates: map[string]InstructionTemplate{
			templateKey("INVENTORY_SIGNAL", "RESERVE_REQUEST"): {
				Message: "Reservar inventario",
				Actions: []ActionTemplate{{Type: "RESERVE_SHADOW_INVENTORY", Params: map[string]any{"sku": "rosca_lotus_500g"}}},
				Rationale: []string{"Solicitud de reserva de inventario"},
			},
		},
		PeakShavingRanges:   []DateRange{{Start: "01-02", End: "01-05"}},
		OneDayShelfLifeSKUs: []string{"rosca_lotus"},
		AllowList:           map[string][]string{"APP_INVENTORY": {"RESERVE_SHADOW_INVENTORY"}},
	}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-01-03T10:00:00Z"))

	beacon := Beacon{
		SignalSource: "INVENTORY_SIGNAL",
		TimestampISO: "2026-01-03T10:00:00Z",
	}
	instr, violations := e.Evaluate(beacon, NormalizedSignal{SignalType: "RESERVE_REQUEST"})

	if len(violations) != 1 || violations[0].Rule != "NO_PEAK_SHAVING_1DAY" {
		t.Fatalf("expected one NO_PEAK_SHAVING_1DAY violation, got %+v", violations)
	}
	if len(instr.Actions) != 2 || instr.Actions[0].Type != actionEscalate || instr.Actions[1].Type != actionLogOnly {
		t.Fatalf("expected overwritten [ESCALATE, LOG_ONLY] actions, got %+v", instr.Actions)
	}
	if len(instr.RationaleBullets) == 0 || instr.RationaleBullets[0] != "Acción bloqueada por regla dura. SKU rosca_lotus_500g (1 día(s) de vida útil)." {
		t.Fatalf("unexpected rationale bullets: %v", instr.RationaleBullets)
	}
}

// A hard rule's [ESCALATE_TO_CONTROL_TOWER, LOG_ONLY] pair must survive
// even when the target's allow-list grants neither action — sanitisation
// never runs once a hard rule has fired.
func TestHardRuleActionsSurviveEmptyAllowList(t *testing.T) {
	cfg := Config{
		TargetBySource: map[string]string{"INVENTORY_SIGNAL": "APP_INVENTORY"},
		Templates: map[string]InstructionTemplate{
			templateKey("INVENTORY_SIGNAL", "RESERVE_REQUEST"): {
				Message: "Reservar inventario",
				Actions: []ActionTemplate{{Type: "RESERVE_SHADOW_INVENTORY", Params: map[string]any{"sku": "rosca_lotus_500g"}}},
				Rationale: []string{"Solicitud de reserva de inventario"},
			},
		},
		PeakShavingRanges:   []DateRange{{Start: "01-02", End: "01-05"}},
		OneDayShelfLifeSKUs: []string{"rosca_lotus"},
		AllowList:           map[string][]string{"APP_INVENTORY": {}},
	}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-01-03T10:00:00Z"))

	beacon := Beacon{
		SignalSource: "INVENTORY_SIGNAL",
		TimestampISO: "2026-01-03T10:00:00Z",
	}
	instr, violations := e.Evaluate(beacon, NormalizedSignal{SignalType: "RESERVE_REQUEST"})

	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %+v", violations)
	}
	if len(instr.Actions) != 2 || instr.Actions[0].Type != actionEscalate || instr.Actions[1].Type != actionLogOnly {
		t.Fatalf("expected [ESCALATE, LOG_ONLY] regardless of allow-list, got %+v", instr.Actions)
	}
}

// S5 from spec.md §8.
func TestSanitisationDropsDisallowedActionAndEscalatesOnce(t *testing.T) {
	cfg := Config{
		TargetBySource: map[string]string{"QA_EVENT": "APP_QA"},
		Templates: map[string]InstructionTemplate{
			templateKey("QA_EVENT", "BATCH_ISSUE"): {
				Message: "Problema detectado en lote",
				Actions: []ActionTemplate{
					{Type: "BLOCK_VIRTUAL_STOCK_BATCH"},
					{Type: "REALLOCATE_STAFF"},
				},
			},
		},
		AllowList: map[string][]string{"APP_QA": {"BLOCK_VIRTUAL_STOCK_BATCH"}},
	}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-06-01T00:00:00Z"))

	instr, _ := e.Evaluate(Beacon{SignalSource: "QA_EVENT", TimestampISO: "2026-06-01T00:00:00Z"}, NormalizedSignal{SignalType: "BATCH_ISSUE"})

	if len(instr.Actions) != 2 {
		t.Fatalf("expected 2 actions (kept + escalate), got %+v", instr.Actions)
	}
	if instr.Actions[0].Type != "BLOCK_VIRTUAL_STOCK_BATCH" {
		t.Fatalf("expected allowed action retained first, got %+v", instr.Actions[0])
	}
	escalate := instr.Actions[1]
	if escalate.Type != actionEscalate || escalate.Params["target_app"] != "APP_QA" {
		t.Fatalf("expected single escalate for APP_QA, got %+v", escalate)
	}
}

func TestAuthorityEnforcementCollapsesBrunoActions(t *testing.T) {
	cfg := Config{
		Templates: map[string]InstructionTemplate{
			templateKey("SRC", "TYPE"): {
				Actions: []ActionTemplate{{Type: "RESERVE_SHADOW_INVENTORY"}},
			},
		},
		AllowList: map[string][]string{"SYSTEM": {"REQUEST_APPROVAL"}},
	}
	e := New(cfg, sequentialIDs("i"), fixedClock("2026-06-01T00:00:00Z"))

	instr, _ := e.Evaluate(Beacon{SignalSource: "SRC", TimestampISO: "2026-06-01T00:00:00Z", Actor: Actor{Role: roleBruno}}, NormalizedSignal{SignalType: "TYPE"})

	if len(instr.Actions) != 1 || instr.Actions[0].Type != actionRequestApproval {
		t.Fatalf("expected single REQUEST_APPROVAL action for BRUNO actor, got %+v", instr.Actions)
	}
}

func TestHumanDecisionApprovedExecutesProposedAction(t *testing.T) {
	e := New(Config{}, sequentialIDs("i"), fixedClock("2026-06-01T00:00:00Z"))

	beacon := Beacon{
		SignalSource: sourceHumanDecisionResponse,
		MachinePayload: map[string]any{
			"decision": "APROBAR",
			"proposed_action": map[string]any{
				"type":   "ESCALATE_TO_CONTROL_TOWER",
				"params": map[string]any{"reason": "confirmed"},
			},
		},
	}
	instr, _ := e.Evaluate(beacon, NormalizedSignal{})
	if len(instr.Actions) != 1 || instr.Actions[0].Type != "ESCALATE_TO_CONTROL_TOWER" {
		t.Fatalf("expected proposed action executed, got %+v", instr.Actions)
	}
}

func TestHumanDecisionRejectedUsesIfNoThen(t *testing.T) {
	e := New(Config{}, sequentialIDs("i"), fixedClock("2026-06-01T00:00:00Z"))

	beacon := Beacon{
		SignalSource: sourceHumanDecisionResponse,
		MachinePayload: map[string]any{
			"decision": "RECHAZAR",
			"if_no_then": map[string]any{
				"type": "LOG_ONLY",
			},
		},
	}
	instr, _ := e.Evaluate(beacon, NormalizedSignal{})
	if len(instr.Actions) != 1 || instr.Actions[0].Type != "LOG_ONLY" {
		t.Fatalf("expected if_no_then action executed, got %+v", instr.Actions)
	}
}

func TestLoadRejectsWrappingDateRange(t *testing.T) {
	tmp := t.TempDir() + "/rules.yaml"
	content := "peak_shaving_ranges:\n  - start: \"12-28\"\n    end: \"01-04\"\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("writefile: %v", err)
	}
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected year-wrapping range to be rejected")
	}
}
