package rules

import (
	"strconv"
	"strings"
	"time"
)

// Severity priorities, in ascending order, per spec.md §3.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

var defaultTaskNameByPriority = map[string]string{
	SeverityCritical: "IMMEDIATE_RESPONSE",
	SeverityHigh:     "PRIORITY_REVIEW",
	SeverityMedium:   "STANDARD_REVIEW",
	SeverityLow:      "ROUTINE_LOG",
}

const (
	actionEscalate       = "ESCALATE_TO_CONTROL_TOWER"
	actionLogOnly        = "LOG_ONLY"
	actionRequestApproval = "REQUEST_APPROVAL"
	targetControlTower   = "CONTROL_TOWER"
	roleBruno            = "BRUNO"

	sourceHumanDecisionResponse = "HUMAN_DECISION_RESPONSE"
)

// IDGenerator supplies InstructionID without the engine importing uuid
// directly. Together with the clock passed to New, which supplies
// CreatedAtISO, it keeps Evaluate a pure function over its inputs
// (easier to test, matching internal/policy's own Evaluate signature
// shape).
type IDGenerator func() string

// Engine evaluates beacons into instructions using a loaded Config.
type Engine struct {
	cfg   Config
	newID IDGenerator
	now   func() time.Time
}

func New(cfg Config, newID IDGenerator, now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{cfg: cfg, newID: newID, now: now}
}

// Evaluate runs the full pipeline from spec.md §4.7 and returns the
// resulting Instruction plus any hard-rule violations that fired.
func (e *Engine) Evaluate(beacon Beacon, signal NormalizedSignal) (Instruction, []HardRuleViolation) {
	if beacon.SignalSource == sourceHumanDecisionResponse {
		return e.evaluateHumanDecision(beacon), nil
	}

	severity := e.inferSeverity(beacon, signal)
	priority := severity
	targetApp := e.selectTarget(beacon, signal)

	tpl, hasTemplate := e.cfg.Templates[templateKey(beacon.SignalSource, signal.SignalType)]
	instruction := Instruction{
		InstructionID: e.newID(),
		BeaconID:      beacon.BeaconID,
		CreatedAtISO:  e.now().Format(time.RFC3339),
		Target:        Target{App: targetApp, LocationID: beacon.LocationID, UserID: beacon.Actor.ID},
		Priority:      priority,
		Confidence:    signal.Confidence,
		ModelTrace:    "task:" + e.taskName(priority),
	}

	if hasTemplate {
		instruction.Message = tpl.Message
		instruction.Actions = renderActions(tpl.Actions)
		instruction.RationaleBullets = capBullets(tpl.Rationale)
		if tpl.Confidence > 0 {
			instruction.Confidence = tpl.Confidence
		}
	} else {
		instruction.Message = "Evento recibido: " + beacon.SignalSource
		instruction.Actions = []Action{{Type: actionLogOnly, Params: map[string]any{"reason": "NO_TEMPLATE_MATCHED"}}}
		instruction.RationaleBullets = []string{"No existe plantilla para esta combinación de fuente y tipo de señal."}
	}

	instruction.Actions = e.enforceAuthority(beacon.Actor, instruction.Actions)

	violations := e.checkHardRules(beacon, instruction.Actions)
	if len(violations) > 0 {
		instruction.Actions = hardRuleActions(violations)
		instruction.RationaleBullets = violationBullets(violations)
	} else {
		instruction.Actions = e.sanitizeForTarget(targetApp, instruction.Actions)
	}

	return instruction, violations
}

// inferSeverity implements spec.md §4.7 step 1.
func (e *Engine) inferSeverity(beacon Beacon, signal NormalizedSignal) string {
	if isValidSeverity(signal.Severity) {
		return signal.Severity
	}
	if sev, ok := e.cfg.SeverityBySource[beacon.SignalSource]; ok && isValidSeverity(sev) {
		return sev
	}
	if raw, ok := beacon.MachinePayload["severity"]; ok {
		if s, ok := raw.(string); ok && isValidSeverity(strings.ToUpper(s)) {
			return strings.ToUpper(s)
		}
	}
	return SeverityMedium
}

func isValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// taskName implements spec.md §4.7 step 2's "parallel taskName".
func (e *Engine) taskName(priority string) string {
	if name, ok := e.cfg.TaskNameByPriority[priority]; ok {
		return name
	}
	return defaultTaskNameByPriority[priority]
}

// selectTarget implements spec.md §4.7 step 3's ordered decision.
func (e *Engine) selectTarget(beacon Beacon, signal NormalizedSignal) string {
	if target, ok := e.cfg.TargetBySource[beacon.SignalSource]; ok && target != "" {
		return target
	}
	if target, ok := e.cfg.TargetBySignalType[signal.SignalType]; ok && target != "" {
		return target
	}
	for _, fb := range e.cfg.TargetSubstringFallback {
		if fb.Substring != "" && strings.Contains(beacon.SignalSource, fb.Substring) {
			return fb.Target
		}
	}
	if target, ok := e.cfg.TargetByActorRole[beacon.Actor.Role]; ok && target != "" {
		return target
	}
	return defaultTarget
}

func renderActions(templates []ActionTemplate) []Action {
	actions := make([]Action, 0, len(templates))
	for _, t := range templates {
		actions = append(actions, renderAction(t))
	}
	return actions
}

func renderAction(t ActionTemplate) Action {
	params := map[string]any{}
	for k, v := range t.Params {
		params[k] = v
	}
	if t.ProposedAction != nil {
		proposed := renderAction(*t.ProposedAction)
		params["proposed_action"] = proposed
	}
	if t.IfNoThen != nil {
		ifNo := renderAction(*t.IfNoThen)
		params["if_no_then"] = ifNo
	}
	return Action{Type: t.Type, Params: params}
}

func capBullets(bullets []string) []string {
	if len(bullets) <= 3 {
		return bullets
	}
	return bullets[:3]
}

// enforceAuthority implements spec.md §4.7 step 5: a BRUNO actor may
// only ever surface advisory actions.
func (e *Engine) enforceAuthority(actor Actor, actions []Action) []Action {
	if actor.Role != roleBruno {
		return actions
	}
	advisory := make([]Action, 0, len(actions)+1)
	nonAdvisory := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.Type == actionRequestApproval || a.Type == actionLogOnly {
			advisory = append(advisory, a)
		} else {
			nonAdvisory = append(nonAdvisory, a)
		}
	}
	if len(nonAdvisory) > 0 {
		advisory = append(advisory, Action{Type: actionRequestApproval, Params: map[string]any{"proposed_actions": nonAdvisory}})
	}
	if len(advisory) == 0 {
		return []Action{{Type: actionLogOnly, Params: map[string]any{"reason": "NO_ADVISORY_ACTION_AVAILABLE"}}}
	}
	return advisory
}

// checkHardRules implements spec.md §4.7's two fully-specified hard
// rules: shelf-life x peak-shaving, and pull-only windows.
func (e *Engine) checkHardRules(beacon Beacon, actions []Action) []HardRuleViolation {
	ts, err := time.Parse(time.RFC3339, beacon.TimestampISO)
	if err != nil {
		return nil
	}
	md := monthDay(ts)

	var violations []HardRuleViolation
	for _, a := range actions {
		if a.Type == "RESERVE_SHADOW_INVENTORY" {
			sku, _ := a.Params["sku"].(string)
			if inAnyRange(md, e.cfg.PeakShavingRanges) && matchesOneDayShelfLife(sku, e.cfg.OneDayShelfLifeSKUs) {
				violations = append(violations, HardRuleViolation{
					Rule:          "NO_PEAK_SHAVING_1DAY",
					BlockedAction: a.Type,
					Reason:        "SKU has 1-day shelf life during a configured peak-shaving window",
					SKU:           sku,
					LifeDays:      1,
				})
			}
		}
		if inAnyRange(md, e.cfg.PullOnlyRanges) && isBlockedDuringPullOnly(a.Type, e.cfg.PullOnlyBlockedActions) {
			violations = append(violations, HardRuleViolation{
				Rule:          "PULL_ONLY_WINDOW",
				BlockedAction: a.Type,
				Reason:        "Action type is blocked during a configured pull-only window",
			})
		}
	}
	return violations
}

func monthDay(t time.Time) int {
	return int(t.Month())*100 + t.Day()
}

func inAnyRange(md int, ranges []DateRange) bool {
	for _, r := range ranges {
		start, errStart := parseMonthDay(r.Start)
		end, errEnd := parseMonthDay(r.End)
		if errStart != nil || errEnd != nil {
			continue
		}
		if md >= start && md <= end {
			return true
		}
	}
	return false
}

func matchesOneDayShelfLife(sku string, substrings []string) bool {
	if sku == "" {
		return false
	}
	normalized := strings.ToLower(sku)
	for _, s := range substrings {
		if s != "" && strings.Contains(normalized, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func isBlockedDuringPullOnly(actionType string, blocked []string) bool {
	for _, b := range blocked {
		if b == actionType {
			return true
		}
	}
	return false
}

// hardRuleActions implements spec.md §4.7 step 6: overwrite with a
// fixed two-action list.
func hardRuleActions(violations []HardRuleViolation) []Action {
	violationParams := make([]any, 0, len(violations))
	for _, v := range violations {
		violationParams = append(violationParams, v)
	}
	return []Action{
		{Type: actionEscalate, Params: map[string]any{"reason": "HARD_RULE_VIOLATION", "violations": violationParams}},
		{Type: actionLogOnly, Params: map[string]any{"violations": violationParams}},
	}
}

func violationBullets(violations []HardRuleViolation) []string {
	bullets := make([]string, 0, len(violations))
	for _, v := range violations {
		bullet := "Acción bloqueada por regla dura."
		if v.SKU != "" {
			bullet += " SKU " + v.SKU + " (" + strconv.Itoa(v.LifeDays) + " día(s) de vida útil)."
		}
		bullets = append(bullets, bullet)
	}
	return capBullets(bullets)
}

// sanitizeForTarget implements spec.md §4.7 step 7: drop any action
// whose type is not allow-listed for targetApp, escalating once if
// anything was dropped and the target isn't already CONTROL_TOWER.
func (e *Engine) sanitizeForTarget(targetApp string, actions []Action) []Action {
	allowed := e.cfg.AllowList[targetApp]
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = struct{}{}
	}

	sanitized := make([]Action, 0, len(actions))
	dropped := false
	hasEscalate := false
	for _, a := range actions {
		if a.Type == actionEscalate {
			hasEscalate = true
		}
		if _, ok := allowedSet[a.Type]; ok || a.Type == actionEscalate {
			sanitized = append(sanitized, a)
			continue
		}
		dropped = true
	}

	if dropped && targetApp != targetControlTower && !hasEscalate {
		sanitized = append(sanitized, Action{
			Type:   actionEscalate,
			Params: map[string]any{"reason": "ACTION_NOT_AUTHORIZED_FOR_TARGET_APP", "target_app": targetApp},
		})
	}
	return sanitized
}

// evaluateHumanDecision implements spec.md §4.7's human-decision reply
// handling for beacons whose source is HUMAN_DECISION_RESPONSE.
func (e *Engine) evaluateHumanDecision(beacon Beacon) Instruction {
	instruction := Instruction{
		InstructionID: e.newID(),
		BeaconID:      beacon.BeaconID,
		CreatedAtISO:  e.now().Format(time.RFC3339),
		Target:        Target{App: defaultTarget, LocationID: beacon.LocationID, UserID: beacon.Actor.ID},
		Priority:      SeverityMedium,
	}

	decisionRaw, _ := beacon.MachinePayload["decision"].(string)
	decision := strings.ToUpper(strings.TrimSpace(decisionRaw))

	proposedRaw, hasProposed := beacon.MachinePayload["proposed_action"]
	ifNoThenRaw, hasIfNoThen := beacon.MachinePayload["if_no_then"]

	switch decision {
	case "APROBAR", "SI":
		if hasProposed {
			instruction.Actions = []Action{actionFromRaw(proposedRaw)}
			instruction.RationaleBullets = []string{"Decisión humana: aprobado."}
		} else {
			instruction.Actions = []Action{{Type: actionLogOnly, Params: map[string]any{"reason": "APPROVED_NO_PROPOSED_ACTION"}}}
		}
	case "RECHAZAR", "NO", "NO_POR_AHORA":
		if hasIfNoThen {
			instruction.Actions = []Action{actionFromRaw(ifNoThenRaw)}
			instruction.RationaleBullets = []string{"Decisión humana: rechazado, ejecutando alternativa."}
		} else {
			instruction.Actions = []Action{{Type: actionLogOnly, Params: map[string]any{"reason": "REJECTED_CANCELLATION"}}}
			instruction.RationaleBullets = []string{"Decisión humana: rechazado, sin alternativa configurada."}
		}
	default:
		instruction.Actions = []Action{{Type: actionLogOnly, Params: map[string]any{"raw_payload": beacon.MachinePayload}}}
		instruction.RationaleBullets = []string{"Decisión humana no reconocida, registrando sin ejecutar."}
	}

	instruction.Message = "Procesada respuesta de decisión humana"
	return instruction
}

func actionFromRaw(raw any) Action {
	m, ok := raw.(map[string]any)
	if !ok {
		return Action{Type: actionLogOnly, Params: map[string]any{"raw": raw}}
	}
	actionType, _ := m["type"].(string)
	params, _ := m["params"].(map[string]any)
	return Action{Type: actionType, Params: params}
}
