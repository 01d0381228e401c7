// Package policy enforces outbound-reply guardrails on a drafted chat
// response before internal/chatclient ever sees it: forbidden phrases,
// pattern-based redaction, a max length, required disclosures, and a
// confidence-gated approval requirement. The approval gate reads the
// confidence value the caller passes to Evaluate and the risk flags
// Evaluate itself raises, in addition to a fixed RequiredWhen string list.
package policy

import (
	"errors"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the single YAML-loaded document governing outbound replies.
type Policy struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Version           int      `yaml:"version"`
	AllowedTones      []string `yaml:"allowed_tones"`
	ForbiddenPhrases  []string `yaml:"forbidden_phrases"`
	RequiredDiscl     []string `yaml:"required_disclosures"`
	OutboundAllowlist []string `yaml:"outbound_domain_allowlist"`
	MaxReplyLength    int      `yaml:"max_reply_length_chars"`
	Redactions        struct {
		Patterns    []string `yaml:"patterns"`
		Replacement string   `yaml:"replacement"`
	} `yaml:"redactions"`
	Approval struct {
		RequiredWhen        []string `yaml:"required_when"`
		ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	} `yaml:"approval"`
}

// Result is the outcome of running a draft through a Policy.
type Result struct {
	Allowed            bool
	ViolationLevel      string
	Reason             string
	SuggestedRedaction string
	RiskFlags          []string
	NeedsApproval      bool
	RedactionsApplied  []string
}

func Load(path string) (Policy, error) {
	var p Policy
	if path == "" {
		return p, errors.New("missing policy path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// Evaluate checks draft against policy and returns the (possibly
// redacted) text plus the decision. confidence is the drafting
// provider's own confidence score (llm.Draft carries none directly, so
// callers pass the upstream Classification/Extraction confidence that
// produced the draft); it gates NeedsApproval alongside the forced
// RequiredWhen risk-flag list.
func Evaluate(draft string, policyDoc Policy, confidence float64) (string, Result) {
	res := Result{Allowed: true}
	text := draft

	for _, phrase := range policyDoc.ForbiddenPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(phrase)) {
			res.Allowed = false
			res.ViolationLevel = "critical"
			res.Reason = "Draft contains forbidden phrase: " + phrase
			res.RiskFlags = append(res.RiskFlags, "forbidden_phrase")
			return text, res
		}
	}

	for _, pattern := range policyDoc.Redactions.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			res.RiskFlags = append(res.RiskFlags, "contains_sensitive_data")
			res.RedactionsApplied = append(res.RedactionsApplied, pattern)
			replacement := policyDoc.Redactions.Replacement
			if replacement == "" {
				replacement = "[REDACTED]"
			}
			text = re.ReplaceAllString(text, replacement)
		}
	}

	if policyDoc.MaxReplyLength > 0 && len(text) > policyDoc.MaxReplyLength {
		res.Allowed = false
		res.ViolationLevel = "critical"
		res.Reason = "Draft exceeds max reply length"
		res.RiskFlags = append(res.RiskFlags, "too_long")
		return text, res
	}

	for _, disclosure := range policyDoc.RequiredDiscl {
		if disclosure == "" {
			continue
		}
		if !strings.Contains(text, disclosure) {
			res.RiskFlags = append(res.RiskFlags, "missing_disclosure")
			res.NeedsApproval = true
		}
	}

	if policyDoc.Approval.ConfidenceThreshold > 0 && confidence < policyDoc.Approval.ConfidenceThreshold {
		res.NeedsApproval = true
		res.RiskFlags = append(res.RiskFlags, "low_confidence")
	}
	for _, flag := range res.RiskFlags {
		if containsString(policyDoc.Approval.RequiredWhen, flag) {
			res.NeedsApproval = true
		}
	}

	if len(res.RiskFlags) > 0 && res.ViolationLevel == "" {
		res.ViolationLevel = "warning"
	}

	res.SuggestedRedaction = text
	return text, res
}

func containsString(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
