package policy

import "testing"

func TestPolicyForbiddenPhrase(t *testing.T) {
	p := Policy{ForbiddenPhrases: []string{"guarantee"}}
	_, res := Evaluate("We guarantee success", p, 1.0)
	if res.Allowed {
		t.Fatalf("expected forbidden phrase to block")
	}
	if res.ViolationLevel != "critical" {
		t.Fatalf("expected critical violation")
	}
}

func TestPolicyLowConfidenceRequiresApproval(t *testing.T) {
	p := Policy{}
	p.Approval.ConfidenceThreshold = 0.6
	_, res := Evaluate("Thanks for reaching out.", p, 0.4)
	if !res.Allowed {
		t.Fatalf("low confidence should not block, only require approval")
	}
	if !res.NeedsApproval {
		t.Fatalf("expected NeedsApproval when confidence is below threshold")
	}
}

func TestPolicyRedactsSensitivePattern(t *testing.T) {
	p := Policy{}
	p.Redactions.Patterns = []string{`\d{3}-\d{2}-\d{4}`}
	text, res := Evaluate("SSN on file: 123-45-6789", p, 1.0)
	if !res.Allowed {
		t.Fatalf("redaction alone should not block")
	}
	if text == "SSN on file: 123-45-6789" {
		t.Fatalf("expected the matched pattern to be redacted")
	}
}
