package domain

// Verdict is the binary outcome of an evaluation.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// EvaluationReport is the evaluator's test-grounded verdict for one iteration.
type EvaluationReport struct {
	Verdict  Verdict  `json:"verdict"`
	TestPlan string   `json:"test_plan,omitempty"`
	Issues   []string `json:"issues,omitempty"`

	// Evidence references ToolResult IDs of the current iteration.
	Evidence []string `json:"evidence,omitempty"`

	// NoEvidence is set when no tool result existed to ground the verdict.
	NoEvidence bool `json:"no_evidence,omitempty"`

	// Forced is set when the gate overrode the evaluator's own verdict.
	Forced bool `json:"forced,omitempty"`
}

// Passed reports a pass verdict.
func (r EvaluationReport) Passed() bool {
	return r.Verdict == VerdictPass
}

// CritiqueReport is the critic's review, produced after every evaluation.
type CritiqueReport struct {
	Critique   string   `json:"critique"`
	Approved   bool     `json:"approved"`
	Feedback   string   `json:"feedback,omitempty"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}
