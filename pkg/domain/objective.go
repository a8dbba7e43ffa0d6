package domain

import (
	"fmt"
	"strings"
)

// TaskObjective is the immutable input of a run.
// It is passed by value so the state machine can never mutate the caller's copy.
type TaskObjective struct {
	// Goal is the free-text engineering objective.
	Goal string `json:"goal" yaml:"goal" mapstructure:"goal"`

	// SuccessCriteria optionally describes what a correct result looks like.
	SuccessCriteria string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty" mapstructure:"success_criteria"`

	// IterationCap bounds the number of plan/implement/evaluate cycles.
	IterationCap int `json:"iteration_cap" yaml:"iteration_cap" mapstructure:"iteration_cap"`

	// ConfidenceThreshold is the minimum critic confidence required to succeed.
	// Nil means unset; an explicit 0 accepts any confidence.
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty" mapstructure:"confidence_threshold"`

	// Seed drives deterministic sampling and sandbox environments.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty" mapstructure:"seed"`
}

// Threshold returns a confidence threshold for TaskObjective literals.
func Threshold(v float64) *float64 { return &v }

// MinConfidence returns the confidence threshold, 0 when unset.
func (o TaskObjective) MinConfidence() float64 {
	if o.ConfidenceThreshold == nil {
		return 0
	}
	return *o.ConfidenceThreshold
}

// ObjectiveDefaults holds the fallback values applied to zero fields.
type ObjectiveDefaults struct {
	IterationCap        int
	ConfidenceThreshold float64
}

// WithDefaults returns a copy of the objective with zero fields filled in.
func (o TaskObjective) WithDefaults(d ObjectiveDefaults) TaskObjective {
	if o.IterationCap == 0 {
		o.IterationCap = d.IterationCap
	}
	if o.ConfidenceThreshold == nil {
		o.ConfidenceThreshold = Threshold(d.ConfidenceThreshold)
	} else {
		o.ConfidenceThreshold = Threshold(*o.ConfidenceThreshold)
	}
	return o
}

// Validate checks that the objective can drive a run.
func (o TaskObjective) Validate() error {
	if strings.TrimSpace(o.Goal) == "" {
		return fmt.Errorf("%w: goal is required", ErrInvalidObjective)
	}
	if o.IterationCap < 1 {
		return fmt.Errorf("%w: iteration cap must be at least 1, got %d", ErrInvalidObjective, o.IterationCap)
	}
	if c := o.MinConfidence(); c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence threshold must be within [0,1], got %v", ErrInvalidObjective, c)
	}
	return nil
}
