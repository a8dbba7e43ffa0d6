package runtime

import (
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/domain"
)

// allowedTransitions is the complete phase graph. Any phase may terminate.
var allowedTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseIdle:         {domain.PhasePlanning},
	domain.PhasePlanning:     {domain.PhaseDesigning},
	domain.PhaseDesigning:    {domain.PhaseImplementing},
	domain.PhaseImplementing: {domain.PhaseExecuting, domain.PhaseEvaluating},
	domain.PhaseExecuting:    {domain.PhaseEvaluating},
	domain.PhaseEvaluating:   {domain.PhaseCritiquing},
	domain.PhaseCritiquing:   {domain.PhaseLooping},
	domain.PhaseLooping:      {domain.PhasePlanning},
}

// CanTransition reports whether the machine may move from one phase to another.
func CanTransition(from, to domain.Phase) bool {
	if from == domain.PhaseTerminated {
		return false
	}
	if to == domain.PhaseTerminated {
		return true
	}
	return slices.Contains(allowedTransitions[from], to)
}

func checkTransition(from, to domain.Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// roleOf names the role active in a phase.
func roleOf(p domain.Phase) domain.Role {
	switch p {
	case domain.PhasePlanning:
		return domain.RolePlanner
	case domain.PhaseDesigning:
		return domain.RoleArchitect
	case domain.PhaseImplementing:
		return domain.RoleEngineer
	case domain.PhaseEvaluating:
		return domain.RoleEvaluator
	case domain.PhaseCritiquing:
		return domain.RoleCritic
	}
	return ""
}

// decision is the outcome of the loop decision after critique.
type decision struct {
	status domain.RunStatus
	reason domain.Reason
	done   bool

	// cause is why the last iteration did not succeed.
	cause domain.Reason
}

// decide applies the loop rule: succeed on a pass verdict with enough
// confidence, stop at the iteration cap, loop otherwise. Confidence is only
// consulted when the evaluation passed.
func decide(eval domain.EvaluationReport, crit domain.CritiqueReport, iteration int, obj domain.TaskObjective) decision {
	if eval.Passed() && crit.Confidence >= obj.MinConfidence() {
		return decision{status: domain.StatusSucceeded, reason: domain.ReasonSucceeded, done: true}
	}
	why := domain.ReasonEvaluationFailed
	if eval.Passed() {
		why = domain.ReasonLowConfidence
	}
	if iteration >= obj.IterationCap {
		return decision{status: domain.StatusExhausted, reason: domain.ReasonIterationExhausted, done: true, cause: why}
	}
	return decision{status: domain.StatusRunning, cause: why}
}
